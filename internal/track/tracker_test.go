package track

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/geo"
	"github.com/twinflow/twinflow/internal/match"
)

// corridorEngine is a four-edge planar corridor with scriptable entities.
type corridorEngine struct {
	points   map[engine.EdgeID]geo.Point
	entities map[engine.EntityID][]engine.EdgeID
	edgesErr map[engine.EntityID]bool
	listErr  error
}

func newCorridorEngine() *corridorEngine {
	return &corridorEngine{
		points: map[engine.EdgeID]geo.Point{
			"A": {X: 0, Y: 0},
			"B": {X: 100, Y: 0},
			"C": {X: 200, Y: 0},
			"D": {X: 300, Y: 0},
		},
		entities: make(map[engine.EntityID][]engine.EdgeID),
		edgesErr: make(map[engine.EntityID]bool),
	}
}

func (c *corridorEngine) ListEdgeIDs() ([]engine.EdgeID, error) {
	ids := make([]engine.EdgeID, 0, len(c.points))
	for id := range c.points {
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *corridorEngine) EdgeReferencePoint(id engine.EdgeID) (geo.Point, error) {
	p, ok := c.points[id]
	if !ok {
		return geo.Point{}, engine.ErrNotFound
	}
	return p, nil
}

func (c *corridorEngine) EdgeMeanSpeed(engine.EdgeID) (float64, error) { return 0, nil }
func (c *corridorEngine) EdgeOccupancy(engine.EdgeID) (float64, error) { return 0, nil }
func (c *corridorEngine) EdgeVehicleCount(engine.EdgeID) (int, error)  { return 0, nil }

func (c *corridorEngine) ListActiveEntityIDs() ([]engine.EntityID, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	ids := make([]engine.EntityID, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *corridorEngine) EntityCurrentEdges(id engine.EntityID) ([]engine.EdgeID, error) {
	if c.edgesErr[id] {
		return nil, fmt.Errorf("entity %s: %w", id, engine.ErrUnreachable)
	}
	edges, ok := c.entities[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return edges, nil
}

func (c *corridorEngine) ApplyParameters(engine.EntityID, engine.ParameterSet) error {
	return nil
}

type corridorOracle struct{}

func (corridorOracle) ShortestPath(_ context.Context, origin, dest engine.EdgeID) ([]engine.EdgeID, float64, error) {
	if origin == "A" && dest == "D" {
		return []engine.EdgeID{"A", "B", "C", "D"}, 400, nil
	}
	return nil, 0, engine.ErrNoPath
}

type tripRecorder struct {
	trips []CompletedTrip
}

func (r *tripRecorder) StoreCompletedTrip(t CompletedTrip) error {
	r.trips = append(r.trips, t)
	return nil
}

func mappedMatcher(t *testing.T, eng engine.Engine) *match.Matcher {
	t.Helper()
	m := match.NewMatcher(eng, corridorOracle{}, match.Config{CRS: geo.Planar})
	if _, err := m.MapRoute(context.Background(), match.ProbeRoute{
		ID:     "r1",
		Origin: geo.Point{X: 0, Y: 0},
		Dest:   geo.Point{X: 300, Y: 0},
	}); err != nil {
		t.Fatalf("route mapping failed: %v", err)
	}
	return m
}

func TestTrackerLifecycle(t *testing.T) {
	eng := newCorridorEngine()
	store := &tripRecorder{}
	tr := NewTracker(eng, mappedMatcher(t, eng), 0.7, store)

	// Entity on 3 of 4 route edges: overlap 0.75 >= 0.7.
	eng.entities["veh1"] = []engine.EdgeID{"A", "B", "C"}
	tr.Step(10)
	if tr.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked entity, got %d", tr.TrackedCount())
	}

	// Still present: stays active, no trip yet.
	tr.Step(30)
	if len(tr.Drain()) != 0 {
		t.Fatal("no trip should complete while the entity is present")
	}

	// Vanishes: completed with travel time 50 - 10 = 40s.
	delete(eng.entities, "veh1")
	tr.Step(50)

	trips := tr.Drain()
	if len(trips) != 1 {
		t.Fatalf("expected 1 completed trip, got %d", len(trips))
	}
	trip := trips[0]
	if trip.EntityID != "veh1" || trip.RouteID != "r1" {
		t.Errorf("trip attributed to %s/%s, want veh1/r1", trip.EntityID, trip.RouteID)
	}
	if trip.TravelTimeSec != 40 {
		t.Errorf("travel time %.0fs, want 40", trip.TravelTimeSec)
	}
	if len(store.trips) != 1 {
		t.Errorf("store received %d trips, want 1", len(store.trips))
	}
	// Drain clears the buffer; a second call must return nothing.
	if again := tr.Drain(); len(again) != 0 {
		t.Errorf("second drain returned %d trips, want 0", len(again))
	}
	if tr.TrackedCount() != 0 {
		t.Errorf("completed entity still counted as active: %d", tr.TrackedCount())
	}
	if tr.TripCount("r1") != 1 {
		t.Errorf("trip count %d, want 1", tr.TripCount("r1"))
	}
}

func TestTrackerIgnoresNonMatchingEntities(t *testing.T) {
	eng := newCorridorEngine()
	tr := NewTracker(eng, mappedMatcher(t, eng), 0.7, nil)

	// Overlap 1/4 = 0.25, below threshold.
	eng.entities["veh1"] = []engine.EdgeID{"A", "X", "Y", "Z"}
	tr.Step(10)
	if tr.TrackedCount() != 0 {
		t.Errorf("non-matching entity was tracked")
	}

	// Vanishing untracked entities never produce trips.
	delete(eng.entities, "veh1")
	tr.Step(20)
	if len(tr.Drain()) != 0 {
		t.Error("untracked entity produced a trip")
	}
}

func TestTrackerOrphansOnEngineError(t *testing.T) {
	eng := newCorridorEngine()
	tr := NewTracker(eng, mappedMatcher(t, eng), 0.7, nil)

	eng.entities["veh1"] = []engine.EdgeID{"A", "B", "C"}
	tr.Step(10)

	// Entity still listed but the direct query fails: orphaned, no trip.
	eng.edgesErr["veh1"] = true
	tr.Step(20)
	if tr.TrackedCount() != 0 {
		t.Errorf("orphaned entity still counted as active: %d", tr.TrackedCount())
	}

	delete(eng.entities, "veh1")
	tr.Step(30)
	if len(tr.Drain()) != 0 {
		t.Error("orphaned entity produced a trip")
	}
}

func TestTrackerFirstMatchWins(t *testing.T) {
	eng := newCorridorEngine()
	m := mappedMatcher(t, eng)
	tr := NewTracker(eng, m, 0.7, nil)

	eng.entities["veh1"] = []engine.EdgeID{"A", "B", "C", "D"}
	tr.Step(5)
	delete(eng.entities, "veh1")
	tr.Step(25)

	trips := tr.Drain()
	if len(trips) != 1 || trips[0].RouteID != "r1" {
		t.Fatalf("expected one trip on r1, got %v", trips)
	}
}

func TestTrackerStats(t *testing.T) {
	eng := newCorridorEngine()
	tr := NewTracker(eng, mappedMatcher(t, eng), 0.7, nil)

	// Three trips with travel times 10, 20, 30.
	for i, start := range []int64{0, 100, 200} {
		id := engine.EntityID(fmt.Sprintf("veh%d", i))
		eng.entities[id] = []engine.EdgeID{"A", "B", "C"}
		tr.Step(start)
		delete(eng.entities, id)
		tr.Step(start + int64(10*(i+1)))
	}

	mean, ok := tr.AverageTravelTime("r1")
	if !ok || math.Abs(mean-20) > 1e-9 {
		t.Errorf("mean travel time %f, want 20", mean)
	}
	stats, ok := tr.Stats("r1")
	if !ok {
		t.Fatal("expected stats for r1")
	}
	if stats.Count != 3 || stats.MinSeconds != 10 || stats.MaxSeconds != 30 {
		t.Errorf("stats %+v, want count 3, min 10, max 30", stats)
	}
	if stats.StdDev != 10 {
		t.Errorf("stddev %f, want 10", stats.StdDev)
	}
	if routes := tr.RoutesWithData(); len(routes) != 1 || routes[0] != "r1" {
		t.Errorf("routes with data %v, want [r1]", routes)
	}

	if _, ok := tr.AverageTravelTime("none"); ok {
		t.Error("route without trips reported an average")
	}
	if _, ok := tr.Stats("none"); ok {
		t.Error("route without trips reported stats")
	}
}
