// Package track watches simulated entities across ticks, attributes them to
// probe routes, and emits completed-trip travel times for comparison against
// real-world data.
package track

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/match"
	"github.com/twinflow/twinflow/internal/monitoring"
)

// EntityState is the lifecycle state of a tracked entity.
type EntityState string

const (
	EntityActive    EntityState = "active"
	EntityCompleted EntityState = "completed" // vanished from the simulation
	EntityOrphaned  EntityState = "orphaned"  // engine error mid-query; discarded
)

// CompletedTrip is one finished traversal of a probe route. Travel time is
// in simulated seconds (end tick minus start tick at 1 Hz stepping).
type CompletedTrip struct {
	EntityID      engine.EntityID
	RouteID       string
	StartTick     int64
	EndTick       int64
	TravelTimeSec float64
}

// TripStore persists completed trips. Failures are logged, never propagated.
type TripStore interface {
	StoreCompletedTrip(t CompletedTrip) error
}

// RouteStats summarises the travel times observed on one route.
type RouteStats struct {
	RouteID     string
	Count       int
	MeanSeconds float64
	MinSeconds  float64
	MaxSeconds  float64
	StdDev      float64
}

type trackedEntity struct {
	id        engine.EntityID
	routeID   string
	startTick int64
	state     EntityState
}

// Tracker attributes entities to mapped probe routes via the spatial matcher
// and measures their travel times. It is driven once per tick and performs
// no internal threading.
type Tracker struct {
	eng       engine.Engine
	matcher   *match.Matcher
	threshold float64
	store     TripStore // optional

	entities map[engine.EntityID]*trackedEntity
	byRoute  map[string][]float64 // completed travel times per route
	pending  []CompletedTrip      // completed since last Drain
}

// NewTracker builds a tracker. threshold is the edge-overlap ratio required
// to attribute an entity to a route (0 selects the 0.7 default). store may
// be nil.
func NewTracker(eng engine.Engine, matcher *match.Matcher, threshold float64, store TripStore) *Tracker {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Tracker{
		eng:       eng,
		matcher:   matcher,
		threshold: threshold,
		store:     store,
		entities:  make(map[engine.EntityID]*trackedEntity),
		byRoute:   make(map[string][]float64),
	}
}

// Step advances the tracker by one tick: new entities are tested against the
// mapped routes (first match wins, one route per entity), and tracked
// entities that vanished from the engine are completed.
func (t *Tracker) Step(tick int64) {
	ids, err := t.eng.ListActiveEntityIDs()
	if err != nil {
		monitoring.Logf("track: entity listing failed at tick %d: %v", tick, err)
		return
	}

	present := make(map[engine.EntityID]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	routeIDs := t.matcher.MappedRouteIDs()
	for _, id := range ids {
		if _, tracked := t.entities[id]; tracked {
			continue
		}
		edges, err := t.eng.EntityCurrentEdges(id)
		if err != nil {
			// Engine lost the entity mid-query; non-fatal, skip it.
			continue
		}
		for _, routeID := range routeIDs {
			if t.matcher.EntityMatchesRoute(edges, routeID, t.threshold) {
				t.entities[id] = &trackedEntity{
					id:        id,
					routeID:   routeID,
					startTick: tick,
					state:     EntityActive,
				}
				monitoring.Logf("track: entity %s attributed to route %s at tick %d", id, routeID, tick)
				break
			}
		}
	}

	for id, e := range t.entities {
		if e.state != EntityActive {
			continue
		}
		if _, ok := present[id]; ok {
			// Entity is still listed; if the engine errors on a direct
			// query it is discarded silently rather than completed.
			if _, err := t.eng.EntityCurrentEdges(id); err != nil {
				e.state = EntityOrphaned
			}
			continue
		}
		e.state = EntityCompleted
		trip := CompletedTrip{
			EntityID:      id,
			RouteID:       e.routeID,
			StartTick:     e.startTick,
			EndTick:       tick,
			TravelTimeSec: float64(tick - e.startTick),
		}
		t.byRoute[e.routeID] = append(t.byRoute[e.routeID], trip.TravelTimeSec)
		t.pending = append(t.pending, trip)
		if t.store != nil {
			if err := t.store.StoreCompletedTrip(trip); err != nil {
				monitoring.Logf("track: failed to persist trip for %s: %v", id, err)
			}
		}
		monitoring.Logf("track: entity %s completed route %s in %.0fs", id, e.routeID, trip.TravelTimeSec)
	}
}

// Orphan discards a tracked entity after an engine error mid-query. Silent
// and non-fatal; the entity contributes no trip.
func (t *Tracker) Orphan(id engine.EntityID) {
	if e, ok := t.entities[id]; ok && e.state == EntityActive {
		e.state = EntityOrphaned
	}
}

// Drain returns the trips completed since the last call and clears them.
func (t *Tracker) Drain() []CompletedTrip {
	out := t.pending
	t.pending = nil
	return out
}

// TrackedCount returns how many entities are currently in the Active state.
func (t *Tracker) TrackedCount() int {
	var n int
	for _, e := range t.entities {
		if e.state == EntityActive {
			n++
		}
	}
	return n
}

// AverageTravelTime returns the mean completed travel time for a route, or
// false when no trip has completed on it.
func (t *Tracker) AverageTravelTime(routeID string) (float64, bool) {
	times := t.byRoute[routeID]
	if len(times) == 0 {
		return 0, false
	}
	return stat.Mean(times, nil), true
}

// TripCount returns how many trips have completed on a route.
func (t *Tracker) TripCount(routeID string) int {
	return len(t.byRoute[routeID])
}

// Stats returns summary statistics for a route, or false when it has no
// completed trips.
func (t *Tracker) Stats(routeID string) (RouteStats, bool) {
	times := t.byRoute[routeID]
	if len(times) == 0 {
		return RouteStats{}, false
	}
	s := RouteStats{
		RouteID:     routeID,
		Count:       len(times),
		MeanSeconds: stat.Mean(times, nil),
		MinSeconds:  math.Inf(1),
		MaxSeconds:  math.Inf(-1),
	}
	for _, v := range times {
		s.MinSeconds = math.Min(s.MinSeconds, v)
		s.MaxSeconds = math.Max(s.MaxSeconds, v)
	}
	if len(times) > 1 {
		s.StdDev = stat.StdDev(times, nil)
	}
	return s, true
}

// RoutesWithData returns the ids of routes that have at least one completed trip.
func (t *Tracker) RoutesWithData() []string {
	ids := make([]string, 0, len(t.byRoute))
	for id, times := range t.byRoute {
		if len(times) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
