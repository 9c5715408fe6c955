package match

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/geo"
)

// gridEngine is a planar graph of edges at fixed reference points.
type gridEngine struct {
	edges map[engine.EdgeID]geo.Point
}

func (g *gridEngine) ListEdgeIDs() ([]engine.EdgeID, error) {
	ids := make([]engine.EdgeID, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *gridEngine) EdgeReferencePoint(id engine.EdgeID) (geo.Point, error) {
	p, ok := g.edges[id]
	if !ok {
		return geo.Point{}, engine.ErrNotFound
	}
	return p, nil
}

func (g *gridEngine) EdgeMeanSpeed(engine.EdgeID) (float64, error)  { return 0, nil }
func (g *gridEngine) EdgeOccupancy(engine.EdgeID) (float64, error)  { return 0, nil }
func (g *gridEngine) EdgeVehicleCount(engine.EdgeID) (int, error)   { return 0, nil }
func (g *gridEngine) ListActiveEntityIDs() ([]engine.EntityID, error) { return nil, nil }
func (g *gridEngine) EntityCurrentEdges(engine.EntityID) ([]engine.EdgeID, error) {
	return nil, nil
}
func (g *gridEngine) ApplyParameters(engine.EntityID, engine.ParameterSet) error { return nil }

type pathOracle struct {
	paths map[string][]engine.EdgeID
	calls int
}

func (o *pathOracle) ShortestPath(_ context.Context, origin, dest engine.EdgeID) ([]engine.EdgeID, float64, error) {
	o.calls++
	path, ok := o.paths[fmt.Sprintf("%s->%s", origin, dest)]
	if !ok {
		return nil, 0, engine.ErrNoPath
	}
	return path, float64(len(path)) * 100, nil
}

func corridorFixture() (*gridEngine, *pathOracle) {
	eng := &gridEngine{edges: map[engine.EdgeID]geo.Point{
		"A": {X: 0, Y: 0},
		"B": {X: 100, Y: 0},
		"C": {X: 200, Y: 0},
		"D": {X: 300, Y: 0},
	}}
	oracle := &pathOracle{paths: map[string][]engine.EdgeID{
		"A->D": {"A", "B", "C", "D"},
	}}
	return eng, oracle
}

func TestFindNearestEdge(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	got, err := m.FindNearestEdge(geo.Point{X: 110, Y: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "B" {
		t.Errorf("nearest edge %s, want B", got)
	}
}

func TestFindNearestEdgeBeyondMaxDistance(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar, MaxDistanceM: 500})

	// 50 km from any edge.
	_, err := m.FindNearestEdge(geo.Point{X: 50000, Y: 0})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindNearestEdgeAtExactCutoff(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar, MaxDistanceM: 500})

	got, err := m.FindNearestEdge(geo.Point{X: 300, Y: 500})
	if err != nil {
		t.Fatalf("distance exactly at cutoff should match: %v", err)
	}
	if got != "D" {
		t.Errorf("nearest edge %s, want D", got)
	}
}

func TestMapRoute(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	mapping, err := m.MapRoute(context.Background(), ProbeRoute{
		ID:     "r1",
		Origin: geo.Point{X: 10, Y: 5},
		Dest:   geo.Point{X: 290, Y: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.OriginEdge != "A" || mapping.DestEdge != "D" {
		t.Errorf("endpoints %s -> %s, want A -> D", mapping.OriginEdge, mapping.DestEdge)
	}
	if diff := cmp.Diff([]engine.EdgeID{"A", "B", "C", "D"}, mapping.Edges); diff != "" {
		t.Errorf("unexpected edge path (-want +got):\n%s", diff)
	}
	if mapping.LengthM != 400 {
		t.Errorf("path length %.0fm, want 400", mapping.LengthM)
	}
	if _, ok := m.Mapping("r1"); !ok {
		t.Error("mapping not cached under route id")
	}
}

func TestMapRouteEndpointUnreachable(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	_, err := m.MapRoute(context.Background(), ProbeRoute{
		ID:     "r1",
		Origin: geo.Point{X: 99999, Y: 0},
		Dest:   geo.Point{X: 290, Y: 5},
	})
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Errorf("expected ErrEndpointUnreachable, got %v", err)
	}
	if oracle.calls != 0 {
		t.Error("oracle must not be consulted when an endpoint is unreachable")
	}
}

func TestMapRouteNoPath(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	// D -> A has no entry in the oracle.
	_, err := m.MapRoute(context.Background(), ProbeRoute{
		ID:     "r1",
		Origin: geo.Point{X: 290, Y: 5},
		Dest:   geo.Point{X: 10, Y: 5},
	})
	if !errors.Is(err, ErrNoPath) {
		t.Errorf("expected ErrNoPath, got %v", err)
	}
	if _, ok := m.Mapping("r1"); ok {
		t.Error("failed route must not be cached")
	}
}

func TestMapAllSkipsFailures(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	routes := []ProbeRoute{
		{ID: "good", Origin: geo.Point{X: 10, Y: 5}, Dest: geo.Point{X: 290, Y: 5}},
		{ID: "bad", Origin: geo.Point{X: 99999, Y: 0}, Dest: geo.Point{X: 290, Y: 5}},
	}
	if mapped := m.MapAll(context.Background(), routes); mapped != 1 {
		t.Errorf("mapped %d routes, want 1", mapped)
	}
	if ids := m.MappedRouteIDs(); len(ids) != 1 || ids[0] != "good" {
		t.Errorf("mapped ids %v, want [good]", ids)
	}
}

func TestRemapKeepsOldTableOnTotalFailure(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	good := ProbeRoute{ID: "r1", Origin: geo.Point{X: 10, Y: 5}, Dest: geo.Point{X: 290, Y: 5}}
	if _, err := m.MapRoute(context.Background(), good); err != nil {
		t.Fatalf("setup mapping failed: %v", err)
	}

	bad := ProbeRoute{ID: "r2", Origin: geo.Point{X: 99999, Y: 0}, Dest: geo.Point{X: 99999, Y: 9}}
	if mapped := m.Remap(context.Background(), []ProbeRoute{bad}); mapped != 0 {
		t.Fatalf("remap of unmappable route reported %d mapped", mapped)
	}
	if _, ok := m.Mapping("r1"); !ok {
		t.Error("previous table should survive a total remap failure")
	}
}

func TestEntityMatchesRouteThresholdBoundary(t *testing.T) {
	eng, oracle := corridorFixture()
	m := NewMatcher(eng, oracle, Config{CRS: geo.Planar})

	if _, err := m.MapRoute(context.Background(), ProbeRoute{
		ID:     "r1",
		Origin: geo.Point{X: 10, Y: 5},
		Dest:   geo.Point{X: 290, Y: 5},
	}); err != nil {
		t.Fatalf("setup mapping failed: %v", err)
	}

	// Route edges {A,B,C,D}, entity edges {A,B,C,X}: overlap 0.75.
	entity := []engine.EdgeID{"A", "B", "C", "X"}
	if !m.EntityMatchesRoute(entity, "r1", 0.75) {
		t.Error("overlap 0.75 at threshold 0.75 must match (inclusive boundary)")
	}
	if m.EntityMatchesRoute(entity, "r1", 0.76) {
		t.Error("overlap 0.75 at threshold 0.76 must not match")
	}
	if m.EntityMatchesRoute(entity, "unknown", 0.1) {
		t.Error("unmapped route must never match")
	}
}

func TestOverlapRatio(t *testing.T) {
	route := map[engine.EdgeID]struct{}{"A": {}, "B": {}}
	if r := OverlapRatio(map[engine.EdgeID]struct{}{"A": {}}, route); r != 0.5 {
		t.Errorf("overlap %f, want 0.5", r)
	}
	if r := OverlapRatio(map[engine.EdgeID]struct{}{"A": {}}, nil); r != 0 {
		t.Errorf("overlap against empty route %f, want 0", r)
	}
}
