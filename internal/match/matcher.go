// Package match resolves real-world probe routes onto the simulation graph
// and tests whether live entities travel along them.
package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/geo"
	"github.com/twinflow/twinflow/internal/monitoring"
)

// Route mapping failures. Both are logged and exclude the route from
// tracking; neither is fatal to the run.
var (
	// ErrEndpointUnreachable means no graph edge lies within the matcher's
	// max distance of the route origin or destination.
	ErrEndpointUnreachable = errors.New("match: endpoint unreachable")

	// ErrNoPath means both endpoints resolved but the routing oracle found
	// no edge path between them.
	ErrNoPath = errors.New("match: no path between endpoints")
)

// ProbeRoute is a monitored real-world origin→destination pair. Routes are
// created externally before a run; the matcher resolves their edge paths once
// at run start.
type ProbeRoute struct {
	ID     string
	Name   string
	Origin geo.Point
	Dest   geo.Point
}

// RouteMapping is a resolved edge path for a probe route. Immutable for the
// run once created.
type RouteMapping struct {
	RouteID    string
	OriginEdge engine.EdgeID
	DestEdge   engine.EdgeID
	Edges      []engine.EdgeID
	LengthM    float64

	edgeSet map[engine.EdgeID]struct{}
}

// EdgeSet returns the mapping's edges as a set.
func (m *RouteMapping) EdgeSet() map[engine.EdgeID]struct{} {
	return m.edgeSet
}

// Config holds matcher tuning knobs.
type Config struct {
	CRS            geo.CRS       // coordinate system of the graph; picks the distance metric
	MaxDistanceM   float64       // nearest-edge cutoff (default 500)
	RoutingTimeout time.Duration // bound on each oracle call (default 5s)
}

// Matcher owns the route→edge-path table for a run. The table is replaced
// wholesale on remap, never mutated in place, so a concurrent reader sees
// either the old mappings or the new ones.
type Matcher struct {
	eng    engine.Engine
	oracle engine.RoutingOracle
	cfg    Config

	mappings map[string]*RouteMapping
	edgePos  map[engine.EdgeID]geo.Point // reference-position cache
}

// NewMatcher builds a matcher over the given engine and routing oracle.
func NewMatcher(eng engine.Engine, oracle engine.RoutingOracle, cfg Config) *Matcher {
	if cfg.MaxDistanceM <= 0 {
		cfg.MaxDistanceM = 500
	}
	if cfg.RoutingTimeout <= 0 {
		cfg.RoutingTimeout = 5 * time.Second
	}
	return &Matcher{
		eng:      eng,
		oracle:   oracle,
		cfg:      cfg,
		mappings: make(map[string]*RouteMapping),
		edgePos:  make(map[engine.EdgeID]geo.Point),
	}
}

// FindNearestEdge scans edge reference positions for the minimum ground
// distance to p and returns that edge if it lies within MaxDistanceM, or
// engine.ErrNotFound otherwise. The distance metric follows the configured
// coordinate system.
func (m *Matcher) FindNearestEdge(p geo.Point) (engine.EdgeID, error) {
	ids, err := m.eng.ListEdgeIDs()
	if err != nil {
		return "", fmt.Errorf("listing edges: %w", err)
	}

	var best engine.EdgeID
	bestDist := math.Inf(1)
	for _, id := range ids {
		pos, ok := m.referencePoint(id)
		if !ok {
			continue
		}
		d := geo.Distance(m.cfg.CRS, p, pos)
		if d < bestDist {
			bestDist = d
			best = id
		}
	}
	if best == "" || bestDist > m.cfg.MaxDistanceM {
		return "", engine.ErrNotFound
	}
	return best, nil
}

func (m *Matcher) referencePoint(id engine.EdgeID) (geo.Point, bool) {
	if pos, ok := m.edgePos[id]; ok {
		return pos, true
	}
	pos, err := m.eng.EdgeReferencePoint(id)
	if err != nil {
		return geo.Point{}, false
	}
	m.edgePos[id] = pos
	return pos, true
}

// MapRoute resolves a probe route's endpoints to edges and asks the routing
// oracle for the shortest edge path. On success the mapping is cached keyed
// by route id. Returns ErrEndpointUnreachable or ErrNoPath on failure.
func (m *Matcher) MapRoute(ctx context.Context, route ProbeRoute) (*RouteMapping, error) {
	originEdge, err := m.FindNearestEdge(route.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin of route %s", ErrEndpointUnreachable, route.ID)
	}
	destEdge, err := m.FindNearestEdge(route.Dest)
	if err != nil {
		return nil, fmt.Errorf("%w: destination of route %s", ErrEndpointUnreachable, route.ID)
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RoutingTimeout)
	defer cancel()
	edges, length, err := m.oracle.ShortestPath(rctx, originEdge, destEdge)
	if err != nil || len(edges) == 0 {
		return nil, fmt.Errorf("%w: route %s (%s -> %s)", ErrNoPath, route.ID, originEdge, destEdge)
	}

	mapping := &RouteMapping{
		RouteID:    route.ID,
		OriginEdge: originEdge,
		DestEdge:   destEdge,
		Edges:      edges,
		LengthM:    length,
		edgeSet:    edgeSet(edges),
	}
	m.mappings[route.ID] = mapping
	monitoring.Logf("match: mapped route %s: %d edges, %.0fm", route.ID, len(edges), length)
	return mapping, nil
}

// MapAll maps every probe route, logging and skipping failures. Returns the
// number successfully mapped.
func (m *Matcher) MapAll(ctx context.Context, routes []ProbeRoute) int {
	var mapped int
	for _, r := range routes {
		if _, err := m.MapRoute(ctx, r); err != nil {
			monitoring.Logf("match: route %s excluded: %v", r.ID, err)
			continue
		}
		mapped++
	}
	monitoring.Logf("match: mapped %d/%d probe routes", mapped, len(routes))
	return mapped
}

// Remap rebuilds the whole mapping table from scratch and swaps it in as a
// unit. Partial failures leave the affected routes out of the new table.
func (m *Matcher) Remap(ctx context.Context, routes []ProbeRoute) int {
	next := make(map[string]*RouteMapping, len(routes))
	old := m.mappings
	m.mappings = next
	mapped := m.MapAll(ctx, routes)
	if mapped == 0 && len(routes) > 0 {
		monitoring.Logf("match: remap produced no mappings, keeping %d previous", len(old))
		m.mappings = old
		return 0
	}
	return mapped
}

// Mapping returns the cached mapping for a route id.
func (m *Matcher) Mapping(routeID string) (*RouteMapping, bool) {
	mm, ok := m.mappings[routeID]
	return mm, ok
}

// MappedRouteIDs returns the ids of all successfully mapped routes.
func (m *Matcher) MappedRouteIDs() []string {
	ids := make([]string, 0, len(m.mappings))
	for id := range m.mappings {
		ids = append(ids, id)
	}
	return ids
}

// EntityMatchesRoute reports whether an entity's edge set overlaps the
// mapped route's edge set at or above the threshold. The boundary is
// inclusive: overlap_ratio == threshold is a match.
func (m *Matcher) EntityMatchesRoute(entityEdges []engine.EdgeID, routeID string, threshold float64) bool {
	mapping, ok := m.mappings[routeID]
	if !ok || len(mapping.Edges) == 0 {
		return false
	}
	return OverlapRatio(edgeSet(entityEdges), mapping.edgeSet) >= threshold
}

// OverlapRatio returns |entity ∩ route| / |route|, or 0 for an empty route set.
func OverlapRatio(entity, route map[engine.EdgeID]struct{}) float64 {
	if len(route) == 0 {
		return 0
	}
	var overlap int
	for id := range route {
		if _, ok := entity[id]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(route))
}

func edgeSet(edges []engine.EdgeID) map[engine.EdgeID]struct{} {
	s := make(map[engine.EdgeID]struct{}, len(edges))
	for _, e := range edges {
		s[e] = struct{}{}
	}
	return s
}
