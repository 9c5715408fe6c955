// Package sim provides an in-process synthetic simulation engine. It stands
// in for a real microscopic simulator in the demo driver and in tests: a
// corridor of edges, entities spawning and completing trips along it, and a
// crude monotone speed response to the behavioural parameter set.
package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/geo"
	"github.com/twinflow/twinflow/internal/units"
)

const metersPerDegreeLat = 111320.0

type edge struct {
	id           engine.EdgeID
	pos          geo.Point
	baseSpeedMps float64
	next         []engine.EdgeID
}

type entity struct {
	id        engine.EntityID
	path      []engine.EdgeID
	spawnTick int64
	despawnAt int64
}

// Corridor is a synthetic engine over a single chain of edges. It implements
// engine.Engine and engine.RoutingOracle.
type Corridor struct {
	edges    map[engine.EdgeID]*edge
	order    []engine.EdgeID
	spacingM float64

	entities   map[engine.EntityID]*entity
	nextSerial int
	tick       int64

	spawnEvery int64
	tripTicks  int64

	params engine.ParameterSet

	// Unreachable makes every engine query fail, for degraded-mode tests.
	Unreachable bool
}

// NewCorridor builds a chain of n edges spaced spacingM metres apart running
// east from a fixed origin, with the given free-flow speed. Entities spawn
// every spawnEvery ticks and complete their trip after tripTicks.
func NewCorridor(n int, spacingM, baseSpeedKmh float64, spawnEvery, tripTicks int64) *Corridor {
	c := &Corridor{
		edges:      make(map[engine.EdgeID]*edge, n),
		order:      make([]engine.EdgeID, 0, n),
		spacingM:   spacingM,
		entities:   make(map[engine.EntityID]*entity),
		spawnEvery: spawnEvery,
		tripTicks:  tripTicks,
		params: engine.ParameterSet{
			"tau": 1.0, "accel": 2.6, "decel": 4.5, "sigma": 0.5, "speedFactor": 1.0,
		},
	}

	// Origin roughly central Cairo; the corridor runs east.
	const lat0, lon0 = 30.0444, 31.2357
	dLon := spacingM / (metersPerDegreeLat * math.Cos(lat0*math.Pi/180))
	for i := 0; i < n; i++ {
		id := engine.EdgeID(fmt.Sprintf("e%03d", i))
		e := &edge{
			id:           id,
			pos:          geo.Point{X: lon0 + float64(i)*dLon, Y: lat0},
			baseSpeedMps: units.KmhToMps(baseSpeedKmh),
		}
		if i > 0 {
			c.edges[c.order[i-1]].next = append(c.edges[c.order[i-1]].next, id)
		}
		c.edges[id] = e
		c.order = append(c.order, id)
	}
	return c
}

// EdgeIDs returns the corridor's edges in order.
func (c *Corridor) EdgeIDs() []engine.EdgeID {
	out := make([]engine.EdgeID, len(c.order))
	copy(out, c.order)
	return out
}

// Step advances the synthetic simulation by one tick: entities spawn on the
// corridor cadence and despawn once their trip duration elapses.
func (c *Corridor) Step() {
	c.tick++
	if c.spawnEvery > 0 && c.tick%c.spawnEvery == 0 {
		c.nextSerial++
		id := engine.EntityID(fmt.Sprintf("veh%04d", c.nextSerial))
		c.entities[id] = &entity{
			id:        id,
			path:      c.EdgeIDs(),
			spawnTick: c.tick,
			despawnAt: c.tick + c.tripTicks,
		}
	}
	for id, e := range c.entities {
		if c.tick >= e.despawnAt {
			delete(c.entities, id)
		}
	}
}

// speedResponse is the corridor's crude monotone response to the parameter
// set: speedFactor scales directly, tau and sigma slow the corridor down,
// accel speeds it up and decel slows it, all around the neutral defaults.
func (c *Corridor) speedResponse(base float64) float64 {
	p := c.params
	factor := p["speedFactor"] *
		(1 - 0.20*(p["tau"]-1.0)) *
		(1 - 0.25*(p["sigma"]-0.5)) *
		(1 + 0.02*(p["accel"]-2.6)) *
		(1 - 0.01*(p["decel"]-4.5))
	if factor < 0.05 {
		factor = 0.05
	}
	return base * factor
}

func (c *Corridor) check() error {
	if c.Unreachable {
		return fmt.Errorf("synthetic corridor offline: %w", engine.ErrUnreachable)
	}
	return nil
}

// ListEdgeIDs implements engine.Engine.
func (c *Corridor) ListEdgeIDs() ([]engine.EdgeID, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.EdgeIDs(), nil
}

// EdgeMeanSpeed implements engine.Engine.
func (c *Corridor) EdgeMeanSpeed(id engine.EdgeID) (float64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	e, ok := c.edges[id]
	if !ok {
		return 0, engine.ErrNotFound
	}
	return c.speedResponse(e.baseSpeedMps), nil
}

// EdgeOccupancy implements engine.Engine.
func (c *Corridor) EdgeOccupancy(id engine.EdgeID) (float64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	n, err := c.EdgeVehicleCount(id)
	if err != nil {
		return 0, err
	}
	occ := float64(n) * 0.05
	if occ > 1 {
		occ = 1
	}
	return occ, nil
}

// EdgeVehicleCount implements engine.Engine. Each entity occupies one edge,
// progressing along the corridor proportionally to its trip time.
func (c *Corridor) EdgeVehicleCount(id engine.EdgeID) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	idx := -1
	for i, eid := range c.order {
		if eid == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, engine.ErrNotFound
	}
	var n int
	for _, e := range c.entities {
		if c.entityEdgeIndex(e) == idx {
			n++
		}
	}
	return n, nil
}

func (c *Corridor) entityEdgeIndex(e *entity) int {
	if c.tripTicks <= 0 {
		return 0
	}
	progress := float64(c.tick-e.spawnTick) / float64(c.tripTicks)
	idx := int(progress * float64(len(c.order)))
	if idx >= len(c.order) {
		idx = len(c.order) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// EdgeReferencePoint implements engine.Engine.
func (c *Corridor) EdgeReferencePoint(id engine.EdgeID) (geo.Point, error) {
	if err := c.check(); err != nil {
		return geo.Point{}, err
	}
	e, ok := c.edges[id]
	if !ok {
		return geo.Point{}, engine.ErrNotFound
	}
	return e.pos, nil
}

// ListActiveEntityIDs implements engine.Engine.
func (c *Corridor) ListActiveEntityIDs() ([]engine.EntityID, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	out := make([]engine.EntityID, 0, len(c.entities))
	for id := range c.entities {
		out = append(out, id)
	}
	return out, nil
}

// EntityCurrentEdges implements engine.Engine, returning the entity's
// planned edge path.
func (c *Corridor) EntityCurrentEdges(id engine.EntityID) ([]engine.EdgeID, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	e, ok := c.entities[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	out := make([]engine.EdgeID, len(e.path))
	copy(out, e.path)
	return out, nil
}

// ApplyParameters implements engine.Engine. Unknown entities fail softly;
// applied parameters shift the whole corridor's speed response.
func (c *Corridor) ApplyParameters(id engine.EntityID, params engine.ParameterSet) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.entities[id]; !ok {
		return engine.ErrNotFound
	}
	c.params = params.Clone()
	return nil
}

// Params returns the last applied parameter set.
func (c *Corridor) Params() engine.ParameterSet {
	return c.params.Clone()
}

// ShortestPath implements engine.RoutingOracle with a breadth-first search
// over the corridor adjacency.
func (c *Corridor) ShortestPath(ctx context.Context, origin, dest engine.EdgeID) ([]engine.EdgeID, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if err := c.check(); err != nil {
		return nil, 0, err
	}
	if _, ok := c.edges[origin]; !ok {
		return nil, 0, engine.ErrNoPath
	}
	if _, ok := c.edges[dest]; !ok {
		return nil, 0, engine.ErrNoPath
	}

	prev := map[engine.EdgeID]engine.EdgeID{origin: origin}
	queue := []engine.EdgeID{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dest {
			break
		}
		for _, nxt := range c.edges[cur].next {
			if _, seen := prev[nxt]; !seen {
				prev[nxt] = cur
				queue = append(queue, nxt)
			}
		}
	}
	if _, ok := prev[dest]; !ok {
		return nil, 0, engine.ErrNoPath
	}

	var path []engine.EdgeID
	for cur := dest; ; cur = prev[cur] {
		path = append([]engine.EdgeID{cur}, path...)
		if cur == origin {
			break
		}
	}
	return path, float64(len(path)) * c.spacingM, nil
}
