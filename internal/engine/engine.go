// Package engine declares the collaborator contracts the calibration core is
// driven against: the live microscopic simulation, the routing oracle, and
// the real-world telemetry store. All of them are owned elsewhere; the core
// only holds interfaces injected at construction time.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/twinflow/twinflow/internal/geo"
)

// EdgeID identifies a directed segment of the simulation road graph.
type EdgeID string

// EntityID identifies a vehicle currently known to the simulation.
type EntityID string

// Sentinel errors for collaborator calls.
var (
	// ErrNotFound is returned when a lookup has no result within its
	// constraints (nearest edge beyond max distance, unknown entity).
	ErrNotFound = errors.New("engine: not found")

	// ErrNoPath is returned by a routing oracle when no edge path connects
	// the requested origin and destination.
	ErrNoPath = errors.New("engine: no path")

	// ErrUnreachable is returned (or wrapped) when the simulation engine
	// cannot be queried at all. The controller treats it as a degraded
	// cycle and escalates after a configurable run of consecutive failures.
	ErrUnreachable = errors.New("engine: unreachable")
)

// EdgeSnapshot is the per-tick state of a single edge as reported by the
// simulation engine. Speeds are in m/s as the engine reports them; consumers
// convert to km/h at the aggregation boundary.
type EdgeSnapshot struct {
	EdgeID       EdgeID
	MeanSpeedMps float64
	Occupancy    float64 // fraction of edge length occupied, 0..1
	VehicleCount int
}

// RealWorldSample is one ingested real-world measurement, scoped either to a
// probe route or to a run area.
type RealWorldSample struct {
	Scope         string // route id or area id
	SpeedKmh      float64
	TravelTimeSec float64
	DistanceM     float64
	Timestamp     time.Time
	Source        string
}

// ParameterSet is an immutable snapshot of behavioural parameters keyed by
// name (tau, accel, decel, sigma, speedFactor). The live bounded set is owned
// by the calibration controller; everything else only ever sees copies.
type ParameterSet map[string]float64

// Clone returns an independent copy of the set.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Engine is the query/command surface of the running simulation. All methods
// are expected to be cheap; a failing engine returns errors wrapping
// ErrUnreachable. ApplyParameters must fail softly for unknown entity ids.
type Engine interface {
	ListEdgeIDs() ([]EdgeID, error)
	EdgeMeanSpeed(id EdgeID) (float64, error) // m/s
	EdgeOccupancy(id EdgeID) (float64, error)
	EdgeVehicleCount(id EdgeID) (int, error)

	// EdgeReferencePoint returns the indexed reference position of an edge
	// (midpoint or shape-derived) in the graph's coordinate system.
	EdgeReferencePoint(id EdgeID) (geo.Point, error)

	ListActiveEntityIDs() ([]EntityID, error)
	EntityCurrentEdges(id EntityID) ([]EdgeID, error)
	ApplyParameters(id EntityID, params ParameterSet) error
}

// RoutingOracle resolves a shortest edge path between two edges of the graph.
// Calls happen only at one-time route setup and must respect ctx deadlines.
type RoutingOracle interface {
	// ShortestPath returns the ordered edge path and its length in metres,
	// or ErrNoPath when the edges are not connected.
	ShortestPath(ctx context.Context, origin, dest EdgeID) ([]EdgeID, float64, error)
}

// TelemetryStore serves recency-ordered real-world samples for a scope.
// An empty scope means "any scope". Implementations must respect ctx
// deadlines; the controller never blocks on this beyond a bounded timeout.
type TelemetryStore interface {
	RecentSamples(ctx context.Context, scope string, limit int) ([]RealWorldSample, error)
}
