// Package metrics aggregates per-tick simulation edge state and ingested
// real-world samples into comparable summary statistics and error metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/monitoring"
	"github.com/twinflow/twinflow/internal/units"
)

// ErrDataUnavailable means one side of a comparison has zero samples.
// Downstream consumers must treat it as "no signal", not as zero error.
var ErrDataUnavailable = errors.New("metrics: data unavailable")

// Congestion bucket thresholds in km/h. Free-flow is strictly above the
// upper threshold, congested is at or below the lower one.
const (
	FreeFlowThresholdKmh  = 40.0
	CongestedThresholdKmh = 20.0
)

// CongestionShares is the three-bucket congestion histogram, as percentages
// of the classified population.
type CongestionShares struct {
	FreeFlowPct  float64 `json:"free_flow_pct"`
	ModeratePct  float64 `json:"moderate_pct"`
	CongestedPct float64 `json:"congested_pct"`
}

// SimSummary is the aggregation of one edge-state sweep.
type SimSummary struct {
	Tick             int64
	EdgeCount        int
	MeanSpeedKmh     float64
	MedianSpeedKmh   float64
	MeanOccupancy    float64
	MeanVehicleCount float64
	TotalVehicles    int
	Buckets          CongestionShares
}

// RealSummary is the aggregation of the freshest real-world samples for a scope.
type RealSummary struct {
	MeanSpeedKmh   float64
	MedianSpeedKmh float64
	SampleCount    int
	Buckets        CongestionShares
}

// AreaComparison compares simulation-side and real-world aggregates.
// SpeedErrorPct is nil (reported as N/A) when the real mean speed is zero.
type AreaComparison struct {
	SpeedErrorKmh        float64  `json:"speed_error_kmh"`
	SpeedErrorPct        *float64 `json:"speed_error_pct,omitempty"`
	CongestionSimilarity float64  `json:"congestion_similarity"`
}

// RouteComparison compares travel times for one probe route.
type RouteComparison struct {
	RouteID         string  `json:"route_id"`
	RealTravelTime  float64 `json:"real_travel_time"`
	SimTravelTime   float64 `json:"sim_travel_time"`
	AbsoluteError   float64 `json:"absolute_error"`
	PercentageError float64 `json:"percentage_error"`
	RealSamples     int     `json:"real_samples"`
	SimSamples      int     `json:"sim_samples"`
}

// ValidationMetrics aggregates per-route comparisons across all routes with
// data on both sides.
type ValidationMetrics struct {
	MAE         float64           `json:"mae"`
	RMSE        float64           `json:"rmse"`
	MAPE        float64           `json:"mape"`
	RSquared    float64           `json:"r_squared"`
	NumRoutes   int               `json:"num_routes"`
	Comparisons []RouteComparison `json:"comparisons"`
}

// MetricsStore persists validation metrics. Failures are logged, never
// propagated.
type MetricsStore interface {
	StoreValidationMetrics(runID string, m ValidationMetrics) error
}

// SimTravelTimes supplies simulation-side travel times per route (the
// tracker implements this).
type SimTravelTimes interface {
	AverageTravelTime(routeID string) (float64, bool)
	TripCount(routeID string) int
}

// Config holds aggregator tuning knobs.
type Config struct {
	Scope            string        // active run/area id for real-world lookups
	SampleCadence    int64         // ticks between edge-state sweeps (default 1)
	SampleLimit      int           // max real-world samples per lookup (default 10)
	TelemetryTimeout time.Duration // bound on each lookup (default 2s)
}

// Aggregator owns the running simulation-side statistics. Edge snapshots are
// consumed transiently per sweep and not retained.
type Aggregator struct {
	eng       engine.Engine
	telemetry engine.TelemetryStore
	cfg       Config

	last    SimSummary
	hasLast bool
	lastErr error
}

// NewAggregator builds an aggregator over the given engine and telemetry store.
func NewAggregator(eng engine.Engine, telemetry engine.TelemetryStore, cfg Config) *Aggregator {
	if cfg.SampleCadence < 1 {
		cfg.SampleCadence = 1
	}
	if cfg.SampleLimit < 1 {
		cfg.SampleLimit = 10
	}
	if cfg.TelemetryTimeout <= 0 {
		cfg.TelemetryTimeout = 2 * time.Second
	}
	return &Aggregator{eng: eng, telemetry: telemetry, cfg: cfg}
}

// Step ingests the current edge state when the tick falls on the sampling
// cadence. Engine failures are remembered and surfaced to SimMeanSpeedKmh.
func (a *Aggregator) Step(tick int64) {
	if tick%a.cfg.SampleCadence != 0 {
		return
	}
	summary, err := a.collect(tick)
	if err != nil {
		a.lastErr = err
		monitoring.Logf("metrics: edge sweep failed at tick %d: %v", tick, err)
		return
	}
	a.last = summary
	a.hasLast = true
	a.lastErr = nil
}

func (a *Aggregator) collect(tick int64) (SimSummary, error) {
	snaps, err := a.edgeSnapshots()
	if err != nil {
		return SimSummary{}, err
	}

	speeds := make([]float64, 0, len(snaps))
	occupancies := make([]float64, 0, len(snaps))
	counts := make([]float64, 0, len(snaps))
	total := 0
	for _, sn := range snaps {
		speeds = append(speeds, units.MpsToKmh(sn.MeanSpeedMps))
		occupancies = append(occupancies, sn.Occupancy)
		counts = append(counts, float64(sn.VehicleCount))
		total += sn.VehicleCount
	}

	s := SimSummary{Tick: tick, EdgeCount: len(snaps), TotalVehicles: total}
	if len(speeds) > 0 {
		s.MeanSpeedKmh = stat.Mean(speeds, nil)
		s.MedianSpeedKmh = median(speeds)
		s.MeanOccupancy = stat.Mean(occupancies, nil)
		s.MeanVehicleCount = stat.Mean(counts, nil)
		s.Buckets = ClassifyShares(speeds)
	}
	return s, nil
}

// edgeSnapshots reads the per-edge state of the whole graph for one sweep.
func (a *Aggregator) edgeSnapshots() ([]engine.EdgeSnapshot, error) {
	ids, err := a.eng.ListEdgeIDs()
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}

	snaps := make([]engine.EdgeSnapshot, 0, len(ids))
	for _, id := range ids {
		mps, err := a.eng.EdgeMeanSpeed(id)
		if err != nil {
			return nil, fmt.Errorf("edge %s speed: %w", id, err)
		}
		occ, err := a.eng.EdgeOccupancy(id)
		if err != nil {
			return nil, fmt.Errorf("edge %s occupancy: %w", id, err)
		}
		n, err := a.eng.EdgeVehicleCount(id)
		if err != nil {
			return nil, fmt.Errorf("edge %s vehicle count: %w", id, err)
		}
		snaps = append(snaps, engine.EdgeSnapshot{
			EdgeID:       id,
			MeanSpeedMps: mps,
			Occupancy:    occ,
			VehicleCount: n,
		})
	}
	return snaps, nil
}

// SimSummary returns the most recent edge-state aggregation.
func (a *Aggregator) SimSummary() (SimSummary, error) {
	if a.lastErr != nil {
		return SimSummary{}, a.lastErr
	}
	if !a.hasLast || a.last.EdgeCount == 0 {
		return SimSummary{}, ErrDataUnavailable
	}
	return a.last, nil
}

// SimMeanSpeedKmh returns the current simulation-side mean speed. It is the
// controller's SimSpeedSource.
func (a *Aggregator) SimMeanSpeedKmh() (float64, error) {
	s, err := a.SimSummary()
	if err != nil {
		return 0, err
	}
	return s.MeanSpeedKmh, nil
}

// RealSummary aggregates the freshest real-world samples for the active scope.
func (a *Aggregator) RealSummary(ctx context.Context) (RealSummary, error) {
	tctx, cancel := context.WithTimeout(ctx, a.cfg.TelemetryTimeout)
	defer cancel()

	samples, err := a.telemetry.RecentSamples(tctx, a.cfg.Scope, a.cfg.SampleLimit)
	if err != nil {
		return RealSummary{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	speeds := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.SpeedKmh > 0 {
			speeds = append(speeds, s.SpeedKmh)
		}
	}
	if len(speeds) == 0 {
		return RealSummary{}, ErrDataUnavailable
	}
	return RealSummary{
		MeanSpeedKmh:   stat.Mean(speeds, nil),
		MedianSpeedKmh: median(speeds),
		SampleCount:    len(speeds),
		Buckets:        ClassifyShares(speeds),
	}, nil
}

// CompareArea compares a simulation summary against a real-world summary.
func CompareArea(sim SimSummary, rw RealSummary) (AreaComparison, error) {
	if sim.EdgeCount == 0 || rw.SampleCount == 0 {
		return AreaComparison{}, ErrDataUnavailable
	}
	c := AreaComparison{
		SpeedErrorKmh:        abs(sim.MeanSpeedKmh - rw.MeanSpeedKmh),
		CongestionSimilarity: congestionSimilarity(sim.Buckets, rw.Buckets),
	}
	if rw.MeanSpeedKmh > 0 {
		pct := c.SpeedErrorKmh / rw.MeanSpeedKmh * 100
		c.SpeedErrorPct = &pct
	}
	return c, nil
}

// ValidateRoutes compares per-route travel times between the tracker and the
// real-world store and aggregates MAE, RMSE, MAPE and R-squared across all
// routes with data on both sides.
func (a *Aggregator) ValidateRoutes(ctx context.Context, routeIDs []string, sim SimTravelTimes) (ValidationMetrics, error) {
	var comparisons []RouteComparison
	for _, routeID := range routeIDs {
		simAvg, ok := sim.AverageTravelTime(routeID)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, a.cfg.TelemetryTimeout)
		samples, err := a.telemetry.RecentSamples(tctx, routeID, a.cfg.SampleLimit)
		cancel()
		if err != nil {
			monitoring.Logf("metrics: real data lookup failed for route %s: %v", routeID, err)
			continue
		}
		var sum float64
		var n int
		for _, s := range samples {
			if s.TravelTimeSec > 0 {
				sum += s.TravelTimeSec
				n++
			}
		}
		if n == 0 {
			continue
		}
		realAvg := sum / float64(n)
		comp := RouteComparison{
			RouteID:        routeID,
			RealTravelTime: realAvg,
			SimTravelTime:  simAvg,
			AbsoluteError:  abs(realAvg - simAvg),
			RealSamples:    n,
			SimSamples:     sim.TripCount(routeID),
		}
		comp.PercentageError = comp.AbsoluteError / realAvg * 100
		comparisons = append(comparisons, comp)
	}
	return ComputeValidation(comparisons)
}

// ComputeValidation aggregates route comparisons into overall accuracy
// metrics. R-squared is 1 - SS_res/SS_tot, defined as 0 when SS_tot is zero.
func ComputeValidation(comparisons []RouteComparison) (ValidationMetrics, error) {
	if len(comparisons) == 0 {
		return ValidationMetrics{}, ErrDataUnavailable
	}

	var sumAbs, sumSq, sumPct, sumReal float64
	for _, c := range comparisons {
		diff := c.RealTravelTime - c.SimTravelTime
		sumAbs += abs(diff)
		sumSq += diff * diff
		if c.RealTravelTime > 0 {
			sumPct += abs(diff) / c.RealTravelTime * 100
		}
		sumReal += c.RealTravelTime
	}
	n := float64(len(comparisons))
	meanReal := sumReal / n

	var ssTot float64
	for _, c := range comparisons {
		d := c.RealTravelTime - meanReal
		ssTot += d * d
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - sumSq/ssTot
	}

	return ValidationMetrics{
		MAE:         sumAbs / n,
		RMSE:        math.Sqrt(sumSq / n),
		MAPE:        sumPct / n,
		RSquared:    r2,
		NumRoutes:   len(comparisons),
		Comparisons: comparisons,
	}, nil
}

// ClassifyShares buckets speeds into free-flow (> 40 km/h), moderate
// (20-40 km/h) and congested (<= 20 km/h) percentage shares.
func ClassifyShares(speedsKmh []float64) CongestionShares {
	if len(speedsKmh) == 0 {
		return CongestionShares{}
	}
	var free, moderate, congested int
	for _, v := range speedsKmh {
		switch {
		case v > FreeFlowThresholdKmh:
			free++
		case v > CongestedThresholdKmh:
			moderate++
		default:
			congested++
		}
	}
	n := float64(len(speedsKmh))
	return CongestionShares{
		FreeFlowPct:  float64(free) / n * 100,
		ModeratePct:  float64(moderate) / n * 100,
		CongestedPct: float64(congested) / n * 100,
	}
}

// congestionSimilarity is 100 minus the mean absolute bucket difference.
func congestionSimilarity(sim, rw CongestionShares) float64 {
	return 100 - (abs(sim.FreeFlowPct-rw.FreeFlowPct)+
		abs(sim.ModeratePct-rw.ModeratePct)+
		abs(sim.CongestedPct-rw.CongestedPct))/3
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.LinInterp, sorted, nil)
}

func abs(v float64) float64 {
	return math.Abs(v)
}
