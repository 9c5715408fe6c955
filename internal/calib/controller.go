package calib

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/monitoring"
)

// State is the lifecycle state of the controller.
type State string

const (
	StateIdle        State = "idle"        // no trigger cycle has completed yet
	StateCalibrating State = "calibrating" // actively updating parameters
	StateStopped     State = "stopped"     // terminal; no further pushes
)

// Status classifies how a run ended in the final report.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusStoppedByUser Status = "stopped_by_user"
	StatusStoppedFatal  Status = "stopped_fatal"
)

// FatalEngineUnreachable is the fatal reason recorded when the engine stayed
// unreachable for the configured number of consecutive trigger cycles.
const FatalEngineUnreachable = "engine unreachable"

// Event is one append-only calibration log entry.
type Event struct {
	Tick     int64               `json:"tick"`
	Params   engine.ParameterSet `json:"params"`
	ErrorPct float64             `json:"error_pct"`
}

// Report is the final calibration report. Improvement fields are nil when
// they are undefined (no error sample was ever recorded, or the initial
// error is zero), never silently zero.
type Report struct {
	RunID          string              `json:"run_id"`
	Status         Status              `json:"status"`
	FatalReason    string              `json:"fatal_reason,omitempty"`
	InitialError   *float64            `json:"initial_error,omitempty"`
	FinalError     *float64            `json:"final_error,omitempty"`
	Improvement    *float64            `json:"improvement,omitempty"`
	ImprovementPct *float64            `json:"improvement_pct,omitempty"`
	NumUpdates     int                 `json:"num_updates"`
	FinalParams    engine.ParameterSet `json:"final_params"`
	ErrorHistory   []float64           `json:"error_history"`
}

// SimSpeedSource supplies the current simulation-side mean speed in km/h.
// Implementations return an error wrapping engine.ErrUnreachable when the
// engine could not be queried, or any other error when there is simply no
// signal yet.
type SimSpeedSource interface {
	SimMeanSpeedKmh() (float64, error)
}

// ReportStore persists the final report. Failures are logged, never
// propagated into the control loop.
type ReportStore interface {
	StoreCalibrationReport(runID string, r Report) error
}

// Config holds the controller tuning knobs. Zero values are replaced by the
// defaults from DefaultConfig at construction time.
type Config struct {
	UpdateInterval         int64   // ticks between trigger evaluations
	LearningRate           float64 // descent step size
	WindowSize             int     // error ring capacity
	Scope                  string  // run/area id for scoped telemetry lookups
	FallbackSpeedKmh       float64 // static default when no samples exist
	SampleLimit            int           // max samples per telemetry lookup
	TelemetryTimeout       time.Duration // bound on each real-world lookup
	EngineFailureThreshold int           // consecutive unreachable cycles before fatal
}

// Deps are the collaborators injected into the controller.
type Deps struct {
	Engine    engine.Engine
	Telemetry engine.TelemetryStore
	SimSpeeds SimSpeedSource
	Params    *Params      // live bounded set; created if nil
	Rule      GradientRule // defaults to SpeedDeltaRule
	Reports   ReportStore  // optional
}

// Controller is the calibration state machine. It is driven exactly once per
// simulation tick by an external loop and performs no internal threading;
// Stop is the only method safe to call from another goroutine.
type Controller struct {
	cfg  Config
	deps Deps

	runID               string
	state               State
	ring                *ErrorRing
	events              []Event
	consecutiveFailures int
	fatalReason         string
	stop                atomic.Bool
	finalized           bool
	lastSimSpeedKmh     float64
	lastRealSpeedKmh    float64
}

// DefaultConfig returns the documented controller defaults.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:         300,
		LearningRate:           0.1,
		WindowSize:             10,
		FallbackSpeedKmh:       36.9,
		SampleLimit:            10,
		TelemetryTimeout:       2 * time.Second,
		EngineFailureThreshold: 3,
	}
}

// NewController builds a controller in the Idle state.
func NewController(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.UpdateInterval < 1 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.FallbackSpeedKmh <= 0 {
		cfg.FallbackSpeedKmh = def.FallbackSpeedKmh
	}
	if cfg.SampleLimit < 1 {
		cfg.SampleLimit = def.SampleLimit
	}
	if cfg.TelemetryTimeout <= 0 {
		cfg.TelemetryTimeout = def.TelemetryTimeout
	}
	if cfg.EngineFailureThreshold < 1 {
		cfg.EngineFailureThreshold = def.EngineFailureThreshold
	}
	if deps.Params == nil {
		deps.Params = NewParams(nil, nil)
	}
	if deps.Rule == nil {
		deps.Rule = SpeedDeltaRule{}
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		runID: uuid.NewString(),
		state: StateIdle,
		ring:  NewErrorRing(cfg.WindowSize),
	}
}

// RunID returns the identifier attached to this calibration run.
func (c *Controller) RunID() string { return c.runID }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Params returns the live bounded parameter set.
func (c *Controller) Params() *Params { return c.deps.Params }

// Events returns the append-only calibration event log.
func (c *Controller) Events() []Event {
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Stop requests a cooperative stop. The flag is checked once per trigger
// tick; an in-flight parameter push is never interrupted.
func (c *Controller) Stop() { c.stop.Store(true) }

// Step runs one controller tick. It is a no-op except on trigger ticks
// (tick % UpdateInterval == 0). Returns true when parameters were updated.
func (c *Controller) Step(ctx context.Context, tick int64) bool {
	if c.state == StateStopped {
		return false
	}
	if tick%c.cfg.UpdateInterval != 0 {
		return false
	}
	if c.stop.Load() {
		c.state = StateStopped
		monitoring.Logf("calib: stop requested, halting at tick %d", tick)
		return false
	}

	simSpeed, err := c.deps.SimSpeeds.SimMeanSpeedKmh()
	if err != nil {
		if errors.Is(err, engine.ErrUnreachable) {
			c.engineFailure(tick, err)
		} else {
			monitoring.Logf("calib: no simulation signal at tick %d: %v", tick, err)
		}
		return false
	}

	realSpeed := c.realSpeedKmh(ctx)
	if realSpeed <= 0 {
		realSpeed = c.cfg.FallbackSpeedKmh
	}
	c.lastSimSpeedKmh = simSpeed
	c.lastRealSpeedKmh = realSpeed

	errorPct := math.Abs(simSpeed-realSpeed) / realSpeed * 100
	c.ring.Append(errorPct)

	gradients := c.deps.Rule.Gradients(simSpeed - realSpeed)
	newParams := c.deps.Params.ApplyGradients(gradients, c.cfg.LearningRate)

	// The live set is updated at this point, so the run is calibrating even
	// if the push below fails.
	if c.state == StateIdle {
		c.state = StateCalibrating
	}

	if ok := c.pushParameters(tick, newParams); !ok {
		// The event is still recorded; the entities pick the new set up on
		// the next successful trigger.
		c.events = append(c.events, Event{Tick: tick, Params: newParams, ErrorPct: errorPct})
		return true
	}
	c.consecutiveFailures = 0

	c.events = append(c.events, Event{Tick: tick, Params: newParams, ErrorPct: errorPct})
	monitoring.Logf("calib: tick %d sim=%.1f real=%.1f error=%.2f%%",
		tick, simSpeed, realSpeed, errorPct)
	return true
}

// engineFailure records a degraded cycle and escalates to a fatal stop after
// the configured run of consecutive failures.
func (c *Controller) engineFailure(tick int64, err error) {
	c.consecutiveFailures++
	monitoring.Logf("calib: degraded cycle at tick %d (%d consecutive): %v",
		tick, c.consecutiveFailures, err)
	if c.consecutiveFailures >= c.cfg.EngineFailureThreshold {
		c.fatalReason = FatalEngineUnreachable
		c.state = StateStopped
		monitoring.Logf("calib: engine unreachable for %d cycles, stopping", c.consecutiveFailures)
	}
}

// realSpeedKmh resolves the real-world reference speed via the fixed priority
// chain: freshest samples for the configured scope, freshest samples from any
// scope, then the static fallback. Each lookup carries a bounded timeout and
// falls through on failure.
func (c *Controller) realSpeedKmh(ctx context.Context) float64 {
	if c.cfg.Scope != "" {
		if v, ok := c.meanRecentSpeed(ctx, c.cfg.Scope); ok {
			return v
		}
	}
	if v, ok := c.meanRecentSpeed(ctx, ""); ok {
		return v
	}
	monitoring.Logf("calib: no real-world samples, using fallback %.1f km/h", c.cfg.FallbackSpeedKmh)
	return c.cfg.FallbackSpeedKmh
}

func (c *Controller) meanRecentSpeed(ctx context.Context, scope string) (float64, bool) {
	if c.deps.Telemetry == nil {
		return 0, false
	}
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TelemetryTimeout)
	defer cancel()

	samples, err := c.deps.Telemetry.RecentSamples(tctx, scope, c.cfg.SampleLimit)
	if err != nil {
		monitoring.Logf("calib: telemetry lookup failed (scope %q): %v", scope, err)
		return 0, false
	}
	var sum float64
	var n int
	for _, s := range samples {
		if s.SpeedKmh > 0 {
			sum += s.SpeedKmh
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// pushParameters applies the new set to every entity currently active in the
// engine. Entities that vanish between enumeration and apply are skipped;
// entities not present at push time pick the set up on the next trigger.
// Returns false when the engine could not even be enumerated.
func (c *Controller) pushParameters(tick int64, params engine.ParameterSet) bool {
	ids, err := c.deps.Engine.ListActiveEntityIDs()
	if err != nil {
		c.engineFailure(tick, err)
		return false
	}
	var skipped int
	for _, id := range ids {
		if err := c.deps.Engine.ApplyParameters(id, params); err != nil {
			skipped++
		}
	}
	if skipped > 0 {
		monitoring.Logf("calib: applied params to %d entities (%d vanished mid-update)",
			len(ids)-skipped, skipped)
	}
	return true
}

// Finalize transitions the controller to Stopped and returns the final
// report. It is idempotent; the first call persists the report through the
// ReportStore collaborator (failures logged only).
func (c *Controller) Finalize() Report {
	alreadyFinal := c.finalized
	c.finalized = true
	c.state = StateStopped

	r := Report{
		RunID:        c.runID,
		Status:       StatusCompleted,
		NumUpdates:   len(c.events),
		FinalParams:  c.deps.Params.Snapshot(),
		ErrorHistory: c.ring.Values(),
	}
	if c.fatalReason != "" {
		r.Status = StatusStoppedFatal
		r.FatalReason = c.fatalReason
	} else if c.stop.Load() {
		r.Status = StatusStoppedByUser
	}

	if first, ok := c.ring.First(); ok {
		last, _ := c.ring.Last()
		r.InitialError = &first
		r.FinalError = &last
		improvement := first - last
		r.Improvement = &improvement
		if first != 0 {
			pct := improvement / first * 100
			r.ImprovementPct = &pct
		}
	}

	if c.deps.Reports != nil && !alreadyFinal {
		if err := c.deps.Reports.StoreCalibrationReport(c.runID, r); err != nil {
			monitoring.Logf("calib: failed to persist final report: %v", err)
		}
	}
	return r
}
