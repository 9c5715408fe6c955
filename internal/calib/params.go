// Package calib implements the online calibration loop: a bounded parameter
// set, a heuristic gradient rule, and the controller state machine that nudges
// the live simulation toward observed real-world speeds.
package calib

import (
	"sync"

	"github.com/twinflow/twinflow/internal/engine"
)

// Canonical parameter names of the car-following model.
const (
	ParamTau         = "tau"
	ParamAccel       = "accel"
	ParamDecel       = "decel"
	ParamSigma       = "sigma"
	ParamSpeedFactor = "speedFactor"
)

// Bounds is the closed interval a parameter value is clipped into.
type Bounds struct {
	Min float64
	Max float64
}

// Clip returns v clipped into the bounds.
func (b Bounds) Clip(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// DefaultBounds returns the operating range per parameter. The ranges are
// deliberately wide on speedFactor to allow heavily congested networks.
func DefaultBounds() map[string]Bounds {
	return map[string]Bounds{
		ParamTau:         {0.5, 1.5},
		ParamAccel:       {1.5, 4.5},
		ParamDecel:       {3.5, 6.0},
		ParamSigma:       {0.2, 0.9},
		ParamSpeedFactor: {0.5, 1.3},
	}
}

// DefaultParameters returns the initial parameter set used when the embedding
// application does not provide one.
func DefaultParameters() engine.ParameterSet {
	return engine.ParameterSet{
		ParamTau:         1.0,
		ParamAccel:       2.6,
		ParamDecel:       4.5,
		ParamSigma:       0.5,
		ParamSpeedFactor: 1.0,
	}
}

// Params is the live bounded parameter set. Every write clips to bounds, so
// an out-of-range value is never observable. Updates replace the whole value
// map under the lock, so a concurrent reader sees either the previous set or
// the new one, never a mix.
type Params struct {
	mu     sync.RWMutex
	values engine.ParameterSet
	bounds map[string]Bounds
}

// NewParams builds a bounded set from initial values. Values for names
// without a declared bound are carried unclipped; values with bounds are
// clipped immediately.
func NewParams(initial engine.ParameterSet, bounds map[string]Bounds) *Params {
	if initial == nil {
		initial = DefaultParameters()
	}
	if bounds == nil {
		bounds = DefaultBounds()
	}
	values := make(engine.ParameterSet, len(initial))
	for name, v := range initial {
		if b, ok := bounds[name]; ok {
			v = b.Clip(v)
		}
		values[name] = v
	}
	return &Params{values: values, bounds: bounds}
}

// Snapshot returns a copy of the current values.
func (p *Params) Snapshot() engine.ParameterSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values.Clone()
}

// Get returns the current value of one parameter.
func (p *Params) Get(name string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// Set writes one parameter, clipping to its bounds.
func (p *Params) Set(name string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bounds[name]; ok {
		v = b.Clip(v)
	}
	next := p.values.Clone()
	next[name] = v
	p.values = next
}

// ApplyGradients performs one gradient-descent step
// (new = clip(old - learningRate*gradient, min, max)) across the whole set
// and swaps it in atomically. Parameters without a gradient keep their value.
// Returns a snapshot of the new set.
func (p *Params) ApplyGradients(gradients map[string]float64, learningRate float64) engine.ParameterSet {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(engine.ParameterSet, len(p.values))
	for name, old := range p.values {
		v := old - learningRate*gradients[name]
		if b, ok := p.bounds[name]; ok {
			v = b.Clip(v)
		}
		next[name] = v
	}
	p.values = next
	return next.Clone()
}
