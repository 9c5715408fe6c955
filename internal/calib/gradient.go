package calib

// GradientRule maps the current speed delta (sim minus real, km/h) to a
// per-parameter gradient. It exists as an interface so the heuristic can be
// swapped or unit-tested independently of the control loop.
//
// Sign convention is fixed by the descent update new = old - lr*gradient:
// a positive gradient decreases the parameter.
type GradientRule interface {
	Gradients(speedDeltaKmh float64) map[string]float64
}

// speedHeuristic is the hand-designed direction/scale table. Each entry
// declares which way a parameter moves simulated speed:
//
//	speedFactor  +0.010  higher factor -> faster sim
//	tau          -0.005  larger headway -> slower sim
//	accel        +0.050  higher acceleration -> faster sim
//	decel        -0.030  harder braking -> slower sim
//	sigma        -0.020  more driver imperfection -> slower sim
//
// With a positive delta (sim too fast), parameters that speed the simulation
// up get a positive gradient (and therefore decrease), parameters that slow
// it down get a negative gradient (and therefore increase).
//
// The scales are asserted, not empirically validated; do not adjust the signs
// without new evidence against real calibration outcomes.
var speedHeuristic = map[string]float64{
	ParamSpeedFactor: 0.01,
	ParamTau:         -0.005,
	ParamAccel:       0.05,
	ParamDecel:       -0.03,
	ParamSigma:       -0.02,
}

// SpeedDeltaRule is the default GradientRule, scaling the speed delta by the
// declared table.
type SpeedDeltaRule struct{}

// Gradients returns the per-parameter gradient for the given speed delta.
func (SpeedDeltaRule) Gradients(speedDeltaKmh float64) map[string]float64 {
	out := make(map[string]float64, len(speedHeuristic))
	for name, scale := range speedHeuristic {
		out[name] = speedDeltaKmh * scale
	}
	return out
}
