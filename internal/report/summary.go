package report

import (
	"fmt"
	"strings"

	"github.com/twinflow/twinflow/internal/calib"
	"github.com/twinflow/twinflow/internal/metrics"
)

// Summary renders the final calibration report as plain text.
func Summary(r calib.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "calibration run %s: %s\n", r.RunID, r.Status)
	if r.FatalReason != "" {
		fmt.Fprintf(&b, "  fatal: %s\n", r.FatalReason)
	}
	if r.InitialError != nil && r.FinalError != nil {
		fmt.Fprintf(&b, "  initial error: %.2f%%\n", *r.InitialError)
		fmt.Fprintf(&b, "  final error:   %.2f%%\n", *r.FinalError)
		if r.ImprovementPct != nil {
			fmt.Fprintf(&b, "  improvement:   %.2f points (%.1f%%)\n", *r.Improvement, *r.ImprovementPct)
		}
	} else {
		fmt.Fprintf(&b, "  improvement: undefined (no error samples recorded)\n")
	}
	fmt.Fprintf(&b, "  updates: %d\n", r.NumUpdates)
	fmt.Fprintf(&b, "  final parameters:\n")
	for _, name := range []string{calib.ParamTau, calib.ParamAccel, calib.ParamDecel, calib.ParamSigma, calib.ParamSpeedFactor} {
		if v, ok := r.FinalParams[name]; ok {
			fmt.Fprintf(&b, "    %-12s %.3f\n", name, v)
		}
	}
	return b.String()
}

// ValidationSummary renders validation metrics with the conventional
// accuracy and correlation bands.
func ValidationSummary(m metrics.ValidationMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation over %d routes\n", m.NumRoutes)
	fmt.Fprintf(&b, "  MAE:  %.2f s\n", m.MAE)
	fmt.Fprintf(&b, "  RMSE: %.2f s\n", m.RMSE)
	fmt.Fprintf(&b, "  MAPE: %.2f%% (%s)\n", m.MAPE, accuracyBand(m.MAPE))
	fmt.Fprintf(&b, "  R²:   %.4f (%s)\n", m.RSquared, correlationBand(m.RSquared))
	for _, c := range m.Comparisons {
		fmt.Fprintf(&b, "  %-24s real %7.1fs  sim %7.1fs  error %5.1f%%\n",
			c.RouteID, c.RealTravelTime, c.SimTravelTime, c.PercentageError)
	}
	return b.String()
}

func accuracyBand(mape float64) string {
	switch {
	case mape < 10:
		return "excellent"
	case mape < 20:
		return "good"
	case mape < 30:
		return "acceptable"
	default:
		return "needs calibration"
	}
}

func correlationBand(r2 float64) string {
	switch {
	case r2 > 0.9:
		return "very strong"
	case r2 > 0.7:
		return "strong"
	case r2 > 0.5:
		return "moderate"
	default:
		return "weak"
	}
}
