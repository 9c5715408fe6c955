// Package report renders calibration run artefacts: an HTML error-history
// chart and a plain-text validation summary.
package report

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/twinflow/twinflow/internal/calib"
)

// RenderErrorHistory writes an HTML line chart of the run's error history to
// path. Returns an error when the report holds no samples.
func RenderErrorHistory(r calib.Report, path string) error {
	if len(r.ErrorHistory) == 0 {
		return fmt.Errorf("report %s has no error history", r.RunID)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Calibration error history",
			Subtitle: fmt.Sprintf("run %s (%s)", r.RunID, r.Status),
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "speed error (%)"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "update"}),
	)

	xs := make([]string, len(r.ErrorHistory))
	ys := make([]opts.LineData, len(r.ErrorHistory))
	for i, v := range r.ErrorHistory {
		xs[i] = fmt.Sprintf("%d", i+1)
		ys[i] = opts.LineData{Value: v}
	}
	line.SetXAxis(xs).AddSeries("error_pct", ys)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chart file: %w", err)
	}
	defer f.Close()

	if err := line.Render(f); err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}
	return nil
}
