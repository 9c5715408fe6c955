package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinflow/twinflow/internal/calib"
	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/metrics"
	"github.com/twinflow/twinflow/internal/track"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSampleRoundTrip(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, speed := range []float64{20, 30, 40} {
		require.NoError(t, s.InsertSample(engine.RealWorldSample{
			Scope:     "area1",
			SpeedKmh:  speed,
			DistanceM: 1000,
			Source:    "probe",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.InsertSample(engine.RealWorldSample{
		Scope:     "other",
		SpeedKmh:  99,
		Timestamp: base.Add(time.Hour),
	}))

	got, err := s.RecentSamples(context.Background(), "area1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, 40.0, got[0].SpeedKmh)
	assert.Equal(t, 30.0, got[1].SpeedKmh)
	assert.Equal(t, "area1", got[0].Scope)
	assert.Equal(t, "probe", got[0].Source)

	// Empty scope matches everything.
	all, err := s.RecentSamples(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, 99.0, all[0].SpeedKmh)
}

func TestRecentSamplesEmptyScopeNoData(t *testing.T) {
	s := testStore(t)
	got, err := s.RecentSamples(context.Background(), "nowhere", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompletedTripPersistence(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.StoreCompletedTrip(track.CompletedTrip{
		EntityID:      "veh1",
		RouteID:       "r1",
		StartTick:     100,
		EndTick:       160,
		TravelTimeSec: 60,
	}))

	var n int
	require.NoError(t, s.QueryRow(
		`SELECT COUNT(*) FROM completed_trips WHERE route_id = ?`, "r1").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCalibrationReportRoundTrip(t *testing.T) {
	s := testStore(t)
	initial, final := 42.5, 12.5
	improvement, pct := 30.0, 70.588
	in := calib.Report{
		RunID:          "run-1",
		Status:         calib.StatusCompleted,
		InitialError:   &initial,
		FinalError:     &final,
		Improvement:    &improvement,
		ImprovementPct: &pct,
		NumUpdates:     7,
		FinalParams:    engine.ParameterSet{"tau": 1.1, "sigma": 0.4},
		ErrorHistory:   []float64{42.5, 30, 12.5},
	}
	require.NoError(t, s.StoreCalibrationReport(in.RunID, in))

	out, err := s.GetCalibrationReport("run-1")
	require.NoError(t, err)
	assert.Equal(t, in.RunID, out.RunID)
	assert.Equal(t, calib.StatusCompleted, out.Status)
	require.NotNil(t, out.InitialError)
	assert.Equal(t, initial, *out.InitialError)
	require.NotNil(t, out.ImprovementPct)
	assert.Equal(t, pct, *out.ImprovementPct)
	assert.Equal(t, in.FinalParams, out.FinalParams)
	assert.Equal(t, in.ErrorHistory, out.ErrorHistory)
	assert.Equal(t, 7, out.NumUpdates)
}

func TestCalibrationReportNilImprovements(t *testing.T) {
	s := testStore(t)
	in := calib.Report{
		RunID:       "run-2",
		Status:      calib.StatusStoppedByUser,
		FinalParams: engine.ParameterSet{"tau": 1.0},
	}
	require.NoError(t, s.StoreCalibrationReport(in.RunID, in))

	out, err := s.GetCalibrationReport("run-2")
	require.NoError(t, err)
	assert.Nil(t, out.InitialError)
	assert.Nil(t, out.FinalError)
	assert.Nil(t, out.Improvement)
	assert.Nil(t, out.ImprovementPct)
	assert.Equal(t, calib.StatusStoppedByUser, out.Status)
}

func TestCalibrationReportOverwrite(t *testing.T) {
	s := testStore(t)
	first := calib.Report{RunID: "run-3", Status: calib.StatusCompleted, NumUpdates: 1,
		FinalParams: engine.ParameterSet{}, ErrorHistory: []float64{}}
	require.NoError(t, s.StoreCalibrationReport(first.RunID, first))

	second := first
	second.NumUpdates = 5
	require.NoError(t, s.StoreCalibrationReport(second.RunID, second))

	out, err := s.GetCalibrationReport("run-3")
	require.NoError(t, err)
	assert.Equal(t, 5, out.NumUpdates)
}

func TestGetCalibrationReportMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.GetCalibrationReport("absent")
	assert.Error(t, err)
}

func TestValidationMetricsPersistence(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.StoreValidationMetrics("run-1", metrics.ValidationMetrics{
		MAE:       15,
		RMSE:      15.81,
		MAPE:      9.5,
		RSquared:  0.97,
		NumRoutes: 2,
		Comparisons: []metrics.RouteComparison{
			{RouteID: "r1", RealTravelTime: 110, SimTravelTime: 100},
		},
	}))

	var mae float64
	var comparisons string
	require.NoError(t, s.QueryRow(
		`SELECT mae, comparisons FROM validation_metrics WHERE run_id = ?`, "run-1").
		Scan(&mae, &comparisons))
	assert.Equal(t, 15.0, mae)
	assert.Contains(t, comparisons, `"route_id":"r1"`)
}
