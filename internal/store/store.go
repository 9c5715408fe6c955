// Package store is the SQLite-backed persistence collaborator: calibration
// reports, validation metrics, completed trips and ingested real-world
// samples. All writes are fire-and-forget from the core's perspective;
// callers log failures and carry on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/twinflow/twinflow/internal/calib"
	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/metrics"
	"github.com/twinflow/twinflow/internal/track"
)

// Store wraps the SQLite handle. It implements the calibration core's
// ReportStore, MetricsStore, TripStore and engine.TelemetryStore contracts.
type Store struct {
	*sql.DB
}

// New opens (creating if needed) the SQLite database at path and ensures the
// base schema exists. Use MigrateUp for versioned schema changes.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS real_traffic_samples (
			scope             TEXT NOT NULL,
			speed_kmh         DOUBLE,
			travel_time_sec   DOUBLE,
			distance_m        DOUBLE,
			source            TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_samples_scope_ts
			ON real_traffic_samples(scope, timestamp DESC);
		CREATE TABLE IF NOT EXISTS completed_trips (
			entity_id         TEXT NOT NULL,
			route_id          TEXT NOT NULL,
			start_tick        BIGINT,
			end_tick          BIGINT,
			travel_time_sec   DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS calibration_reports (
			run_id            TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			fatal_reason      TEXT,
			initial_error     DOUBLE,
			final_error       DOUBLE,
			improvement       DOUBLE,
			improvement_pct   DOUBLE,
			num_updates       BIGINT,
			final_params      TEXT,
			error_history     TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS validation_metrics (
			run_id            TEXT NOT NULL,
			mae               DOUBLE,
			rmse              DOUBLE,
			mape              DOUBLE,
			r_squared         DOUBLE,
			num_routes        BIGINT,
			comparisons       TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db}, nil
}

// InsertSample records one ingested real-world sample. A zero Timestamp is
// replaced by the current time.
func (s *Store) InsertSample(sample engine.RealWorldSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.Exec(`
		INSERT INTO real_traffic_samples (scope, speed_kmh, travel_time_sec, distance_m, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.Scope, sample.SpeedKmh, sample.TravelTimeSec, sample.DistanceM, sample.Source, ts)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}
	return nil
}

// RecentSamples returns the freshest samples for a scope, newest first.
// An empty scope matches samples from any scope. Implements
// engine.TelemetryStore.
func (s *Store) RecentSamples(ctx context.Context, scope string, limit int) ([]engine.RealWorldSample, error) {
	if limit < 1 {
		limit = 10
	}

	var rows *sql.Rows
	var err error
	if scope == "" {
		rows, err = s.QueryContext(ctx, `
			SELECT scope, speed_kmh, travel_time_sec, distance_m, source, timestamp
			FROM real_traffic_samples
			ORDER BY timestamp DESC
			LIMIT ?`, limit)
	} else {
		rows, err = s.QueryContext(ctx, `
			SELECT scope, speed_kmh, travel_time_sec, distance_m, source, timestamp
			FROM real_traffic_samples
			WHERE scope = ?
			ORDER BY timestamp DESC
			LIMIT ?`, scope, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	var out []engine.RealWorldSample
	for rows.Next() {
		var sm engine.RealWorldSample
		if err := rows.Scan(&sm.Scope, &sm.SpeedKmh, &sm.TravelTimeSec, &sm.DistanceM, &sm.Source, &sm.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// StoreCompletedTrip persists one completed probe-route traversal.
// Implements track.TripStore.
func (s *Store) StoreCompletedTrip(t track.CompletedTrip) error {
	_, err := s.Exec(`
		INSERT INTO completed_trips (entity_id, route_id, start_tick, end_tick, travel_time_sec)
		VALUES (?, ?, ?, ?, ?)`,
		string(t.EntityID), t.RouteID, t.StartTick, t.EndTick, t.TravelTimeSec)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

// StoreCalibrationReport persists the final calibration report. Implements
// calib.ReportStore. Re-running a finalize overwrites the row for the run.
func (s *Store) StoreCalibrationReport(runID string, r calib.Report) error {
	params, err := json.Marshal(r.FinalParams)
	if err != nil {
		return fmt.Errorf("encoding final params: %w", err)
	}
	history, err := json.Marshal(r.ErrorHistory)
	if err != nil {
		return fmt.Errorf("encoding error history: %w", err)
	}
	_, err = s.Exec(`
		INSERT OR REPLACE INTO calibration_reports
			(run_id, status, fatal_reason, initial_error, final_error,
			 improvement, improvement_pct, num_updates, final_params, error_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(r.Status), r.FatalReason,
		nullable(r.InitialError), nullable(r.FinalError),
		nullable(r.Improvement), nullable(r.ImprovementPct),
		r.NumUpdates, string(params), string(history))
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	return nil
}

// GetCalibrationReport loads a stored report by run id.
func (s *Store) GetCalibrationReport(runID string) (calib.Report, error) {
	var r calib.Report
	var fatal sql.NullString
	var initial, final, improvement, improvementPct sql.NullFloat64
	var params, history string
	var status string

	err := s.QueryRow(`
		SELECT run_id, status, fatal_reason, initial_error, final_error,
		       improvement, improvement_pct, num_updates, final_params, error_history
		FROM calibration_reports WHERE run_id = ?`, runID).Scan(
		&r.RunID, &status, &fatal, &initial, &final,
		&improvement, &improvementPct, &r.NumUpdates, &params, &history)
	if err != nil {
		return calib.Report{}, fmt.Errorf("loading report %s: %w", runID, err)
	}
	r.Status = calib.Status(status)
	r.FatalReason = fatal.String
	r.InitialError = floatPtr(initial)
	r.FinalError = floatPtr(final)
	r.Improvement = floatPtr(improvement)
	r.ImprovementPct = floatPtr(improvementPct)
	if err := json.Unmarshal([]byte(params), &r.FinalParams); err != nil {
		return calib.Report{}, fmt.Errorf("decoding final params: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &r.ErrorHistory); err != nil {
		return calib.Report{}, fmt.Errorf("decoding error history: %w", err)
	}
	return r, nil
}

// StoreValidationMetrics persists a validation snapshot. Implements
// metrics.MetricsStore.
func (s *Store) StoreValidationMetrics(runID string, m metrics.ValidationMetrics) error {
	comparisons, err := json.Marshal(m.Comparisons)
	if err != nil {
		return fmt.Errorf("encoding comparisons: %w", err)
	}
	_, err = s.Exec(`
		INSERT INTO validation_metrics (run_id, mae, rmse, mape, r_squared, num_routes, comparisons)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, m.MAE, m.RMSE, m.MAPE, m.RSquared, m.NumRoutes, string(comparisons))
	if err != nil {
		return fmt.Errorf("inserting validation metrics: %w", err)
	}
	return nil
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
