// Command twinflow runs the calibration core against the synthetic corridor
// engine: a demo driver that seeds real-world samples, ticks the simulation,
// and emits the final calibration report, validation metrics and an optional
// error-history chart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twinflow/twinflow/internal/calib"
	"github.com/twinflow/twinflow/internal/config"
	"github.com/twinflow/twinflow/internal/engine"
	"github.com/twinflow/twinflow/internal/geo"
	"github.com/twinflow/twinflow/internal/match"
	"github.com/twinflow/twinflow/internal/metrics"
	"github.com/twinflow/twinflow/internal/report"
	"github.com/twinflow/twinflow/internal/sim"
	"github.com/twinflow/twinflow/internal/store"
	"github.com/twinflow/twinflow/internal/track"
	"github.com/twinflow/twinflow/internal/version"
)

func main() {
	var (
		dbPath     = flag.String("db", "twinflow.db", "path to the SQLite database")
		configPath = flag.String("config", "", "optional tuning config JSON")
		migrations = flag.String("migrations", "", "apply versioned schema migrations from this directory before running")
		ticks      = flag.Int64("ticks", 3600, "number of simulation ticks to run")
		scope      = flag.String("scope", "demo-area", "run/area id for scoped real-world lookups")
		chartPath  = flag.String("chart", "", "write the error-history chart HTML to this path")
		seedSpeed  = flag.Float64("seed-real-speed", 25, "seed real-world samples at this km/h (0 disables seeding)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("twinflow", version.String())
		return
	}

	if err := run(*dbPath, *configPath, *migrations, *ticks, *scope, *chartPath, *seedSpeed); err != nil {
		log.Fatalf("twinflow: %v", err)
	}
}

func run(dbPath, configPath, migrationsDir string, ticks int64, scope, chartPath string, seedSpeed float64) error {
	cfg := config.EmptyTuningConfig()
	if configPath != "" {
		loaded, err := config.LoadTuningConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if migrationsDir != "" {
		if err := st.MigrateUp(migrationsDir); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		if v, dirty, err := st.MigrateVersion(migrationsDir); err == nil {
			log.Printf("schema at migration version %d (dirty=%v)", v, dirty)
		}
	}

	if seedSpeed > 0 {
		if err := seedSamples(st, scope, seedSpeed); err != nil {
			return fmt.Errorf("seeding samples: %w", err)
		}
	}

	// Synthetic corridor: 40 edges, 150m apart, 50 km/h free flow; one
	// entity spawning every 30 ticks, each trip taking 240 ticks.
	corridor := sim.NewCorridor(40, 150, 50, 30, 240)

	matcher := match.NewMatcher(corridor, corridor, match.Config{
		CRS:            geo.Geographic,
		MaxDistanceM:   cfg.GetMaxMatchDistanceM(),
		RoutingTimeout: cfg.GetRoutingTimeout(),
	})

	ctx := context.Background()
	routes, err := corridorRoutes(corridor)
	if err != nil {
		return fmt.Errorf("building probe routes: %w", err)
	}
	if mapped := matcher.MapAll(ctx, routes); mapped == 0 {
		return errors.New("no probe route could be mapped")
	}

	tracker := track.NewTracker(corridor, matcher, cfg.GetMatchThreshold(), st)
	agg := metrics.NewAggregator(corridor, st, metrics.Config{
		Scope:            scope,
		SampleCadence:    cfg.GetSampleCadence(),
		SampleLimit:      cfg.GetSampleLimit(),
		TelemetryTimeout: cfg.GetTelemetryTimeout(),
	})
	ctrl := calib.NewController(calib.Config{
		UpdateInterval:         cfg.GetUpdateInterval(),
		LearningRate:           cfg.GetLearningRate(),
		WindowSize:             cfg.GetWindowSize(),
		Scope:                  scope,
		FallbackSpeedKmh:       cfg.GetFallbackSpeedKmh(),
		SampleLimit:            cfg.GetSampleLimit(),
		TelemetryTimeout:       cfg.GetTelemetryTimeout(),
		EngineFailureThreshold: cfg.GetEngineFailureThreshold(),
	}, calib.Deps{
		Engine:    corridor,
		Telemetry: st,
		SimSpeeds: agg,
		Reports:   st,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("stop requested, finishing current cycle")
		ctrl.Stop()
	}()

	log.Printf("run %s: %d ticks, update interval %d", ctrl.RunID(), ticks, cfg.GetUpdateInterval())
	var completedTrips int
	for t := int64(1); t <= ticks; t++ {
		corridor.Step()
		tracker.Step(t)
		// Trips are already persisted through the store; draining keeps the
		// in-memory buffer from growing over a long run.
		completedTrips += len(tracker.Drain())
		agg.Step(t)
		ctrl.Step(ctx, t)
		if ctrl.State() == calib.StateStopped {
			break
		}
	}
	log.Printf("%d trips completed across %d mapped routes", completedTrips, len(matcher.MappedRouteIDs()))

	final := ctrl.Finalize()
	fmt.Print(report.Summary(final))

	if vm, err := agg.ValidateRoutes(ctx, matcher.MappedRouteIDs(), tracker); err == nil {
		fmt.Print(report.ValidationSummary(vm))
		if err := st.StoreValidationMetrics(ctrl.RunID(), vm); err != nil {
			log.Printf("storing validation metrics: %v", err)
		}
	} else if errors.Is(err, metrics.ErrDataUnavailable) {
		log.Printf("route validation skipped: no route has data on both sides")
	} else {
		log.Printf("route validation failed: %v", err)
	}

	if sum, err := agg.SimSummary(); err == nil {
		if rw, err := agg.RealSummary(ctx); err == nil {
			if cmp, err := metrics.CompareArea(sum, rw); err == nil {
				if cmp.SpeedErrorPct != nil {
					log.Printf("area comparison: speed error %.2f%%, congestion similarity %.1f%%",
						*cmp.SpeedErrorPct, cmp.CongestionSimilarity)
				} else {
					log.Printf("area comparison: speed error n/a, congestion similarity %.1f%%",
						cmp.CongestionSimilarity)
				}
			}
		}
	}

	if chartPath != "" {
		if err := report.RenderErrorHistory(final, chartPath); err != nil {
			log.Printf("chart not written: %v", err)
		} else {
			log.Printf("error-history chart written to %s", chartPath)
		}
	}
	return nil
}

// corridorRoutes builds one probe route spanning the corridor end to end,
// using the first and last edge reference positions as GPS endpoints.
func corridorRoutes(corridor *sim.Corridor) ([]match.ProbeRoute, error) {
	ids := corridor.EdgeIDs()
	if len(ids) < 2 {
		return nil, errors.New("corridor too short")
	}
	origin, err := corridor.EdgeReferencePoint(ids[0])
	if err != nil {
		return nil, err
	}
	dest, err := corridor.EdgeReferencePoint(ids[len(ids)-1])
	if err != nil {
		return nil, err
	}
	return []match.ProbeRoute{{
		ID:     "corridor-full",
		Name:   "Corridor end to end",
		Origin: origin,
		Dest:   dest,
	}}, nil
}

// seedSamples inserts a small batch of synthetic real-world samples for the
// area scope and the demo probe route so the telemetry fallback chain and
// the per-route validation have data to work with.
func seedSamples(st *store.Store, scope string, speedKmh float64) error {
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		if err := st.InsertSample(engine.RealWorldSample{
			Scope:     scope,
			SpeedKmh:  speedKmh,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Source:    "seed",
		}); err != nil {
			return err
		}
	}
	// Route-scoped travel times: corridor length 40*150m at the seeded speed.
	travelTime := 40 * 150.0 / (speedKmh / 3.6)
	for i := 0; i < 5; i++ {
		if err := st.InsertSample(engine.RealWorldSample{
			Scope:         "corridor-full",
			SpeedKmh:      speedKmh,
			TravelTimeSec: travelTime,
			DistanceM:     40 * 150.0,
			Timestamp:     now.Add(-time.Duration(i) * time.Minute),
			Source:        "seed",
		}); err != nil {
			return err
		}
	}
	return nil
}
