package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/internal/config"
	"github.com/kyjohnso/hilbert-sats/internal/ingest"
	"github.com/kyjohnso/hilbert-sats/internal/logging"
	"github.com/kyjohnso/hilbert-sats/internal/observability"
	"github.com/kyjohnso/hilbert-sats/internal/store"
	"github.com/kyjohnso/hilbert-sats/internal/tle"
	"github.com/kyjohnso/hilbert-sats/kb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, logging.NewFromEnv())
	stop()
	os.Exit(code)
}

// run returns the process exit code. Only startup failures are non-zero;
// cancellation at any point is a clean stop.
func run(ctx context.Context, args []string, stderr io.Writer, log logging.Logger) int {
	fs := flag.NewFlagSet("hilbert-sats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.PathEnv), "Path to a YAML config file")
	migrateDown := fs.Bool("migrate-down", false, "Roll back every schema migration and exit")
	once := fs.Bool("once", false, "Run a single ingestion cycle and exit")
	dryRun := fs.Bool("dry-run", false, "Keep the catalog and observations in memory instead of the configured store")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.Err(err))
		return 1
	}
	grid, err := cfg.GridParameters()
	if err != nil {
		log.Error(ctx, "invalid grid parameters", logging.Err(err))
		return 1
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return 1
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var (
		catalog  core.SpatialCatalog
		recorder core.ObservationRecorder
		health   func(context.Context) error
		backend  string
	)
	if *dryRun {
		mem := kb.NewKnowledgeBase()
		unsubscribe := mem.Subscribe(func(e kb.Event) {
			log.Debug(context.Background(), "in-memory batch committed",
				logging.Int("event", int(e.Type)),
				logging.Int("count", e.Count),
			)
		})
		defer unsubscribe()
		catalog, recorder, backend = mem, mem, "memory"
		health = func(context.Context) error { return nil }
	} else {
		s, err := openStore(ctx, cfg.Store, log)
		if err != nil {
			if ctx.Err() != nil {
				log.Info(context.Background(), "startup interrupted")
				return 0
			}
			log.Error(ctx, "failed to open store",
				logging.String("driver", cfg.Store.Driver),
				logging.Err(err),
			)
			return 1
		}
		defer s.Close()

		if *migrateDown {
			if err := s.MigrateDown(); err != nil {
				log.Error(ctx, "migrate down failed", logging.Err(err))
				return 1
			}
			log.Info(ctx, "schema rolled back")
			return 0
		}

		if err := s.PinGrid(ctx, grid); err != nil {
			if ctx.Err() != nil {
				log.Info(context.Background(), "startup interrupted")
				return 0
			}
			log.Error(ctx, "refusing to start against this store", logging.Err(err))
			return 1
		}
		catalog, recorder, backend = s, s, s.Dialect().Name
		health = s.Ping
	}

	collector, err := observability.NewIngestCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return 1
	}
	metricsSrv := serveMetrics(cfg.Metrics.Addr, collector, health, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	source := tle.NewSource(cfg.TLE.Location, cfg.TLE.Refresh, log)
	cycle, err := ingest.NewCycle(grid, core.NewSGP4Provider(source), catalog, recorder,
		ingest.WithLogger(log),
		ingest.WithMetrics(collector),
		ingest.WithRetry(cfg.Cycle.Retry),
		ingest.WithWorkers(cfg.Cycle.Workers),
	)
	if err != nil {
		log.Error(ctx, "failed to build ingestion cycle", logging.Err(err))
		return 1
	}

	log.Info(ctx, "starting hilbert-sats",
		logging.String("grid", grid.Fingerprint()),
		logging.String("store", backend),
		logging.String("tle", cfg.TLE.Location),
	)

	if *once {
		if res := cycle.Run(ctx); res.Err != nil && res.Outcome != ingest.OutcomeCanceled {
			return 1
		}
		return 0
	}

	_ = ingest.NewDriver(cycle, cfg.Cycle.Delay, log).Run(ctx)
	log.Info(context.Background(), "hilbert-sats stopped")
	return 0
}

// openStore connects and migrates, retrying while the database is starting.
func openStore(ctx context.Context, cfg config.StoreConfig, log logging.Logger) (*store.Store, error) {
	if _, err := store.DialectFor(cfg.Driver); err != nil {
		return nil, err
	}
	var s *store.Store
	err := cfg.Connect.Retry(ctx, func() error {
		opened, err := store.Open(ctx, cfg.Driver, cfg.DSN, log)
		if err != nil {
			return err
		}
		if err := opened.MigrateUp(); err != nil {
			opened.Close()
			if errors.Is(err, store.ErrDirtySchema) {
				return backoff.Permanent(err)
			}
			return err
		}
		s = opened
		return nil
	}, func(err error, next time.Duration) {
		log.Warn(ctx, "store not ready; retrying", logging.Err(err), logging.Duration("backoff", next))
	})
	return s, err
}

func serveMetrics(addr string, collector *observability.IngestCollector, health func(context.Context) error, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
