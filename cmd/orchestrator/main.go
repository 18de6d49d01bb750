package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/clinipipe/clinipipe/db"
	"github.com/clinipipe/clinipipe/internal/api/debug"
	ingestionapi "github.com/clinipipe/clinipipe/internal/api/ingestion"
	"github.com/clinipipe/clinipipe/internal/api/mid"
	"github.com/clinipipe/clinipipe/internal/app/orchestration"
	"github.com/clinipipe/clinipipe/internal/config"
	"github.com/clinipipe/clinipipe/internal/infra/storage/ingestion/postgres"
	"github.com/clinipipe/clinipipe/internal/infra/workerclient"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
	"github.com/clinipipe/clinipipe/pkg/common/otel"
)

const serviceType = "orchestrator"

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadOrchestrator()
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	tracer := noop.NewTracerProvider().Tracer(serviceType)
	if cfg.Telemetry.Enabled {
		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability:      cfg.Telemetry.SamplingRatio,
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Error(ctx, "failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer telemetryTeardown(ctx)
		tracer = tp.Tracer(cfg.Telemetry.ServiceName)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "migrations applied, starting orchestrator")

	mp := otel.GetMeterProvider()
	orchMetrics, err := orchestration.NewOrchestrationMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}
	requestMetrics, err := mid.NewRequestMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create request metrics", "error", err)
		os.Exit(1)
	}

	worker, err := workerclient.NewClient(cfg.WorkerURL, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create worker client", "error", err)
		os.Exit(1)
	}

	jobStore := postgres.NewJobStore(pool, tracer)
	measurementStore := postgres.NewMeasurementStore(pool, tracer)
	aggregateStore := postgres.NewAggregateStore(pool, tracer)

	service := orchestration.NewService(
		jobStore,
		measurementStore,
		aggregateStore,
		worker,
		orchMetrics,
		log,
		tracer,
		orchestration.WithPollTimeout(cfg.PollTimeout),
	)

	sweeper := orchestration.NewSweeper(
		service,
		log,
		tracer,
		orchestration.WithSweepInterval(cfg.SweepInterval),
		orchestration.WithSweepConcurrency(cfg.SweepConcurrency),
	)

	ready := &atomic.Bool{}
	apiServer := ingestionapi.NewServer(ingestionapi.Config{
		ListenAddr: cfg.ListenAddr,
		Build:      build,
		Service:    service,
		Ready:      ready,
		Pinger:     pool,
		Log:        log,
		Tracer:     tracer,
		Metrics:    requestMetrics,
	})

	if cfg.DebugAddr != "" {
		go func() {
			log.Info(ctx, "starting debug server", "addr", cfg.DebugAddr)
			if err := http.ListenAndServe(cfg.DebugAddr, debug.Mux()); err != nil {
				log.Error(ctx, "debug server stopped", "error", err)
			}
		}()
	}

	ready.Store(true)

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start(ctx) }()
	go func() { errCh <- sweeper.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// The API server drains on context cancellation; give the sweeper
		// the same window to finish its in-flight pass.
		select {
		case <-errCh:
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "shutdown timed out")
		}

	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "orchestrator error", "error", err)
			os.Exit(1)
		}
	}
}

// runMigrations applies all up migrations from the embedded db/migrations
// directory, tolerating an already-current schema.
func runMigrations(pool *pgxpool.Pool) error {
	src, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
