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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/clinipipe/clinipipe/internal/api/debug"
	"github.com/clinipipe/clinipipe/internal/api/mid"
	workerapi "github.com/clinipipe/clinipipe/internal/api/worker"
	appingestion "github.com/clinipipe/clinipipe/internal/app/ingestion"
	"github.com/clinipipe/clinipipe/internal/config"
	"github.com/clinipipe/clinipipe/internal/infra/sourcestore"
	"github.com/clinipipe/clinipipe/internal/infra/storage/ingestion/postgres"
	"github.com/clinipipe/clinipipe/pkg/common"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
	"github.com/clinipipe/clinipipe/pkg/common/otel"
)

const serviceType = "worker"

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

	svcName := fmt.Sprintf("WORKER-%s", hostname)
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

	cfg, err := config.LoadWorker()
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

	local, err := sourcestore.NewFS(cfg.Source.Root)
	if err != nil {
		log.Error(ctx, "failed to open source root", "error", err)
		os.Exit(1)
	}
	var object sourcestore.Store
	if cfg.Source.S3Enabled {
		object, err = sourcestore.NewS3(ctx, sourcestore.S3Config{
			Region:    cfg.Source.S3Region,
			Endpoint:  cfg.Source.S3Endpoint,
			PathStyle: cfg.Source.S3PathStyle,
		})
		if err != nil {
			log.Error(ctx, "failed to create s3 source store", "error", err)
			os.Exit(1)
		}
	}
	sources := sourcestore.NewResolver(local, object)

	mp := otel.GetMeterProvider()
	execMetrics, err := appingestion.NewExecutorMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}
	requestMetrics, err := mid.NewRequestMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create request metrics", "error", err)
		os.Exit(1)
	}

	loader := postgres.NewMeasurementStore(pool, tracer)
	registry := appingestion.NewRegistry()
	executor := appingestion.NewExecutor(
		registry,
		sources,
		loader,
		execMetrics,
		log,
		tracer,
		appingestion.WithBatchSize(cfg.Pipeline.BatchSize),
		appingestion.WithMaxConcurrentJobs(cfg.Pipeline.MaxConcurrentJobs),
		appingestion.WithQualityThreshold(cfg.Pipeline.QualityThreshold),
	)
	defer executor.Stop()

	ready := &atomic.Bool{}
	apiServer := workerapi.NewServer(workerapi.Config{
		ListenAddr: cfg.ListenAddr,
		Build:      build,
		Executor:   executor,
		Registry:   registry,
		Ready:      ready,
		Pinger:     pool,
		Log:        log,
		Tracer:     tracer,
		Metrics:    requestMetrics,
	})

	if cfg.MetricsAddr != "" {
		go func() {
			log.Info(ctx, "starting metrics server", "addr", cfg.MetricsAddr)
			if err := common.RunMetricsServer(cfg.MetricsAddr); err != nil {
				log.Error(ctx, "metrics server stopped", "error", err)
			}
		}()
	}
	if cfg.DebugAddr != "" {
		go func() {
			log.Info(ctx, "starting debug server", "addr", cfg.DebugAddr)
			if err := http.ListenAndServe(cfg.DebugAddr, debug.Mux()); err != nil {
				log.Error(ctx, "debug server stopped", "error", err)
			}
		}()
	}

	ready.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		select {
		case <-errCh:
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "shutdown timed out")
		}

	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "worker error", "error", err)
			os.Exit(1)
		}
	}
}
