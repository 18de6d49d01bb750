package orchestration

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/clinipipe/clinipipe/pkg/common"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// Sweeper defaults. The interval also acts as a grace period: jobs updated
// within the last interval are left alone so the sweeper never races a
// client-driven status query on a fresh job.
const (
	DefaultSweepInterval    = 15 * time.Second
	DefaultSweepConcurrency = 8
	defaultSweepRPS         = 20
)

// Sweeper keeps persisted job statuses fresh without waiting for clients to
// ask: it periodically reconciles every non-terminal job through the same
// path a status query takes. Unreachable or forgetful workers produce stale
// reads, which the sweeper logs and leaves alone.
type Sweeper struct {
	service *Service

	interval    time.Duration
	concurrency int
	limiter     *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides how often the sweeper runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepConcurrency bounds how many jobs reconcile in parallel per sweep.
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSweepRateLimit bounds worker status probes across one sweep.
func WithSweepRateLimit(rps float64, burst int) SweeperOption {
	return func(s *Sweeper) { s.limiter = common.NewRateLimiter(rps, burst) }
}

// NewSweeper constructs a status sweeper over the given service.
func NewSweeper(service *Service, log *logger.Logger, tracer trace.Tracer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:     service,
		interval:    DefaultSweepInterval,
		concurrency: DefaultSweepConcurrency,
		limiter:     common.NewRateLimiter(defaultSweepRPS, defaultSweepRPS),
		logger:      log.With("component", "status_sweeper"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes sweeps until the context is canceled. It always returns the
// context's error; individual job reconciliation failures are logged and
// never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "status sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "status sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(ctx, "sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sweeper.sweep")
	defer span.End()

	jobs, err := s.service.jobs.ListUnresolved(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("unresolved_jobs", len(jobs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	swept := 0
	for _, job := range jobs {
		if time.Since(job.LastUpdateTime()) < s.interval {
			continue
		}
		swept++
		jobID := job.JobID()
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			view, err := s.service.JobStatus(gctx, jobID)
			if err != nil {
				s.logger.Error(gctx, "sweep reconciliation failed", "job_id", jobID, "error", err)
				return nil
			}
			if view.Stale {
				s.logger.Debug(gctx, "job status stale during sweep",
					"job_id", jobID, "reason", view.StaleReason)
			}
			return nil
		})
	}

	err = g.Wait()
	s.service.metrics.IncSweeps(ctx)
	s.logger.Debug(ctx, "sweep finished", "candidates", len(jobs), "swept", swept)
	return err
}
