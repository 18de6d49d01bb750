package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// DefaultPollTimeout bounds how long a status query waits on the worker
// before falling back to the persisted record.
const DefaultPollTimeout = 5 * time.Second

// Service coordinates ingestion jobs: it owns the persisted job records,
// forwards work to the worker, and serves the read-side query surface.
type Service struct {
	jobs         domain.JobRepository
	measurements domain.MeasurementRepository
	aggregates   domain.AggregateRepository
	worker       WorkerClient

	pollTimeout time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics OrchestrationMetrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPollTimeout overrides how long status queries wait on the worker.
func WithPollTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// NewService constructs the orchestration service.
func NewService(
	jobs domain.JobRepository,
	measurements domain.MeasurementRepository,
	aggregates domain.AggregateRepository,
	worker WorkerClient,
	metrics OrchestrationMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		jobs:         jobs,
		measurements: measurements,
		aggregates:   aggregates,
		worker:       worker,
		pollTimeout:  DefaultPollTimeout,
		logger:       log.With("component", "orchestration_service"),
		tracer:       tracer,
		metrics:      metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitIngestion persists a new pending job, then forwards it to the worker.
// A forwarding failure is a reportable outcome, not an API error: the job is
// marked failed and returned with a nil error so the caller sees exactly what
// a later status query would show.
func (s *Service) SubmitIngestion(ctx context.Context, sourceFile, studyID string) (*domain.Job, error) {
	log := s.logger.With("operation", "submit_ingestion", "source_file", sourceFile)
	ctx, span := s.tracer.Start(ctx, "orchestration.submit_ingestion",
		trace.WithAttributes(
			attribute.String("source_file", sourceFile),
			attribute.String("study_id", studyID),
		),
	)
	defer span.End()

	if sourceFile == "" {
		span.SetStatus(codes.Error, "missing source file")
		return nil, fmt.Errorf("source file is required")
	}

	job := domain.NewJob(uuid.New(), sourceFile, studyID)
	span.SetAttributes(attribute.String("job_id", job.JobID().String()))

	// The job record must exist before the worker hears about it, so that a
	// status query racing the submission finds something to report.
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return nil, fmt.Errorf("persisting job %s: %w", job.JobID(), err)
	}
	s.metrics.IncJobsSubmitted(ctx)

	if err := s.worker.Submit(ctx, JobRequest{
		JobID:      job.JobID(),
		SourceFile: sourceFile,
		StudyID:    studyID,
	}); err != nil {
		span.RecordError(err)
		span.AddEvent("submission_forward_failed")
		s.metrics.IncSubmissionForwardFailures(ctx)
		log.Error(ctx, "submission to worker failed", "job_id", job.JobID(), "error", err)

		if ferr := job.Fail("submission to worker failed", err.Error()); ferr != nil {
			return nil, fmt.Errorf("marking job %s failed: %w", job.JobID(), ferr)
		}
		if uerr := s.jobs.UpdateJob(ctx, job); uerr != nil {
			return nil, fmt.Errorf("persisting failed job %s: %w", job.JobID(), uerr)
		}
		span.SetStatus(codes.Ok, "job recorded as failed")
		return job, nil
	}

	span.SetStatus(codes.Ok, "job submitted")
	log.Info(ctx, "ingestion job submitted", "job_id", job.JobID())
	return job, nil
}

// GetJob returns the persisted record for a job without consulting the
// worker. It backs the detail endpoint and audits.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "orchestration.get_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return job, nil
}

// ListJobs returns persisted jobs matching the filter, newest first.
func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "orchestration.list_jobs",
		trace.WithAttributes(
			attribute.String("status", string(filter.Status)),
			attribute.Int("limit", filter.Limit),
			attribute.Int("offset", filter.Offset),
		),
	)
	defer span.End()

	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return jobs, nil
}

// QueryMeasurements serves the read-only measurement surface.
func (s *Service) QueryMeasurements(ctx context.Context, filter domain.MeasurementFilter) ([]*domain.Measurement, error) {
	ctx, span := s.tracer.Start(ctx, "orchestration.query_measurements")
	defer span.End()

	measurements, err := s.measurements.ListMeasurements(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(measurements)))
	return measurements, nil
}

// QueryAggregates serves the read-only daily rollup surface.
func (s *Service) QueryAggregates(ctx context.Context, filter domain.AggregateFilter) ([]domain.AggregateBucket, error) {
	ctx, span := s.tracer.Start(ctx, "orchestration.query_aggregates")
	defer span.End()

	buckets, err := s.aggregates.QueryBuckets(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(buckets)))
	return buckets, nil
}
