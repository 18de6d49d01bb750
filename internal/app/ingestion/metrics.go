package ingestion

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExecutorMetrics defines the metrics operations recorded by the worker
// while executing ingestion jobs.
type ExecutorMetrics interface {
	IncJobsAccepted(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context)
	ObserveJobDuration(ctx context.Context, d time.Duration)
	ObserveBatchLoadDuration(ctx context.Context, d time.Duration)
	AddRowsLoaded(ctx context.Context, n int64)
	AddRowsRejected(ctx context.Context, reason string, n int64)
}

type executorMetrics struct {
	jobsAccepted  metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter

	jobDuration       metric.Float64Histogram
	batchLoadDuration metric.Float64Histogram

	rowsLoaded   metric.Int64Counter
	rowsRejected metric.Int64Counter
}

const namespace = "worker"

// NewExecutorMetrics creates the worker's metric instruments.
func NewExecutorMetrics(mp metric.MeterProvider) (*executorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executorMetrics)
	var err error

	if m.jobsAccepted, err = meter.Int64Counter(
		"ingestion_jobs_accepted_total",
		metric.WithDescription("Total number of ingestion jobs accepted"),
	); err != nil {
		return nil, err
	}

	if m.jobsCompleted, err = meter.Int64Counter(
		"ingestion_jobs_completed_total",
		metric.WithDescription("Total number of ingestion jobs that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"ingestion_jobs_failed_total",
		metric.WithDescription("Total number of ingestion jobs that failed"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"ingestion_job_duration_seconds",
		metric.WithDescription("Time taken to run an ingestion job end to end"),
	); err != nil {
		return nil, err
	}

	if m.batchLoadDuration, err = meter.Float64Histogram(
		"batch_load_duration_seconds",
		metric.WithDescription("Time taken to persist one batch of measurements"),
	); err != nil {
		return nil, err
	}

	if m.rowsLoaded, err = meter.Int64Counter(
		"rows_loaded_total",
		metric.WithDescription("Total number of measurement rows loaded"),
	); err != nil {
		return nil, err
	}

	if m.rowsRejected, err = meter.Int64Counter(
		"rows_rejected_total",
		metric.WithDescription("Total number of rows rejected, labeled by reason"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *executorMetrics) IncJobsAccepted(ctx context.Context)  { m.jobsAccepted.Add(ctx, 1) }
func (m *executorMetrics) IncJobsCompleted(ctx context.Context) { m.jobsCompleted.Add(ctx, 1) }
func (m *executorMetrics) IncJobsFailed(ctx context.Context)    { m.jobsFailed.Add(ctx, 1) }

func (m *executorMetrics) ObserveJobDuration(ctx context.Context, d time.Duration) {
	m.jobDuration.Record(ctx, d.Seconds())
}

func (m *executorMetrics) ObserveBatchLoadDuration(ctx context.Context, d time.Duration) {
	m.batchLoadDuration.Record(ctx, d.Seconds())
}

func (m *executorMetrics) AddRowsLoaded(ctx context.Context, n int64) {
	m.rowsLoaded.Add(ctx, n)
}

func (m *executorMetrics) AddRowsRejected(ctx context.Context, reason string, n int64) {
	m.rowsRejected.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}
