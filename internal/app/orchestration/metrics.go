package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrchestrationMetrics defines the metrics operations recorded by the
// orchestrator while managing ingestion jobs.
type OrchestrationMetrics interface {
	IncJobsSubmitted(ctx context.Context)
	IncSubmissionForwardFailures(ctx context.Context)

	// IncStatusPolls records one status poll labeled by outcome:
	// terminal, fresh, unchanged, stale_unreachable, stale_forgotten, error.
	IncStatusPolls(ctx context.Context, outcome string)
	ObservePollDuration(ctx context.Context, d time.Duration)

	IncSweeps(ctx context.Context)
}

type orchestrationMetrics struct {
	jobsSubmitted   metric.Int64Counter
	forwardFailures metric.Int64Counter
	statusPolls     metric.Int64Counter
	pollDuration    metric.Float64Histogram
	sweeps          metric.Int64Counter
}

const namespace = "orchestrator"

// NewOrchestrationMetrics creates the orchestrator's metric instruments.
func NewOrchestrationMetrics(mp metric.MeterProvider) (*orchestrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestrationMetrics)
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter(
		"ingestion_jobs_submitted_total",
		metric.WithDescription("Total number of ingestion jobs submitted"),
	); err != nil {
		return nil, err
	}

	if m.forwardFailures, err = meter.Int64Counter(
		"submission_forward_failures_total",
		metric.WithDescription("Total number of submissions the worker never accepted"),
	); err != nil {
		return nil, err
	}

	if m.statusPolls, err = meter.Int64Counter(
		"status_polls_total",
		metric.WithDescription("Total number of worker status polls, labeled by outcome"),
	); err != nil {
		return nil, err
	}

	if m.pollDuration, err = meter.Float64Histogram(
		"status_poll_duration_seconds",
		metric.WithDescription("Time taken to poll the worker for job status"),
	); err != nil {
		return nil, err
	}

	if m.sweeps, err = meter.Int64Counter(
		"status_sweeps_total",
		metric.WithDescription("Total number of background status sweeps executed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *orchestrationMetrics) IncJobsSubmitted(ctx context.Context) {
	m.jobsSubmitted.Add(ctx, 1)
}

func (m *orchestrationMetrics) IncSubmissionForwardFailures(ctx context.Context) {
	m.forwardFailures.Add(ctx, 1)
}

func (m *orchestrationMetrics) IncStatusPolls(ctx context.Context, outcome string) {
	m.statusPolls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *orchestrationMetrics) ObservePollDuration(ctx context.Context, d time.Duration) {
	m.pollDuration.Record(ctx, d.Seconds())
}

func (m *orchestrationMetrics) IncSweeps(ctx context.Context) {
	m.sweeps.Add(ctx, 1)
}
