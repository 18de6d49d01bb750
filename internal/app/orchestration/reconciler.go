package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// Stale reasons reported when a status query has to fall back to the
// persisted record.
const (
	StaleReasonUnreachable = "worker unreachable; returning last persisted status"
	StaleReasonForgotten   = "worker has no record of this job; returning last persisted status"
)

// Poll outcomes recorded on the status poll counter.
const (
	pollOutcomeTerminal    = "terminal"
	pollOutcomeFresh       = "fresh"
	pollOutcomeUnchanged   = "unchanged"
	pollOutcomeUnreachable = "stale_unreachable"
	pollOutcomeForgotten   = "stale_forgotten"
	pollOutcomeError       = "error"
)

// JobStatus answers a status query by reconciling the persisted job record
// with the worker's live view. The worker being unreachable, or having
// forgotten the job, degrades the answer to the last persisted state; it
// never fabricates a failure.
func (s *Service) JobStatus(ctx context.Context, jobID uuid.UUID) (StatusView, error) {
	log := s.logger.With("operation", "job_status", "job_id", jobID)
	ctx, span := s.tracer.Start(ctx, "orchestration.job_status",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return StatusView{}, err
	}

	// Terminal states are final; the worker cannot hold anything newer.
	if job.Status().IsTerminal() {
		span.AddEvent("terminal_status_short_circuit")
		s.metrics.IncStatusPolls(ctx, pollOutcomeTerminal)
		return StatusView{Job: job}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	pollStart := time.Now()
	remote, err := s.worker.JobStatus(probeCtx, jobID)
	s.metrics.ObservePollDuration(ctx, time.Since(pollStart))

	switch {
	case errors.Is(err, domain.ErrWorkerUnreachable):
		span.AddEvent("worker_unreachable")
		s.metrics.IncStatusPolls(ctx, pollOutcomeUnreachable)
		log.Warn(ctx, "worker unreachable during status poll", "error", err)
		return StatusView{Job: job, Stale: true, StaleReason: StaleReasonUnreachable}, nil

	case errors.Is(err, domain.ErrWorkerForgotJob):
		span.AddEvent("worker_forgot_job")
		s.metrics.IncStatusPolls(ctx, pollOutcomeForgotten)
		log.Warn(ctx, "worker has no record of job", "status", job.Status())
		return StatusView{Job: job, Stale: true, StaleReason: StaleReasonForgotten}, nil

	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "status poll failed")
		s.metrics.IncStatusPolls(ctx, pollOutcomeError)
		return StatusView{}, fmt.Errorf("probing worker for job %s: %w", jobID, err)
	}

	changed, err := applyRemoteStatus(job, remote)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote status rejected")
		s.metrics.IncStatusPolls(ctx, pollOutcomeError)
		return StatusView{}, fmt.Errorf("applying worker status for job %s: %w", jobID, err)
	}
	if !changed {
		s.metrics.IncStatusPolls(ctx, pollOutcomeUnchanged)
		return StatusView{Job: job}, nil
	}

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist reconciled status")
		return StatusView{}, fmt.Errorf("persisting reconciled job %s: %w", jobID, err)
	}
	span.AddEvent("persisted_fresh_status", trace.WithAttributes(
		attribute.String("status", job.Status().String()),
		attribute.Int("progress", job.Progress()),
	))
	s.metrics.IncStatusPolls(ctx, pollOutcomeFresh)
	log.Debug(ctx, "persisted fresh worker status",
		"status", job.Status(), "progress", job.Progress())
	return StatusView{Job: job}, nil
}

// applyRemoteStatus folds the worker's live view into the persisted job,
// validating every state change against the job's own transition rules. It
// reports whether anything actually changed. A worker that progressed through
// intermediate states between polls is applied transitively, so pending can
// land directly on completed.
func applyRemoteStatus(job *domain.Job, remote RemoteStatus) (bool, error) {
	changed := false

	if remote.Status != job.Status() {
		switch remote.Status {
		case domain.JobStatusRunning:
			if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
				return false, err
			}
		case domain.JobStatusCompleted:
			if job.Status() == domain.JobStatusPending {
				if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
					return false, err
				}
			}
			if err := job.Complete(remote.Message); err != nil {
				return false, err
			}
		case domain.JobStatusFailed:
			if err := job.Fail(remote.Message, remote.ErrDetail); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("worker reported unrecognized status %q", remote.Status)
		}
		changed = true
	}

	if job.Status() == domain.JobStatusRunning &&
		(remote.Progress != job.Progress() || remote.Message != job.Message()) {
		if err := job.UpdateProgress(remote.Progress, remote.Message); err != nil {
			return false, err
		}
		changed = true
	}

	total, loaded, rejected := job.RowCounts()
	if remote.RowsTotal != total || remote.RowsLoaded != loaded || remote.RowsRejected != rejected {
		job.SetRowCounts(remote.RowsTotal, remote.RowsLoaded, remote.RowsRejected)
		changed = true
	}

	return changed, nil
}
