// Package orchestration implements the durable side of the pipeline: it
// accepts ingestion requests, forwards them to a worker, and reconciles the
// worker's live view of each job with the persisted record.
package orchestration

import (
	"context"
	"time"

	"github.com/google/uuid"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// JobRequest is the payload forwarded to a worker when a job is submitted.
type JobRequest struct {
	JobID      uuid.UUID
	SourceFile string
	StudyID    string
}

// RemoteStatus is the worker's live answer to a status probe.
type RemoteStatus struct {
	Status       domain.JobStatus
	Progress     int
	Message      string
	ErrDetail    string
	RowsTotal    int64
	RowsLoaded   int64
	RowsRejected int64
	UpdatedAt    time.Time
}

// WorkerClient is the orchestrator's port to the worker's HTTP surface.
// Implementations classify transport failures: probes against a dead worker
// return an error wrapping domain.ErrWorkerUnreachable, and probes the worker
// answers but cannot match to a job wrap domain.ErrWorkerForgotJob.
type WorkerClient interface {
	// Submit forwards a job to the worker for execution.
	Submit(ctx context.Context, req JobRequest) error

	// JobStatus asks the worker for its live view of a job.
	JobStatus(ctx context.Context, jobID uuid.UUID) (RemoteStatus, error)
}

// StatusView is what a status query returns: the freshest job state the
// orchestrator could assemble, with Stale set when the worker could not be
// consulted and the persisted record had to stand in.
type StatusView struct {
	Job         *domain.Job
	Stale       bool
	StaleReason string
}
