package ingestion

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates a status query for a job id with no local record.
	// It surfaces to callers as a client error and is never retried.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyExists indicates a job id was submitted twice to the same worker.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrWorkerUnreachable indicates a network-level failure contacting the
	// worker. It is never converted into a job failure; status queries degrade
	// to the last persisted state instead.
	ErrWorkerUnreachable = errors.New("worker unreachable")

	// ErrWorkerForgotJob indicates the worker answered but has no record of a
	// previously accepted job id, e.g. after a restart lost its in-memory state.
	// Treated like ErrWorkerUnreachable for status purposes.
	ErrWorkerForgotJob = errors.New("worker has no record of job")

	// ErrInvalidTransition indicates a job status change that the state
	// machine does not allow, such as leaving a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// BatchLoadError reports that the persistence step for an entire batch could
// not complete. It is fatal to the job, but not to the process.
type BatchLoadError struct {
	Batch int
	Err   error
}

func (e *BatchLoadError) Error() string {
	return fmt.Sprintf("batch %d load failed: %v", e.Batch, e.Err)
}

func (e *BatchLoadError) Unwrap() error { return e.Err }
