// Package ingestion implements the worker side of the pipeline: accepting
// jobs, driving them through parse, score, and load, and answering status
// probes from the in-memory registry.
package ingestion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// JobSnapshot is a point-in-time copy of a job's state, safe to hand to
// callers without exposing the registry's internals.
type JobSnapshot struct {
	JobID        uuid.UUID
	SourceFile   string
	StudyID      string
	Status       domain.JobStatus
	Progress     int
	Message      string
	ErrDetail    string
	RowsTotal    int64
	RowsLoaded   int64
	RowsRejected int64
	UpdatedAt    time.Time
}

// Registry is the worker's authoritative record of every job it has accepted
// since the process started. It lives in memory only: a restart forgets all
// jobs, and the orchestrator's reconciler is built to tolerate exactly that.
type Registry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uuid.UUID]*domain.Job)}
}

// Accept records a new job in the pending state. It returns
// ErrJobAlreadyExists when the id was accepted before, which callers
// surface as a duplicate submission.
func (r *Registry) Accept(jobID uuid.UUID, sourceFile, studyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return domain.ErrJobAlreadyExists
	}
	r.jobs[jobID] = domain.NewJob(jobID, sourceFile, studyID)
	return nil
}

// Start transitions a job from pending to running.
func (r *Registry) Start(jobID uuid.UUID) error {
	return r.update(jobID, func(j *domain.Job) error {
		return j.UpdateStatus(domain.JobStatusRunning)
	})
}

// Progress records a milestone for a running job. Progress never decreases;
// the domain job rejects regressions.
func (r *Registry) Progress(jobID uuid.UUID, pct int, message string) error {
	return r.update(jobID, func(j *domain.Job) error {
		return j.UpdateProgress(pct, message)
	})
}

// SetRowCounts records the job's row totals so status probes can report them
// before the job reaches a terminal state.
func (r *Registry) SetRowCounts(jobID uuid.UUID, total, loaded, rejected int64) error {
	return r.update(jobID, func(j *domain.Job) error {
		j.SetRowCounts(total, loaded, rejected)
		return nil
	})
}

// Complete moves a job to its successful terminal state. Terminal states are
// final: later writes fail transition validation.
func (r *Registry) Complete(jobID uuid.UUID, message string) error {
	return r.update(jobID, func(j *domain.Job) error {
		return j.Complete(message)
	})
}

// Fail moves a job to its failed terminal state.
func (r *Registry) Fail(jobID uuid.UUID, message, detail string) error {
	return r.update(jobID, func(j *domain.Job) error {
		return j.Fail(message, detail)
	})
}

// Snapshot returns a copy of the job's current state. It returns
// ErrJobNotFound for ids this process never accepted, including jobs lost
// to a restart; the status API turns that into the job_unknown signal.
func (r *Registry) Snapshot(jobID uuid.UUID) (JobSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return JobSnapshot{}, domain.ErrJobNotFound
	}
	return snapshotOf(j), nil
}

// Len reports how many jobs the registry currently tracks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) update(jobID uuid.UUID, mutate func(*domain.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	return mutate(j)
}

func snapshotOf(j *domain.Job) JobSnapshot {
	total, loaded, rejected := j.RowCounts()
	return JobSnapshot{
		JobID:        j.JobID(),
		SourceFile:   j.SourceFile(),
		StudyID:      j.StudyID(),
		Status:       j.Status(),
		Progress:     j.Progress(),
		Message:      j.Message(),
		ErrDetail:    j.ErrDetail(),
		RowsTotal:    total,
		RowsLoaded:   loaded,
		RowsRejected: rejected,
		UpdatedAt:    j.LastUpdateTime(),
	}
}
