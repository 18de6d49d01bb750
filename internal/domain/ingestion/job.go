package ingestion

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job tracks the lifecycle of one ingestion request from submission to its
// terminal state. It is the durable record the orchestrator owns; the worker
// keeps its own live view and the two are merged by the status reconciler.
type Job struct {
	jobID      uuid.UUID
	sourceFile string
	studyID    string // optional default study for rows lacking one; empty means none
	status     JobStatus
	progress   int
	message    string
	errDetail  string

	rowsTotal    int64
	rowsLoaded   int64
	rowsRejected int64

	timeline *Timeline
}

// JobOption defines functional options for configuring a new Job.
type JobOption func(*Job)

// WithJobTimeProvider sets a custom time provider for the job's timeline.
func WithJobTimeProvider(tp TimeProvider) JobOption {
	return func(j *Job) { j.timeline = NewTimeline(tp) }
}

// NewJob creates a new Job in the pending state. The identifier is assigned by
// the submitting side before any work begins and never changes.
func NewJob(jobID uuid.UUID, sourceFile, studyID string, opts ...JobOption) *Job {
	j := &Job{
		jobID:      jobID,
		sourceFile: sourceFile,
		studyID:    studyID,
		status:     JobStatusPending,
		timeline:   NewTimeline(new(realTimeProvider)),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	sourceFile string,
	studyID string,
	status JobStatus,
	progress int,
	message string,
	errDetail string,
	rowsTotal, rowsLoaded, rowsRejected int64,
	timeline *Timeline,
) *Job {
	return &Job{
		jobID:        jobID,
		sourceFile:   sourceFile,
		studyID:      studyID,
		status:       status,
		progress:     progress,
		message:      message,
		errDetail:    errDetail,
		rowsTotal:    rowsTotal,
		rowsLoaded:   rowsLoaded,
		rowsRejected: rowsRejected,
		timeline:     timeline,
	}
}

// JobID returns the unique identifier for this ingestion job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// SourceFile returns the reference to the file this job ingests.
func (j *Job) SourceFile() string { return j.sourceFile }

// StudyID returns the default study applied to rows lacking one.
// An empty string means the submission carried no study.
func (j *Job) StudyID() string { return j.studyID }

// Status returns the current lifecycle status of the job.
func (j *Job) Status() JobStatus { return j.status }

// Progress returns the percentage of the job completed so far, 0-100.
func (j *Job) Progress() int { return j.progress }

// Message returns the latest human-readable progress or outcome message.
func (j *Job) Message() string { return j.message }

// ErrDetail returns the causing error for a failed job, empty otherwise.
func (j *Job) ErrDetail() string { return j.errDetail }

// RowCounts returns the total, loaded, and rejected row counts recorded so far.
func (j *Job) RowCounts() (total, loaded, rejected int64) {
	return j.rowsTotal, j.rowsLoaded, j.rowsRejected
}

// CreatedAt returns when this job record was created.
func (j *Job) CreatedAt() time.Time { return j.timeline.CreatedAt() }

// StartTime returns when processing began, or the zero time if it has not.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when this job reached a terminal state.
// A job only has an end time if it's in a terminal state.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
// This method is primarily used for constructing detailed job views.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	// Mark the start time when leaving Pending for Running as this represents
	// the beginning of actual processing.
	if j.status == JobStatusPending && newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
	}

	// Mark completion time when transitioning to a terminal state.
	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	}

	j.status = newStatus
	j.timeline.UpdateLastUpdate()
	return nil
}

// UpdateProgress records forward progress while the job is running. Progress
// is a percentage and never decreases; equal values are allowed so a message
// can be refreshed without movement.
func (j *Job) UpdateProgress(progress int, message string) error {
	if j.status != JobStatusRunning {
		return fmt.Errorf("cannot update progress: job is not running (current: %s)", j.status)
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", progress)
	}
	if progress < j.progress {
		return fmt.Errorf("progress cannot decrease from %d to %d", j.progress, progress)
	}

	j.progress = progress
	j.message = message
	j.timeline.UpdateLastUpdate()
	return nil
}

// SetRowCounts records how many rows the job has seen, loaded, and rejected.
func (j *Job) SetRowCounts(total, loaded, rejected int64) {
	j.rowsTotal = total
	j.rowsLoaded = loaded
	j.rowsRejected = rejected
	j.timeline.UpdateLastUpdate()
}

// Complete transitions the job to its successful terminal state with the
// final outcome message and full progress.
func (j *Job) Complete(message string) error {
	if err := j.UpdateStatus(JobStatusCompleted); err != nil {
		return err
	}
	j.progress = 100
	j.message = message
	return nil
}

// Fail transitions the job to its failed terminal state. The message is the
// user-facing outcome; detail carries the causing error for the audit trail.
func (j *Job) Fail(message, detail string) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return err
	}
	j.message = message
	j.errDetail = detail
	return nil
}
