package ingestion

import "fmt"

// JobStatus represents the current state of an ingestion job. It enables
// tracking of the job lifecycle from submission through completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been accepted but processing has not begun.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates a job is actively processing batches.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates every batch of the source file has been loaded.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "pending":
		return JobStatusPending
	case "running":
		return JobStatusRunning
	case "completed":
		return JobStatusCompleted
	case "failed":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error wrapping ErrInvalidTransition if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// From Pending, can move to Running, or straight to Failed when the
		// source file never becomes processable.
		return target == JobStatusRunning || target == JobStatusFailed
	case JobStatusRunning:
		// From Running, can move to Completed or Failed.
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
