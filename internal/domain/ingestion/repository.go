package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LoadRow pairs a processed measurement with its source row number so the
// loader can report row-level rejections from the referential fallback path.
type LoadRow struct {
	RowNumber   int
	Measurement *Measurement
}

// BatchResult reports the outcome of loading one batch.
type BatchResult struct {
	// Loaded counts rows accepted into storage, including rows that were
	// already present from an earlier run of the same file.
	Loaded int64

	// Inserted counts rows newly written by this call. Only these rows
	// contribute to the aggregate rollup, which is what keeps reloading a
	// file from double counting.
	Inserted int64

	// Rejections lists rows isolated by the referential-integrity fallback.
	Rejections []Rejection
}

// MeasurementFilter narrows the measurement query surface. Zero values leave
// a dimension unconstrained; From/To bound the observation timestamp and
// MinQuality floors the quality score.
type MeasurementFilter struct {
	StudyID         string
	ParticipantID   string
	SiteID          string
	MeasurementType MeasurementType
	Unit            string
	From            time.Time
	To              time.Time
	MinQuality      *float64
	Limit           int
	Offset          int
}

// AggregateFilter narrows the aggregate query surface. Zero From/To leave the
// day range unbounded on that side.
type AggregateFilter struct {
	StudyID         string
	SiteID          string
	ParticipantID   string
	MeasurementType MeasurementType
	From            time.Time
	To              time.Time
	Limit           int
	Offset          int
}

// JobFilter narrows the job listing surface. A zero Status matches every
// status.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// JobRepository defines the persistence operations for ingestion jobs.
// The orchestrator is the only writer; workers report state over the status
// API and never touch this store.
type JobRepository interface {
	// CreateJob inserts a new job record. It returns ErrJobAlreadyExists when
	// the job id is already present.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob persists the job's current status, progress, message, and row
	// counts. It returns ErrJobNotFound when the job does not exist.
	UpdateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by id. It returns ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// ListUnresolved returns jobs still in a non-terminal status, oldest
	// first, for the reconciliation sweeper.
	ListUnresolved(ctx context.Context) ([]*Job, error)
}

// MeasurementRepository defines the persistence operations for measurements
// and their daily rollup.
type MeasurementRepository interface {
	// LoadBatch transactionally upserts the batch's dimension rows, inserts
	// the measurements skipping ids already present, and merges the
	// newly inserted rows into the daily aggregates. A missing referential
	// parent never fails the batch: the loader retries row by row and
	// rejects only the offending rows. Any other failure surfaces as a
	// BatchLoadError.
	LoadBatch(ctx context.Context, rows []LoadRow, qualityThreshold float64) (BatchResult, error)

	// ListMeasurements returns stored measurements matching the filter,
	// newest observation first.
	ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]*Measurement, error)
}

// AggregateRepository defines the read surface over the daily rollup. Writes
// happen inside MeasurementRepository.LoadBatch so that inserting rows and
// merging their deltas commit atomically.
type AggregateRepository interface {
	// QueryBuckets returns rollup rows matching the filter, ordered by day
	// then bucket identity.
	QueryBuckets(ctx context.Context, filter AggregateFilter) ([]AggregateBucket, error)
}
