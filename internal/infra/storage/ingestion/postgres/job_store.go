// Package postgres implements the ingestion domain repositories on top of
// PostgreSQL. Stores wrap every operation in a client span and translate
// database conditions into the domain's error taxonomy.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/infra/storage"
)

// PostgreSQL error codes the stores branch on.
const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// jobStore implements ingestion.JobRepository using PostgreSQL as the backing
// store. The orchestrator is the only writer of the jobs table.
var _ ingestion.JobRepository = (*jobStore)(nil)

type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a PostgreSQL-backed job repository with tracing.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// CreateJob persists a new ingestion job in its initial state.
func (r *jobStore) CreateJob(ctx context.Context, job *ingestion.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.String("source_file", job.SourceFile()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		total, loaded, rejected := job.RowCounts()
		_, err := r.db.Exec(ctx, `
			INSERT INTO ingestion_jobs (
				job_id, source_file, study_id, status, progress, message, error,
				rows_total, rows_loaded, rows_rejected, created_at, last_update
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			job.SourceFile(),
			job.StudyID(),
			string(job.Status()),
			job.Progress(),
			job.Message(),
			job.ErrDetail(),
			total, loaded, rejected,
			job.CreatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
				return ingestion.ErrJobAlreadyExists
			}
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// UpdateJob persists the job's current state.
func (r *jobStore) UpdateJob(ctx context.Context, job *ingestion.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.Int("progress", job.Progress()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		total, loaded, rejected := job.RowCounts()
		endTime, hasEndTime := job.EndTime()

		var startedAt pgtype.Timestamptz
		if job.GetTimeline().HasStarted() {
			startedAt = pgtype.Timestamptz{Time: job.StartTime(), Valid: true}
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE ingestion_jobs SET
				status = $2,
				progress = $3,
				message = $4,
				error = $5,
				rows_total = $6,
				rows_loaded = $7,
				rows_rejected = $8,
				started_at = $9,
				completed_at = $10,
				last_update = $11
			WHERE job_id = $1`,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			string(job.Status()),
			job.Progress(),
			job.Message(),
			job.ErrDetail(),
			total, loaded, rejected,
			startedAt,
			pgtype.Timestamptz{Time: endTime, Valid: hasEndTime},
			job.LastUpdateTime(),
		)
		if err != nil {
			return fmt.Errorf("UpdateJob query error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ingestion.ErrJobNotFound
		}
		return nil
	})
}

const jobColumns = `
	job_id, source_file, study_id, status, progress, message, error,
	rows_total, rows_loaded, rows_rejected,
	created_at, started_at, completed_at, last_update`

// GetJob retrieves a job by id, reconstructing the domain model.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*ingestion.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *ingestion.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM ingestion_jobs WHERE job_id = $1`,
			pgtype.UUID{Bytes: jobID, Valid: true},
		)

		var err error
		job, err = scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ingestion.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (r *jobStore) ListJobs(ctx context.Context, filter ingestion.JobFilter) ([]*ingestion.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("limit", limit),
		attribute.Int("offset", filter.Offset),
	)
	if filter.Status != "" {
		dbAttrs = append(dbAttrs, attribute.String("status", string(filter.Status)))
	}

	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	var jobs []*ingestion.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("ListJobs query error: %w", err)
		}
		defer rows.Close()

		jobs, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// ListUnresolved returns non-terminal jobs, oldest first, for the sweeper.
func (r *jobStore) ListUnresolved(ctx context.Context) ([]*ingestion.Job, error) {
	var jobs []*ingestion.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_unresolved_jobs", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx,
			`SELECT `+jobColumns+` FROM ingestion_jobs
			 WHERE status IN ('pending', 'running')
			 ORDER BY created_at ASC`,
		)
		if err != nil {
			return fmt.Errorf("ListUnresolved query error: %w", err)
		}
		defer rows.Close()

		jobs, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

func collectJobs(rows pgx.Rows) ([]*ingestion.Job, error) {
	var jobs []*ingestion.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row error: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows error: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*ingestion.Job, error) {
	var (
		jobID                       pgtype.UUID
		sourceFile, studyID         string
		status                      string
		progress                    int
		message, errDetail          string
		rowsTotal, loaded, rejected int64
		createdAt, lastUpdate       pgtype.Timestamptz
		startedAt, completedAt      pgtype.Timestamptz
	)

	if err := row.Scan(
		&jobID, &sourceFile, &studyID, &status, &progress, &message, &errDetail,
		&rowsTotal, &loaded, &rejected,
		&createdAt, &startedAt, &completedAt, &lastUpdate,
	); err != nil {
		return nil, err
	}

	timeline := ingestion.ReconstructTimeline(createdAt.Time, startedAt.Time, completedAt.Time, lastUpdate.Time)
	return ingestion.ReconstructJob(
		jobID.Bytes,
		sourceFile,
		studyID,
		ingestion.JobStatus(status),
		progress,
		message,
		errDetail,
		rowsTotal, loaded, rejected,
		timeline,
	), nil
}
