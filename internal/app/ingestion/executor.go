package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/etl"
	"github.com/clinipipe/clinipipe/internal/infra/sourcestore"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// Progress milestones reported to the registry as a job moves through its
// phases. Batch loading interpolates between progressLoading and
// progressLoaded so large files show movement.
const (
	progressSourceOpened = 10
	progressRowsParsed   = 30
	progressLoading      = 50
	progressLoaded       = 90
	progressAggregated   = 98
)

// DefaultMaxConcurrentJobs bounds how many ingestion jobs a worker runs at
// once. Submissions beyond the bound queue until a slot frees up.
const DefaultMaxConcurrentJobs = 4

// JobRequest carries everything the worker needs to run one ingestion job.
// The job id is assigned by the submitting side so both halves of the system
// agree on it before any work begins.
type JobRequest struct {
	JobID      uuid.UUID
	SourceFile string
	StudyID    string
}

// Executor accepts ingestion jobs and drives each one through the pipeline:
// open the source, parse and score every row, then load batches
// transactionally. All state changes flow through the registry, which is
// what the worker's status API answers from.
type Executor struct {
	registry *Registry
	sources  sourcestore.Store
	loader   domain.MeasurementRepository

	processor        *etl.Processor
	batchSize        int
	qualityThreshold float64

	sem *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics ExecutorMetrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBatchSize overrides the number of rows persisted per transaction.
func WithBatchSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxConcurrentJobs overrides how many jobs may run at once.
func WithMaxConcurrentJobs(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithQualityThreshold overrides the low-quality cutoff used when rolling
// measurements into the daily aggregates.
func WithQualityThreshold(t float64) ExecutorOption {
	return func(e *Executor) { e.qualityThreshold = t }
}

// NewExecutor constructs a worker executor. Jobs accepted through Submit run
// on their own goroutines until Stop is called.
func NewExecutor(
	registry *Registry,
	sources sourcestore.Store,
	loader domain.MeasurementRepository,
	metrics ExecutorMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...ExecutorOption,
) *Executor {
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		registry:         registry,
		sources:          sources,
		loader:           loader,
		processor:        etl.NewProcessor(),
		batchSize:        etl.DefaultBatchSize,
		qualityThreshold: etl.DefaultQualityThreshold,
		sem:              semaphore.NewWeighted(DefaultMaxConcurrentJobs),
		baseCtx:          baseCtx,
		cancel:           cancel,
		logger:           log.With("component", "ingestion_executor"),
		tracer:           tracer,
		metrics:          metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers the job as pending and launches it in the background.
// It returns ErrJobAlreadyExists for a duplicate id; otherwise acceptance is
// immediate and progress is observable through the registry.
func (e *Executor) Submit(ctx context.Context, req JobRequest) error {
	ctx, span := e.tracer.Start(ctx, "executor.submit",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("source_file", req.SourceFile),
		),
	)
	defer span.End()

	if req.JobID == uuid.Nil {
		span.SetStatus(codes.Error, "missing job id")
		return fmt.Errorf("job id is required")
	}
	if req.SourceFile == "" {
		span.SetStatus(codes.Error, "missing source file")
		return fmt.Errorf("source file is required")
	}

	if err := e.registry.Accept(req.JobID, req.SourceFile, req.StudyID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job not accepted")
		return err
	}
	e.metrics.IncJobsAccepted(ctx)
	e.logger.Info(ctx, "ingestion job accepted", "job_id", req.JobID, "source_file", req.SourceFile)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(e.baseCtx, req)
	}()

	span.SetStatus(codes.Ok, "job accepted")
	return nil
}

// Stop cancels in-flight jobs and waits for their goroutines to exit. The
// registry keeps whatever state each job reached; a restarted worker starts
// from an empty registry regardless.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, req JobRequest) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.fail(ctx, req.JobID, "worker shut down before the job started", err)
		e.metrics.IncJobsFailed(ctx)
		return
	}
	defer e.sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "executor.run_job",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("source_file", req.SourceFile),
		),
	)
	defer span.End()

	start := time.Now()
	if err := e.ingest(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		e.metrics.IncJobsFailed(ctx)
		return
	}
	span.SetStatus(codes.Ok, "job completed")
	e.metrics.IncJobsCompleted(ctx)
	e.metrics.ObserveJobDuration(ctx, time.Since(start))
}

// ingest walks one job through the full pipeline. Any returned error has
// already been recorded on the registry as the job's failure.
func (e *Executor) ingest(ctx context.Context, req JobRequest) error {
	log := e.logger.With("operation", "ingest", "job_id", req.JobID)

	src, err := e.sources.Open(ctx, req.SourceFile)
	if err != nil {
		e.fail(ctx, req.JobID, "source file not found or unreadable", err)
		return err
	}
	defer src.Close()

	if err := e.registry.Start(req.JobID); err != nil {
		e.fail(ctx, req.JobID, "job could not start", err)
		return err
	}
	if err := e.registry.Progress(req.JobID, progressSourceOpened, "source file opened"); err != nil {
		return err
	}

	candidates, rejections, total, err := e.parseRows(ctx, req, src)
	if err != nil {
		e.fail(ctx, req.JobID, "source file could not be parsed", err)
		return err
	}
	log.Info(ctx, "rows parsed",
		"rows_total", total, "candidates", len(candidates), "rejections", len(rejections))

	if err := e.registry.SetRowCounts(req.JobID, total, 0, int64(len(rejections))); err != nil {
		return err
	}
	if err := e.registry.Progress(req.JobID, progressRowsParsed, "rows parsed and scored"); err != nil {
		return err
	}

	loaded, loadRejections, err := e.loadBatches(ctx, req, candidates)
	if err != nil {
		e.fail(ctx, req.JobID, "batch load failed", err)
		return err
	}
	rejections = append(rejections, loadRejections...)

	if err := e.registry.Progress(req.JobID, progressAggregated, "aggregates merged"); err != nil {
		return err
	}

	for _, rej := range rejections {
		e.metrics.AddRowsRejected(ctx, string(rej.Reason), 1)
	}
	e.metrics.AddRowsLoaded(ctx, loaded)

	summary := domain.SummarizeRejections(rejections)
	message := domain.FinalJobMessage(total, loaded, summary)

	if err := e.registry.SetRowCounts(req.JobID, total, loaded, int64(summary.Total())); err != nil {
		return err
	}
	if err := e.registry.Complete(req.JobID, message); err != nil {
		e.fail(ctx, req.JobID, "job could not complete", err)
		return err
	}
	log.Info(ctx, "ingestion job completed", "message", message)
	return nil
}

// parseRows streams the CSV, turning each data row into a scored candidate
// or a structured rejection. Row numbers are 1-based over data rows, matching
// how the source systems report line problems.
func (e *Executor) parseRows(
	ctx context.Context,
	req JobRequest,
	src io.Reader,
) ([]domain.Candidate, []domain.Rejection, int64, error) {
	ctx, span := e.tracer.Start(ctx, "executor.parse_rows")
	defer span.End()

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1 // ragged rows become field-level rejections, not file errors
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// A file with no header has no rows either; treat as empty.
			span.AddEvent("empty_file")
			return nil, nil, 0, nil
		}
		return nil, nil, 0, fmt.Errorf("reading header: %w", err)
	}

	schema, err := etl.ResolveSchema(header, req.StudyID != "")
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resolving header: %w", err)
	}
	parser := etl.NewParser(schema, req.StudyID)

	var (
		candidates []domain.Candidate
		rejections []domain.Rejection
		rowNumber  int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, 0, fmt.Errorf("reading row %d: %w", rowNumber+1, err)
		}
		rowNumber++

		candidate, rejection := parser.ParseRow(rowNumber, record)
		if rejection != nil {
			rejections = append(rejections, *rejection)
			continue
		}
		candidates = append(candidates, candidate)
	}

	span.SetAttributes(
		attribute.Int("rows_total", rowNumber),
		attribute.Int("rows_rejected", len(rejections)),
	)
	return candidates, rejections, int64(rowNumber), nil
}

// loadBatches persists candidates batch by batch, reporting interpolated
// progress between the loading milestones. A whole-batch failure aborts the
// job with a BatchLoadError naming the batch.
func (e *Executor) loadBatches(
	ctx context.Context,
	req JobRequest,
	candidates []domain.Candidate,
) (int64, []domain.Rejection, error) {
	ctx, span := e.tracer.Start(ctx, "executor.load_batches",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))),
	)
	defer span.End()

	batches := etl.PlanBatches(candidates, e.batchSize)
	if len(batches) > 0 {
		if err := e.registry.Progress(req.JobID, progressLoading, "loading measurement batches"); err != nil {
			return 0, nil, err
		}
	}

	processedAt := time.Now().UTC()

	var (
		loaded     int64
		rejections []domain.Rejection
	)
	for i, batch := range batches {
		rows := make([]domain.LoadRow, 0, len(batch))
		for _, c := range batch {
			m, err := e.processor.Process(c, processedAt)
			if err != nil {
				return 0, nil, &domain.BatchLoadError{Batch: i + 1, Err: err}
			}
			rows = append(rows, domain.LoadRow{RowNumber: c.RowNumber, Measurement: m})
		}

		loadStart := time.Now()
		result, err := e.loader.LoadBatch(ctx, rows, e.qualityThreshold)
		if err != nil {
			return 0, nil, &domain.BatchLoadError{Batch: i + 1, Err: err}
		}
		e.metrics.ObserveBatchLoadDuration(ctx, time.Since(loadStart))

		loaded += result.Loaded
		rejections = append(rejections, result.Rejections...)

		pct := progressLoading + (i+1)*(progressLoaded-progressLoading)/len(batches)
		msg := fmt.Sprintf("loaded batch %d of %d", i+1, len(batches))
		if err := e.registry.Progress(req.JobID, pct, msg); err != nil {
			return 0, nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("batches", len(batches)),
		attribute.Int64("rows_loaded", loaded),
	)
	return loaded, rejections, nil
}

func (e *Executor) fail(ctx context.Context, jobID uuid.UUID, message string, cause error) {
	e.logger.Error(ctx, "ingestion job failed",
		"job_id", jobID, "message", message, "error", cause)
	if err := e.registry.Fail(jobID, message, cause.Error()); err != nil {
		e.logger.Error(ctx, "failed to record job failure", "job_id", jobID, "error", err)
	}
}
