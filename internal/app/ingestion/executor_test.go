package ingestion

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/infra/sourcestore"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

const testCSV = `study_id,participant_id,site_id,measurement_type,value,unit,timestamp
STUDY-001,P-001,SITE-01,weight,82.5,kg,2024-06-15T08:30:00Z
STUDY-001,P-002,SITE-01,heart_rate,72,bpm,2024-06-15T09:00:00Z
STUDY-001,P-003,SITE-01,glucose,105,mg/dL,2024-06-15T09:30:00Z
STUDY-001,,SITE-01,weight,90,kg,2024-06-15T10:00:00Z
`

// fakeLoader implements domain.MeasurementRepository for executor tests.
type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	batches [][]domain.LoadRow

	err       error
	rejectRow int           // row number to reject as reference_not_found
	block     chan struct{} // when set, LoadBatch waits for ctx cancellation
}

func (f *fakeLoader) LoadBatch(ctx context.Context, rows []domain.LoadRow, qualityThreshold float64) (domain.BatchResult, error) {
	if f.block != nil {
		close(f.block)
		<-ctx.Done()
		return domain.BatchResult{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, rows)

	if f.err != nil {
		return domain.BatchResult{}, f.err
	}

	var result domain.BatchResult
	for _, r := range rows {
		if f.rejectRow != 0 && r.RowNumber == f.rejectRow {
			result.Rejections = append(result.Rejections, domain.Rejection{
				RowNumber: r.RowNumber,
				Reason:    domain.RejectionReferenceNotFound,
				Detail:    "participant vanished mid-batch",
			})
			continue
		}
		result.Loaded++
	}
	result.Inserted = result.Loaded
	return result, nil
}

func (f *fakeLoader) ListMeasurements(ctx context.Context, filter domain.MeasurementFilter) ([]*domain.Measurement, error) {
	return nil, nil
}

func (f *fakeLoader) loadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noopMetrics struct{}

func (noopMetrics) IncJobsAccepted(context.Context)                         {}
func (noopMetrics) IncJobsCompleted(context.Context)                        {}
func (noopMetrics) IncJobsFailed(context.Context)                           {}
func (noopMetrics) ObserveJobDuration(context.Context, time.Duration)       {}
func (noopMetrics) ObserveBatchLoadDuration(context.Context, time.Duration) {}
func (noopMetrics) AddRowsLoaded(context.Context, int64)                    {}
func (noopMetrics) AddRowsRejected(context.Context, string, int64)          {}

type executorTestSuite struct {
	registry *Registry
	sources  *sourcestore.Memory
	loader   *fakeLoader
	executor *Executor
}

func newExecutorTestSuite(t *testing.T, opts ...ExecutorOption) *executorTestSuite {
	t.Helper()

	registry := NewRegistry()
	sources := sourcestore.NewMemory()
	loader := &fakeLoader{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	executor := NewExecutor(registry, sources, loader, noopMetrics{}, log, tracer, opts...)
	t.Cleanup(executor.Stop)

	return &executorTestSuite{
		registry: registry,
		sources:  sources,
		loader:   loader,
		executor: executor,
	}
}

func waitForTerminal(t *testing.T, reg *Registry, jobID uuid.UUID) JobSnapshot {
	t.Helper()

	var snap JobSnapshot
	require.Eventually(t, func() bool {
		s, err := reg.Snapshot(jobID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "job never reached a terminal state")
	return snap
}

func TestExecutorCompletesJob(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "measurements.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.EqualValues(t, 4, snap.RowsTotal)
	assert.EqualValues(t, 3, snap.RowsLoaded)
	assert.EqualValues(t, 1, snap.RowsRejected)
	assert.Contains(t, snap.Message, "processed 4 rows: 3 loaded, 1 rejected")
	assert.Contains(t, snap.Message, string(domain.RejectionMissingField))
}

func TestExecutorFailsWhenSourceMissing(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "nope.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "source file not found or unreadable", snap.Message)
	assert.NotEmpty(t, snap.ErrDetail)
	assert.Zero(t, suite.loader.loadCalls())
}

func TestExecutorFailsOnUnusableHeader(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.sources.Add("broken.csv", []byte("participant_id,notes\nP-001,hello\n"))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "broken.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "source file could not be parsed", snap.Message)
}

func TestExecutorCompletesEmptyFile(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.sources.Add("header_only.csv", []byte("study_id,participant_id,site_id,measurement_type,value,unit,timestamp\n"))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "header_only.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, "processed 0 rows: 0 loaded, 0 rejected", snap.Message)
	assert.Zero(t, suite.loader.loadCalls())
}

func TestExecutorFailsOnBatchLoadError(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.loader.err = assert.AnError
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "measurements.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "batch load failed", snap.Message)
	assert.Contains(t, snap.ErrDetail, "batch 1")
}

func TestExecutorMergesLoaderRejections(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.loader.rejectRow = 2
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "measurements.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.EqualValues(t, 4, snap.RowsTotal)
	assert.EqualValues(t, 2, snap.RowsLoaded)
	assert.EqualValues(t, 2, snap.RowsRejected)
	assert.Contains(t, snap.Message, string(domain.RejectionReferenceNotFound))
}

func TestExecutorSplitsBatches(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t, WithBatchSize(1))
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "measurements.csv",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 3, suite.loader.loadCalls())
}

func TestExecutorAppliesDefaultStudy(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	csv := strings.Join([]string{
		"participant_id,site_id,measurement_type,value,unit,timestamp",
		"P-001,SITE-01,weight,82.5,kg,2024-06-15T08:30:00Z",
		"",
	}, "\n")
	suite.sources.Add("no_study.csv", []byte(csv))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "no_study.csv",
		StudyID:    "STUDY-042",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, suite.registry, jobID)
	require.Equal(t, domain.JobStatusCompleted, snap.Status)

	suite.loader.mu.Lock()
	defer suite.loader.mu.Unlock()
	require.Len(t, suite.loader.batches, 1)
	require.Len(t, suite.loader.batches[0], 1)
	assert.Equal(t, "STUDY-042", suite.loader.batches[0][0].Measurement.StudyID())
}

func TestExecutorRejectsDuplicateSubmission(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	req := JobRequest{JobID: jobID, SourceFile: "measurements.csv"}
	require.NoError(t, suite.executor.Submit(context.Background(), req))

	err := suite.executor.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyExists)
}

func TestExecutorValidatesRequest(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)

	err := suite.executor.Submit(context.Background(), JobRequest{SourceFile: "measurements.csv"})
	assert.Error(t, err)

	err = suite.executor.Submit(context.Background(), JobRequest{JobID: uuid.New()})
	assert.Error(t, err)
	assert.Zero(t, suite.registry.Len())
}

func TestExecutorStopCancelsInFlightJobs(t *testing.T) {
	t.Parallel()
	suite := newExecutorTestSuite(t)
	started := make(chan struct{})
	suite.loader.block = started
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	err := suite.executor.Submit(context.Background(), JobRequest{
		JobID:      jobID,
		SourceFile: "measurements.csv",
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("loader never saw the batch")
	}
	suite.executor.Stop()

	snap, err := suite.registry.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "batch load failed", snap.Message)
}
