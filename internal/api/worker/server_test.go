package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appingestion "github.com/clinipipe/clinipipe/internal/app/ingestion"
	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/infra/sourcestore"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

const testCSV = `study_id,participant_id,site_id,measurement_type,value,unit,timestamp
STUDY-001,P-001,SITE-01,weight,82.5,kg,2024-06-15T08:30:00Z
STUDY-001,P-002,SITE-01,heart_rate,72,bpm,2024-06-15T09:00:00Z
STUDY-001,P-003,SITE-01,glucose,105,mg/dL,2024-06-15T09:30:00Z
`

// fakeLoader accepts every batch without touching a database.
type fakeLoader struct{}

func (fakeLoader) LoadBatch(_ context.Context, rows []domain.LoadRow, _ float64) (domain.BatchResult, error) {
	return domain.BatchResult{Loaded: int64(len(rows)), Inserted: int64(len(rows))}, nil
}

func (fakeLoader) ListMeasurements(context.Context, domain.MeasurementFilter) ([]*domain.Measurement, error) {
	return nil, nil
}

type noopMetrics struct{}

func (noopMetrics) IncJobsAccepted(context.Context)                         {}
func (noopMetrics) IncJobsCompleted(context.Context)                        {}
func (noopMetrics) IncJobsFailed(context.Context)                           {}
func (noopMetrics) ObserveJobDuration(context.Context, time.Duration)       {}
func (noopMetrics) ObserveBatchLoadDuration(context.Context, time.Duration) {}
func (noopMetrics) AddRowsLoaded(context.Context, int64)                    {}
func (noopMetrics) AddRowsRejected(context.Context, string, int64)          {}

type apiSuite struct {
	server   *Server
	registry *appingestion.Registry
	sources  *sourcestore.Memory
}

func newTestServer(t *testing.T) *apiSuite {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	registry := appingestion.NewRegistry()
	sources := sourcestore.NewMemory()
	executor := appingestion.NewExecutor(registry, sources, fakeLoader{}, noopMetrics{}, log, tracer)
	t.Cleanup(executor.Stop)

	ready := new(atomic.Bool)
	ready.Store(true)

	server := NewServer(Config{
		Build:    "test",
		Executor: executor,
		Registry: registry,
		Ready:    ready,
		Log:      log,
		Tracer:   tracer,
	})

	return &apiSuite{server: server, registry: registry, sources: sources}
}

func (s *apiSuite) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

// statusFor polls the status endpoint until the job reaches a terminal state.
func (s *apiSuite) statusFor(t *testing.T, jobID uuid.UUID) jobStatusResponse {
	t.Helper()

	var resp jobStatusResponse
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/v1/jobs/"+jobID.String()+"/status", "")
		if rec.Code != http.StatusOK {
			return false
		}
		resp = jobStatusResponse{}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			return false
		}
		return domain.ParseJobStatus(resp.Status).IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "job never reached a terminal state")
	return resp
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestSubmitJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	suite := newTestServer(t)
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()

	rec := suite.do(t, http.MethodPost, "/v1/jobs",
		`{"job_id":"`+jobID.String()+`","source_file":"measurements.csv","study_id":"STUDY-001"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted submitJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))
	assert.Equal(t, jobID, accepted.JobID)
	assert.Equal(t, "pending", accepted.Status)

	status := suite.statusFor(t, jobID)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, int64(3), status.RowsTotal)
	assert.Equal(t, int64(3), status.RowsLoaded)
	assert.Equal(t, int64(0), status.RowsRejected)
	assert.False(t, status.UpdatedAt.IsZero())
}

func TestSubmitJobDuplicateConflicts(t *testing.T) {
	t.Parallel()
	suite := newTestServer(t)
	suite.sources.Add("measurements.csv", []byte(testCSV))
	jobID := uuid.New()
	body := `{"job_id":"` + jobID.String() + `","source_file":"measurements.csv"}`

	rec := suite.do(t, http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// A retried submission with the same id is acknowledged as a duplicate,
	// never as a second run.
	rec = suite.do(t, http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeDuplicateJob, decodeError(t, rec).Code)
	assert.Equal(t, 1, suite.registry.Len())
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "malformed JSON", body: "{oops", wantCode: codeInvalidRequest},
		{name: "missing job id", body: `{"source_file":"a.csv"}`, wantCode: codeValidationFailed},
		{name: "missing source file", body: `{"job_id":"` + uuid.NewString() + `"}`, wantCode: codeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newTestServer(t)

			rec := suite.do(t, http.MethodPost, "/v1/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
			assert.Zero(t, suite.registry.Len())
		})
	}
}

func TestJobStatusReportsFailure(t *testing.T) {
	t.Parallel()
	suite := newTestServer(t)
	jobID := uuid.New()

	// No source registered, so the job fails at open.
	rec := suite.do(t, http.MethodPost, "/v1/jobs",
		`{"job_id":"`+jobID.String()+`","source_file":"missing.csv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	status := suite.statusFor(t, jobID)
	assert.Equal(t, "failed", status.Status)
	assert.NotEmpty(t, status.ErrorDetail)
}

func TestJobStatusUnknownJob(t *testing.T) {
	t.Parallel()
	suite := newTestServer(t)

	rec := suite.do(t, http.MethodGet, "/v1/jobs/"+uuid.NewString()+"/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeJobUnknown, decodeError(t, rec).Code)
}

func TestJobStatusMalformedID(t *testing.T) {
	t.Parallel()
	suite := newTestServer(t)

	rec := suite.do(t, http.MethodGet, "/v1/jobs/not-a-uuid/status", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, decodeError(t, rec).Code)
}
