// Package ingestion exposes the orchestrator's HTTP surface: submitting
// ingestions, querying reconciled job status, and the read-only measurement
// and aggregate endpoints.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinipipe/clinipipe/internal/api/health"
	"github.com/clinipipe/clinipipe/internal/api/mid"
	"github.com/clinipipe/clinipipe/internal/api/respond"
	"github.com/clinipipe/clinipipe/internal/app/orchestration"
	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// Error codes returned by the orchestrator API.
const (
	codeInvalidRequest   = "invalid_request"
	codeValidationFailed = "validation_failed"
	codeJobNotFound      = "job_not_found"
	codeInternal         = "internal_error"
)

// Config contains the dependencies for the orchestrator API.
type Config struct {
	ListenAddr string
	Build      string

	Service *orchestration.Service

	Ready  *atomic.Bool
	Pinger health.Pinger

	Log     *logger.Logger
	Tracer  trace.Tracer
	Metrics mid.RequestMetrics
}

// Server is the orchestrator's HTTP API.
type Server struct {
	cfg      Config
	logger   *logger.Logger
	router   *chi.Mux
	validate *validator.Validate
}

// NewServer constructs the orchestrator API with all routes bound.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Logger(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(mid.Metrics(cfg.Metrics))
	}
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Log.With("component", "orchestrator_api"),
		router:   r,
		validate: validator.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	health.Routes(s.router, health.Config{
		Build:  s.cfg.Build,
		Log:    s.cfg.Log,
		Ready:  s.cfg.Ready,
		Pinger: s.cfg.Pinger,
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/ingestions", func(r chi.Router) {
			r.Post("/", s.handleSubmitIngestion)
			r.Get("/", s.handleListIngestions)
			r.Get("/{jobID}", s.handleIngestionStatus)
			r.Get("/{jobID}/detail", s.handleIngestionDetail)
		})

		r.Get("/measurements", s.handleListMeasurements)
		r.Get("/aggregations", s.handleListAggregates)
	})
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API until the context is canceled, then drains in-flight
// requests before returning.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: otelhttp.NewHandler(s.router, "orchestrator-api"),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown orchestrator API", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting orchestrator API", "addr", server.Addr)
	return server.ListenAndServe()
}

// jobResponse is the persisted job record as served to clients.
type jobResponse struct {
	JobID        uuid.UUID  `json:"job_id"`
	SourceFile   string     `json:"source_file"`
	StudyID      string     `json:"study_id,omitempty"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	RowsTotal    int64      `json:"rows_total"`
	RowsLoaded   int64      `json:"rows_loaded"`
	RowsRejected int64      `json:"rows_rejected"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toJobResponse(job *domain.Job) jobResponse {
	total, loaded, rejected := job.RowCounts()
	resp := jobResponse{
		JobID:        job.JobID(),
		SourceFile:   job.SourceFile(),
		StudyID:      job.StudyID(),
		Status:       job.Status().String(),
		Progress:     job.Progress(),
		Message:      job.Message(),
		ErrorDetail:  job.ErrDetail(),
		RowsTotal:    total,
		RowsLoaded:   loaded,
		RowsRejected: rejected,
		CreatedAt:    job.CreatedAt(),
		UpdatedAt:    job.LastUpdateTime(),
	}
	if started := job.StartTime(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if end, done := job.EndTime(); done {
		resp.CompletedAt = &end
	}
	return resp
}

// submitIngestionRequest is the JSON body for POST /v1/ingestions.
type submitIngestionRequest struct {
	SourceFile string `json:"source_file" validate:"required"`
	StudyID    string `json:"study_id"`
}

func (s *Server) handleSubmitIngestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitIngestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respond.Error(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	// A job record always comes back on success, even when forwarding to the
	// worker failed and the record is already failed.
	job, err := s.cfg.Service.SubmitIngestion(ctx, req.SourceFile, req.StudyID)
	if err != nil {
		s.logger.Error(ctx, "ingestion submission failed", "source_file", req.SourceFile, "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "ingestion could not be submitted")
		return
	}

	respond.JSON(w, http.StatusOK, toJobResponse(job))
}

// ingestionStatusResponse is a job record plus staleness markers for when the
// worker could not be consulted.
type ingestionStatusResponse struct {
	jobResponse
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
}

func (s *Server) handleIngestionStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "job id must be a UUID")
		return
	}

	view, err := s.cfg.Service.JobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			respond.Error(w, http.StatusNotFound, codeJobNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.logger.Error(r.Context(), "status query failed", "job_id", jobID, "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "status could not be determined")
		return
	}

	respond.JSON(w, http.StatusOK, ingestionStatusResponse{
		jobResponse: toJobResponse(view.Job),
		Stale:       view.Stale,
		StaleReason: view.StaleReason,
	})
}

func (s *Server) handleIngestionDetail(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "job id must be a UUID")
		return
	}

	job, err := s.cfg.Service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			respond.Error(w, http.StatusNotFound, codeJobNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.logger.Error(r.Context(), "job detail query failed", "job_id", jobID, "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "job could not be read")
		return
	}

	respond.JSON(w, http.StatusOK, toJobResponse(job))
}

type listJobsResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	var filter domain.JobFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.ParseJobStatus(raw)
		if status == "" {
			respond.Error(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("unrecognized status %q", raw))
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "offset must be an integer")
		return
	}

	jobs, err := s.cfg.Service.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error(r.Context(), "job listing failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "jobs could not be listed")
		return
	}

	resp := listJobsResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	respond.JSON(w, http.StatusOK, resp)
}

// measurementResponse is one stored measurement as served to clients.
type measurementResponse struct {
	ID              uuid.UUID `json:"id"`
	StudyID         string    `json:"study_id"`
	ParticipantID   string    `json:"participant_id"`
	SiteID          string    `json:"site_id,omitempty"`
	MeasurementType string    `json:"measurement_type"`
	Value           string    `json:"value"`
	Unit            string    `json:"unit,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	QualityScore    float64   `json:"quality_score"`
	ValueNum        *float64  `json:"value_num,omitempty"`
	BPSystolic      *float64  `json:"bp_systolic,omitempty"`
	BPDiastolic     *float64  `json:"bp_diastolic,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

type listMeasurementsResponse struct {
	Measurements []measurementResponse `json:"measurements"`
}

func (s *Server) handleListMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MeasurementFilter{
		StudyID:       q.Get("study_id"),
		ParticipantID: q.Get("participant_id"),
		SiteID:        q.Get("site_id"),
		Unit:          q.Get("unit"),
	}

	if raw := q.Get("type"); raw != "" {
		mt, ok := domain.ParseMeasurementType(raw)
		if !ok {
			respond.Error(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("unrecognized measurement type %q", raw))
			return
		}
		filter.MeasurementType = mt
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "from must be an RFC 3339 timestamp or YYYY-MM-DD date")
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "to must be an RFC 3339 timestamp or YYYY-MM-DD date")
		return
	}
	if raw := q.Get("min_quality"); raw != "" {
		minQuality, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "min_quality must be a number")
			return
		}
		filter.MinQuality = &minQuality
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "offset must be an integer")
		return
	}

	measurements, err := s.cfg.Service.QueryMeasurements(r.Context(), filter)
	if err != nil {
		s.logger.Error(r.Context(), "measurement query failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "measurements could not be queried")
		return
	}

	resp := listMeasurementsResponse{Measurements: make([]measurementResponse, 0, len(measurements))}
	for _, m := range measurements {
		resp.Measurements = append(resp.Measurements, measurementResponse{
			ID:              m.ID(),
			StudyID:         m.StudyID(),
			ParticipantID:   m.ParticipantID(),
			SiteID:          m.SiteID(),
			MeasurementType: m.MeasurementType().String(),
			Value:           m.Value(),
			Unit:            m.Unit(),
			Timestamp:       m.Timestamp(),
			QualityScore:    m.QualityScore(),
			ValueNum:        m.ValueNum(),
			BPSystolic:      m.BPSystolic(),
			BPDiastolic:     m.BPDiastolic(),
			ProcessedAt:     m.ProcessedAt(),
		})
	}
	respond.JSON(w, http.StatusOK, resp)
}

// aggregateResponse is one daily rollup row as served to clients. Day is the
// UTC calendar day in YYYY-MM-DD form.
type aggregateResponse struct {
	Day              string    `json:"day"`
	StudyID          string    `json:"study_id"`
	SiteID           string    `json:"site_id,omitempty"`
	ParticipantID    string    `json:"participant_id"`
	MeasurementType  string    `json:"measurement_type"`
	MeasurementCount int64     `json:"measurement_count"`
	ValueSampleCount int64     `json:"value_sample_count"`
	AvgValue         *float64  `json:"avg_value,omitempty"`
	MinValue         *float64  `json:"min_value,omitempty"`
	MaxValue         *float64  `json:"max_value,omitempty"`
	BPSampleCount    int64     `json:"bp_sample_count"`
	AvgSystolic      *float64  `json:"avg_systolic,omitempty"`
	AvgDiastolic     *float64  `json:"avg_diastolic,omitempty"`
	AvgQualityScore  float64   `json:"avg_quality_score"`
	LowQualityCount  int64     `json:"low_quality_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type listAggregatesResponse struct {
	Aggregates []aggregateResponse `json:"aggregates"`
}

func (s *Server) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AggregateFilter{
		StudyID:       q.Get("study_id"),
		SiteID:        q.Get("site_id"),
		ParticipantID: q.Get("participant_id"),
	}

	if raw := q.Get("type"); raw != "" {
		mt, ok := domain.ParseMeasurementType(raw)
		if !ok {
			respond.Error(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("unrecognized measurement type %q", raw))
			return
		}
		filter.MeasurementType = mt
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "from must be an RFC 3339 timestamp or YYYY-MM-DD date")
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "to must be an RFC 3339 timestamp or YYYY-MM-DD date")
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "offset must be an integer")
		return
	}

	buckets, err := s.cfg.Service.QueryAggregates(r.Context(), filter)
	if err != nil {
		s.logger.Error(r.Context(), "aggregate query failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "aggregates could not be queried")
		return
	}

	resp := listAggregatesResponse{Aggregates: make([]aggregateResponse, 0, len(buckets))}
	for _, b := range buckets {
		resp.Aggregates = append(resp.Aggregates, aggregateResponse{
			Day:              b.Key.Day.Format("2006-01-02"),
			StudyID:          b.Key.StudyID,
			SiteID:           b.Key.SiteID,
			ParticipantID:    b.Key.ParticipantID,
			MeasurementType:  b.Key.MeasurementType.String(),
			MeasurementCount: b.MeasurementCount,
			ValueSampleCount: b.ValueSampleCount,
			AvgValue:         b.AvgValue,
			MinValue:         b.MinValue,
			MaxValue:         b.MaxValue,
			BPSampleCount:    b.BPSampleCount,
			AvgSystolic:      b.AvgSystolic,
			AvgDiastolic:     b.AvgDiastolic,
			AvgQualityScore:  b.AvgQualityScore,
			LowQualityCount:  b.LowQualityCount,
			UpdatedAt:        b.UpdatedAt,
		})
	}
	respond.JSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// queryTime parses a time bound, accepting both full RFC 3339 timestamps and
// bare dates.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
