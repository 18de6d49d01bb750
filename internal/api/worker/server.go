// Package worker exposes the worker's HTTP surface: job submission and
// status probes answered from the in-memory registry.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
	appingestion "github.com/clinipipe/clinipipe/internal/app/ingestion"
	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// Error codes returned by the worker API.
const (
	codeInvalidRequest   = "invalid_request"
	codeValidationFailed = "validation_failed"
	codeDuplicateJob     = "duplicate_job"
	codeJobUnknown       = "job_unknown"
	codeInternal         = "internal_error"
)

// Config contains the dependencies for the worker API.
type Config struct {
	ListenAddr string
	Build      string

	Executor *appingestion.Executor
	Registry *appingestion.Registry

	Ready  *atomic.Bool
	Pinger health.Pinger

	Log     *logger.Logger
	Tracer  trace.Tracer
	Metrics mid.RequestMetrics
}

// Server is the worker's HTTP API.
type Server struct {
	cfg      Config
	logger   *logger.Logger
	router   *chi.Mux
	validate *validator.Validate
}

// NewServer constructs the worker API with all routes bound.
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
		logger:   cfg.Log.With("component", "worker_api"),
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

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/{jobID}/status", s.handleJobStatus)
	})
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API until the context is canceled, then drains in-flight
// requests before returning.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: otelhttp.NewHandler(s.router, "worker-api"),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown worker API", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting worker API", "addr", server.Addr)
	return server.ListenAndServe()
}

// submitJobRequest is the JSON body for POST /v1/jobs. The orchestrator
// supplies the job id so both sides agree on it before any work starts.
type submitJobRequest struct {
	JobID      uuid.UUID `json:"job_id" validate:"required"`
	SourceFile string    `json:"source_file" validate:"required"`
	StudyID    string    `json:"study_id"`
}

type submitJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "request body is not valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respond.Error(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	err := s.cfg.Executor.Submit(ctx, appingestion.JobRequest{
		JobID:      req.JobID,
		SourceFile: req.SourceFile,
		StudyID:    req.StudyID,
	})
	switch {
	case errors.Is(err, domain.ErrJobAlreadyExists):
		respond.Error(w, http.StatusConflict, codeDuplicateJob, fmt.Sprintf("job %s was already submitted", req.JobID))
		return
	case err != nil:
		s.logger.Error(ctx, "job submission rejected", "job_id", req.JobID, "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "job could not be accepted")
		return
	}

	respond.JSON(w, http.StatusAccepted, submitJobResponse{
		JobID:  req.JobID,
		Status: domain.JobStatusPending.String(),
	})
}

// jobStatusResponse is the snapshot served by GET /v1/jobs/{jobID}/status.
type jobStatusResponse struct {
	JobID        uuid.UUID `json:"job_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	RowsTotal    int64     `json:"rows_total"`
	RowsLoaded   int64     `json:"rows_loaded"`
	RowsRejected int64     `json:"rows_rejected"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, codeInvalidRequest, "job id must be a UUID")
		return
	}

	snap, err := s.cfg.Registry.Snapshot(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// This process has no record of the job, which the orchestrator
			// treats as a restart signal rather than a job failure.
			respond.Error(w, http.StatusNotFound, codeJobUnknown, fmt.Sprintf("no record of job %s", jobID))
			return
		}
		s.logger.Error(r.Context(), "status snapshot failed", "job_id", jobID, "error", err)
		respond.Error(w, http.StatusInternalServerError, codeInternal, "status could not be read")
		return
	}

	respond.JSON(w, http.StatusOK, jobStatusResponse{
		JobID:        snap.JobID,
		Status:       snap.Status.String(),
		Progress:     snap.Progress,
		Message:      snap.Message,
		ErrorDetail:  snap.ErrDetail,
		RowsTotal:    snap.RowsTotal,
		RowsLoaded:   snap.RowsLoaded,
		RowsRejected: snap.RowsRejected,
		UpdatedAt:    snap.UpdatedAt,
	})
}
