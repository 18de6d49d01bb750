// Package workerclient is the HTTP implementation of the orchestrator's
// WorkerClient port. It classifies transport failures so the reconciler can
// tell a dead worker apart from one that answered and rejected the request.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinipipe/clinipipe/internal/app/orchestration"
	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

const (
	submitPath = "/v1/jobs"

	// codeJobUnknown is the error code the worker's status endpoint returns
	// for job ids it has no record of, typically after a restart.
	codeJobUnknown = "job_unknown"

	defaultRequestTimeout = 30 * time.Second

	// submitMaxRetries bounds retries after the first attempt, so a
	// submission is tried at most three times before it is declared failed.
	submitMaxRetries = 2
)

// Client talks to a single worker's HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// newSubmitBackOff builds the retry policy for one submission. BackOff
	// values are stateful, so each Submit call needs a fresh one.
	newSubmitBackOff func() backoff.BackOff

	logger *logger.Logger
	tracer trace.Tracer
}

var _ orchestration.WorkerClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, including its
// transport and timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSubmitBackOff overrides the submission retry policy.
func WithSubmitBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newSubmitBackOff = fn }
}

// NewClient creates a worker client for the given base URL. The default
// transport is instrumented with otelhttp so every request carries a span.
func NewClient(baseURL string, log *logger.Logger, tracer trace.Tracer, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("worker base URL is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		newSubmitBackOff: defaultSubmitBackOff,
		logger:           log.With("component", "worker_client"),
		tracer:           tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func defaultSubmitBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(policy, submitMaxRetries)
}

// submitRequest is the JSON body for POST /v1/jobs.
type submitRequest struct {
	JobID      uuid.UUID `json:"job_id"`
	SourceFile string    `json:"source_file"`
	StudyID    string    `json:"study_id,omitempty"`
}

// statusResponse is the worker's job snapshot from GET /v1/jobs/{id}/status.
type statusResponse struct {
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

// errorResponse is the worker's JSON error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit forwards a job to the worker, retrying transient failures with
// exponential backoff before giving up. A 409 means the worker already holds
// this job id from an earlier attempt; submission is idempotent, so that
// counts as accepted.
func (c *Client) Submit(ctx context.Context, req orchestration.JobRequest) error {
	ctx, span := c.tracer.Start(ctx, "worker_client.submit",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("source_file", req.SourceFile),
		))
	defer span.End()

	body, err := json.Marshal(submitRequest{
		JobID:      req.JobID,
		SourceFile: req.SourceFile,
		StudyID:    req.StudyID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal request")
		return fmt.Errorf("marshal submit request: %w", err)
	}

	operation := func() error { return c.trySubmit(ctx, body) }
	notify := func(err error, delay time.Duration) {
		c.logger.Warn(ctx, "worker submission attempt failed; retrying",
			"job_id", req.JobID, "delay", delay, "error", err)
	}

	policy := backoff.WithContext(c.newSubmitBackOff(), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return fmt.Errorf("submit job %s to worker: %w", req.JobID, err)
	}

	span.SetStatus(codes.Ok, "job submitted")
	return nil
}

func (c *Client) trySubmit(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build submit request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network-level failures are the transient case retries exist for.
		return fmt.Errorf("submit request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	case isGatewayStatus(resp.StatusCode):
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	default:
		data, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("worker rejected submission (status %d): %s", resp.StatusCode, data))
	}
}

// JobStatus asks the worker for its live view of a job. Probes are
// single-shot: the caller's poll timeout is the whole budget, and a failed
// probe degrades to the persisted record rather than being retried here.
func (c *Client) JobStatus(ctx context.Context, jobID uuid.UUID) (orchestration.RemoteStatus, error) {
	ctx, span := c.tracer.Start(ctx, "worker_client.job_status",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	url := fmt.Sprintf("%s/v1/jobs/%s/status", c.baseURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return orchestration.RemoteStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Dial failures, timeouts, and canceled probes all mean the worker
		// could not be consulted, not that the job failed.
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker unreachable")
		return orchestration.RemoteStatus{}, fmt.Errorf("status probe for job %s: %w: %v", jobID, domain.ErrWorkerUnreachable, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decoding below.
	case resp.StatusCode == http.StatusNotFound:
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Code == codeJobUnknown {
			span.SetStatus(codes.Error, "worker has no record of job")
			return orchestration.RemoteStatus{}, fmt.Errorf("job %s: %w", jobID, domain.ErrWorkerForgotJob)
		}
		span.SetStatus(codes.Error, "unexpected 404")
		return orchestration.RemoteStatus{}, fmt.Errorf("unexpected 404 from worker for job %s (code %q)", jobID, apiErr.Code)
	case isGatewayStatus(resp.StatusCode):
		span.SetStatus(codes.Error, "worker unreachable")
		return orchestration.RemoteStatus{}, fmt.Errorf("worker returned status %d: %w", resp.StatusCode, domain.ErrWorkerUnreachable)
	default:
		data, _ := io.ReadAll(resp.Body)
		span.SetStatus(codes.Error, "unexpected response")
		return orchestration.RemoteStatus{}, fmt.Errorf("unexpected status %d from worker: %s", resp.StatusCode, data)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return orchestration.RemoteStatus{}, fmt.Errorf("decode status response for job %s: %w", jobID, err)
	}

	status := domain.ParseJobStatus(body.Status)
	if status == "" {
		span.SetStatus(codes.Error, "unrecognized status")
		return orchestration.RemoteStatus{}, fmt.Errorf("worker reported unrecognized status %q for job %s", body.Status, jobID)
	}

	span.SetStatus(codes.Ok, "status retrieved")
	return orchestration.RemoteStatus{
		Status:       status,
		Progress:     body.Progress,
		Message:      body.Message,
		ErrDetail:    body.ErrorDetail,
		RowsTotal:    body.RowsTotal,
		RowsLoaded:   body.RowsLoaded,
		RowsRejected: body.RowsRejected,
		UpdatedAt:    body.UpdatedAt,
	}, nil
}

// isGatewayStatus reports whether the status code signals an intermediary in
// front of a dead or overloaded worker rather than an answer from the worker
// itself.
func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}
