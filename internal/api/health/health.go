// Package health binds the liveness and readiness endpoints both binaries
// expose.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinipipe/clinipipe/internal/api/respond"
	"github.com/clinipipe/clinipipe/pkg/common/logger"
)

// readinessProbeTimeout bounds the dependency ping so a wedged database
// cannot hang the orchestrator's health checks.
const readinessProbeTimeout = 2 * time.Second

// Pinger checks a dependency the service cannot serve traffic without.
// pgxpool.Pool satisfies it directly.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config contains all the mandatory systems required by the handlers.
type Config struct {
	Build string
	Log   *logger.Logger

	// Ready is flipped by the main goroutine once startup has finished.
	Ready *atomic.Bool

	// Pinger is probed on readiness checks. A nil Pinger skips the probe.
	Pinger Pinger
}

// Routes binds the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/v1/health", liveness(cfg))
	r.Get("/v1/readiness", readiness(cfg))
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil && !cfg.Ready.Load() {
			respond.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}

		if cfg.Pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessProbeTimeout)
			defer cancel()

			if err := cfg.Pinger.Ping(ctx); err != nil {
				cfg.Log.Error(ctx, "readiness probe failed", "error", err)
				respond.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
				return
			}
		}

		respond.JSON(w, http.StatusOK, healthResponse{Status: "ready"})
	}
}
