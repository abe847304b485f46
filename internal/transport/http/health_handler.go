package http

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/render"

	"tenantguard/internal/license"
)

// HealthChecker probes the gateway and its backing stores
type HealthChecker interface {
	Check(ctx context.Context) *license.HealthCheckResult
}

// BuildInfo identifies the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checker   HealthChecker
	build     BuildInfo
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker HealthChecker, build BuildInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		build:     build,
		startedAt: time.Now(),
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. It only reports that the process
// is serving; dependencies are probed by ReadinessCheck.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "ok",
		"version": h.build.Version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// ReadinessCheck handles GET /api/health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	result := h.checker.Check(r.Context())
	if result.OverallStatus == license.HealthStatusUnhealthy {
		h.logger.WarnContext(r.Context(), "readiness check failed",
			slog.String("message", result.Message),
			slog.String("duration", result.Duration))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"version":   h.build.Version,
		"commit":    h.build.Commit,
		"buildTime": h.build.BuildTime,
		"goVersion": runtime.Version(),
	})
}
