package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "tenantguard/internal/errors"
	"tenantguard/internal/license"
	"tenantguard/internal/middleware"
)

// LicenseAdmin is the gateway surface exposed to administrators
type LicenseAdmin interface {
	InvalidateTenant(ctx context.Context, tenantID string) int
	ClearCache(ctx context.Context) int
	ClearRateLimits(ctx context.Context) (int, error)
	CacheStats() license.CacheStats
	RateLimitEntries() int
	MachineID() string
}

// LicenseAdminHandler serves the /admin/license API
type LicenseAdminHandler struct {
	gateway LicenseAdmin
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewLicenseAdminHandler creates the handler
func NewLicenseAdminHandler(gateway LicenseAdmin, errHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseAdminHandler {
	return &LicenseAdminHandler{
		gateway: gateway,
		errors:  errHandler,
		logger:  logger.With(slog.String("handler", "license_admin")),
	}
}

// Routes returns the router mounted at /admin/license
func (h *LicenseAdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cache/stats", h.GetCacheStats)
	r.Delete("/cache", h.ClearCache)
	r.Delete("/cache/{tenantID}", h.InvalidateTenant)
	r.Delete("/ratelimit", h.ClearRateLimits)
	return r
}

// CacheStatsResponse is returned by GET /admin/license/cache/stats
type CacheStatsResponse struct {
	license.CacheStats
	RateLimitEntries int    `json:"rateLimitEntries"`
	MachineID        string `json:"machineId"`
}

// GetCacheStats handles GET /admin/license/cache/stats
func (h *LicenseAdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, CacheStatsResponse{
		CacheStats:       h.gateway.CacheStats(),
		RateLimitEntries: h.gateway.RateLimitEntries(),
		MachineID:        h.gateway.MachineID(),
	})
}

// ClearCache handles DELETE /admin/license/cache
func (h *LicenseAdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	removed := h.gateway.ClearCache(ctx)
	h.logger.WarnContext(ctx, "license validation cache cleared",
		slog.Int("removed", removed),
		slog.String("client", middleware.APIClientFromContext(ctx)))
	render.JSON(w, r, map[string]interface{}{"removed": removed})
}

// InvalidateTenant handles DELETE /admin/license/cache/{tenantID}
func (h *LicenseAdminHandler) InvalidateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		h.errors.HandleError(w, r, apierrors.New(http.StatusBadRequest, apierrors.CodeInvalidRequest, "Tenant ID is required"))
		return
	}

	removed := h.gateway.InvalidateTenant(ctx, tenantID)
	h.logger.InfoContext(ctx, "tenant license cache invalidated",
		slog.String("tenant_id", tenantID),
		slog.Int("removed", removed),
		slog.String("client", middleware.APIClientFromContext(ctx)))
	render.JSON(w, r, map[string]interface{}{
		"tenantId": tenantID,
		"removed":  removed,
	})
}

// ClearRateLimits handles DELETE /admin/license/ratelimit
func (h *LicenseAdminHandler) ClearRateLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	removed, err := h.gateway.ClearRateLimits(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to clear authority rate limits", slog.String("error", err.Error()))
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.WarnContext(ctx, "authority rate limits cleared",
		slog.Int("removed", removed),
		slog.String("client", middleware.APIClientFromContext(ctx)))
	render.JSON(w, r, map[string]interface{}{"removed": removed})
}
