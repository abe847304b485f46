package http

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tenantguard/internal/attack"
	apierrors "tenantguard/internal/errors"
	"tenantguard/internal/middleware"
	"tenantguard/internal/websocket"
)

const tracerName = "tenantguard/transport/http"

// SecurityEngine is the attack engine surface exposed to administrators
type SecurityEngine interface {
	AnalyzeLogin(ctx context.Context, a attack.AuthAttempt) attack.LoginResult
	TrackSession(ctx context.Context, ev attack.SessionEvent) []attack.Violation
	DetectCoordinated(ctx context.Context, b attack.CoordinatedBatch) []attack.Violation
	SetEnabled(enabled bool)
	Enabled() bool
	Stats() attack.Stats
	Export() *attack.Snapshot
	Reset() int
}

// StreamStats reports the live violation feed
type StreamStats interface {
	Stats() websocket.HubStats
}

// SecurityHandler serves the /admin/security API
type SecurityHandler struct {
	engine    SecurityEngine
	stream    StreamStats
	validator *middleware.ValidationMiddleware
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewSecurityHandler creates the handler. stream may be nil.
func NewSecurityHandler(engine SecurityEngine, stream StreamStats, validator *middleware.ValidationMiddleware, errHandler *apierrors.ErrorHandler, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{
		engine:    engine,
		stream:    stream,
		validator: validator,
		errors:    errHandler,
		logger:    logger.With(slog.String("handler", "security")),
	}
}

// Routes returns the router mounted at /admin/security
func (h *SecurityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.GetStats)
	r.Get("/export", h.Export)
	r.Put("/analysis", h.SetAnalysis)
	r.Delete("/state", h.ResetState)

	r.Route("/events", func(r chi.Router) {
		r.Post("/login", h.ReportLogin)
		r.Post("/session", h.ReportSession)
		r.Post("/coordinated", h.ReportCoordinated)
	})
	return r
}

// StatsResponse is returned by GET /admin/security/stats
type StatsResponse struct {
	attack.Stats
	Stream *websocket.HubStats `json:"stream,omitempty"`
}

// GetStats handles GET /admin/security/stats
func (h *SecurityHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Stats: h.engine.Stats()}
	if h.stream != nil {
		s := h.stream.Stats()
		resp.Stream = &s
	}
	render.JSON(w, r, resp)
}

// Export handles GET /admin/security/export?format=json|xlsx
func (h *SecurityHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "security_handler.export")
	defer span.End()

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	span.SetAttributes(attribute.String("export.format", format))

	snapshot := h.engine.Export()
	stamp := snapshot.GeneratedAt.UTC().Format("20060102T150405Z")

	switch format {
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attack-patterns-%s.json"`, stamp))
		render.JSON(w, r, snapshot)

	case "xlsx":
		var buf bytes.Buffer
		if err := attack.WriteWorkbook(snapshot, &buf); err != nil {
			span.RecordError(err)
			h.logger.ErrorContext(ctx, "failed to build export workbook", slog.String("error", err.Error()))
			h.errors.HandleError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attack-patterns-%s.xlsx"`, stamp))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())

	default:
		h.errors.HandleError(w, r, apierrors.NewWithDetails(
			http.StatusBadRequest,
			apierrors.CodeInvalidRequest,
			"Unsupported export format",
			map[string]interface{}{"format": format, "allowed": []string{"json", "xlsx"}},
		))
		return
	}

	h.logger.InfoContext(ctx, "attack pattern data exported",
		slog.String("format", format),
		slog.String("client", middleware.APIClientFromContext(ctx)),
		slog.Int("brute_force_sources", len(snapshot.BruteForce)),
		slog.Int("sessions", len(snapshot.Sessions)))
}

// AnalysisRequest toggles the detectors
type AnalysisRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetAnalysis handles PUT /admin/security/analysis
func (h *SecurityHandler) SetAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if !h.validator.Decode(w, r, &req) {
		return
	}

	previous := h.engine.Enabled()
	h.engine.SetEnabled(*req.Enabled)
	h.logger.WarnContext(r.Context(), "attack analysis toggled",
		slog.Bool("enabled", *req.Enabled),
		slog.Bool("previous", previous),
		slog.String("client", middleware.APIClientFromContext(r.Context())))

	render.JSON(w, r, map[string]interface{}{
		"enabled":  *req.Enabled,
		"previous": previous,
	})
}

// ResetState handles DELETE /admin/security/state
func (h *SecurityHandler) ResetState(w http.ResponseWriter, r *http.Request) {
	removed := h.engine.Reset()
	h.logger.WarnContext(r.Context(), "attack detector state reset",
		slog.Int("removed", removed),
		slog.String("client", middleware.APIClientFromContext(r.Context())))
	render.JSON(w, r, map[string]interface{}{"removed": removed})
}

// LoginEventRequest reports one authentication outcome observed elsewhere
type LoginEventRequest struct {
	IP        string     `json:"ip" validate:"required,ip"`
	Username  string     `json:"username" validate:"max=256,credential"`
	Password  string     `json:"password" validate:"max=1024,credential"`
	Success   bool       `json:"success"`
	TenantID  string     `json:"tenantId" validate:"max=128"`
	UserAgent string     `json:"userAgent" validate:"max=1024"`
	SessionID string     `json:"sessionId" validate:"max=256"`
	Timestamp *time.Time `json:"timestamp"`
}

// ReportLogin handles POST /admin/security/events/login
func (h *SecurityHandler) ReportLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginEventRequest
	if !h.validator.Decode(w, r, &req) {
		return
	}

	res := h.engine.AnalyzeLogin(r.Context(), attack.AuthAttempt{
		IP:        req.IP,
		Username:  req.Username,
		Password:  req.Password,
		Success:   req.Success,
		TenantID:  req.TenantID,
		UserAgent: req.UserAgent,
		SessionID: req.SessionID,
		Timestamp: timestamp(req.Timestamp),
	})
	render.JSON(w, r, res)
}

// SessionEventRequest reports activity on an authenticated session
type SessionEventRequest struct {
	SessionID string     `json:"sessionId" validate:"required,max=256"`
	IP        string     `json:"ip" validate:"required,ip"`
	UserAgent string     `json:"userAgent" validate:"max=1024"`
	UserID    string     `json:"userId" validate:"max=256"`
	TenantID  string     `json:"tenantId" validate:"max=128"`
	Timestamp *time.Time `json:"timestamp"`
}

// ReportSession handles POST /admin/security/events/session
func (h *SecurityHandler) ReportSession(w http.ResponseWriter, r *http.Request) {
	var req SessionEventRequest
	if !h.validator.Decode(w, r, &req) {
		return
	}

	violations := h.engine.TrackSession(r.Context(), attack.SessionEvent{
		SessionID: req.SessionID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		Timestamp: timestamp(req.Timestamp),
	})
	render.JSON(w, r, violationsResponse(violations))
}

// CoordinatedEventRequest reports a batch of related events
type CoordinatedEventRequest struct {
	AttackType    string                 `json:"attackType" validate:"required,max=128"`
	SourceIPs     []string               `json:"sourceIPs" validate:"required,min=1,max=10000,dive,ip"`
	TargetTenants []string               `json:"targetTenants" validate:"max=10000,dive,max=128"`
	Signature     string                 `json:"attackSignature" validate:"max=256"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     *time.Time             `json:"timestamp"`
}

// ReportCoordinated handles POST /admin/security/events/coordinated
func (h *SecurityHandler) ReportCoordinated(w http.ResponseWriter, r *http.Request) {
	var req CoordinatedEventRequest
	if !h.validator.Decode(w, r, &req) {
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "security_handler.coordinated",
		trace.WithAttributes(
			attribute.String("attack.type", req.AttackType),
			attribute.Int("attack.source_ips", len(req.SourceIPs)),
			attribute.Int("attack.target_tenants", len(req.TargetTenants)),
		))
	defer span.End()

	violations := h.engine.DetectCoordinated(ctx, attack.CoordinatedBatch{
		AttackType:    req.AttackType,
		SourceIPs:     req.SourceIPs,
		TargetTenants: req.TargetTenants,
		Signature:     req.Signature,
		Payload:       req.Payload,
		Timestamp:     timestamp(req.Timestamp),
	})
	span.SetAttributes(attribute.Int("attack.violations", len(violations)))
	render.JSON(w, r, violationsResponse(violations))
}

func violationsResponse(vs []attack.Violation) map[string]interface{} {
	if vs == nil {
		vs = []attack.Violation{}
	}
	return map[string]interface{}{"violations": vs}
}

func timestamp(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
