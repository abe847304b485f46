package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"tenantguard/internal/attack"
	apierrors "tenantguard/internal/errors"
)

// AttackAnalyzer is the part of the attack engine request handling needs
type AttackAnalyzer interface {
	AnalyzeLogin(ctx context.Context, a attack.AuthAttempt) attack.LoginResult
	TrackSession(ctx context.Context, ev attack.SessionEvent) []attack.Violation
	BlockedUntil(ip string) (time.Time, bool)
}

// LoginObserver feeds authentication outcomes and session activity into the
// attack engine. Analysis is in memory; delivery of violations to sinks
// happens off the request path.
type LoginObserver struct {
	engine        AttackAnalyzer
	logger        *slog.Logger
	sessionHeader string
	now           func() time.Time
}

// NewLoginObserver creates an observer. sessionHeader names the request
// header carrying the session id, X-Session-ID when empty.
func NewLoginObserver(engine AttackAnalyzer, sessionHeader string, logger *slog.Logger) *LoginObserver {
	if sessionHeader == "" {
		sessionHeader = "X-Session-ID"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginObserver{
		engine:        engine,
		logger:        logger.With(slog.String("component", "login_observer")),
		sessionHeader: sessionHeader,
		now:           time.Now,
	}
}

// ObserveLogin reports one login outcome for r and returns the analysis
func (o *LoginObserver) ObserveLogin(r *http.Request, username, password string, success bool) attack.LoginResult {
	ctx := r.Context()
	res := o.engine.AnalyzeLogin(ctx, attack.AuthAttempt{
		IP:        ClientIP(r),
		Username:  username,
		Password:  password,
		Success:   success,
		TenantID:  TenantIDFromContext(ctx),
		UserAgent: r.UserAgent(),
		SessionID: r.Header.Get(o.sessionHeader),
	})
	if len(res.Violations) > 0 {
		o.logger.DebugContext(ctx, "login analysed",
			slog.Int("violations", len(res.Violations)),
			slog.Bool("blocked", res.Blocked),
			slog.String("threat_level", res.ThreatLevel.String()))
	}
	return res
}

// BlockGuard rejects requests from source IPs under an active brute force
// block with 429 and a Retry-After header
func (o *LoginObserver) BlockGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		until, blocked := o.engine.BlockedUntil(ClientIP(r))
		if !blocked {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		retryAfter := int(math.Ceil(until.Sub(o.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		o.logger.WarnContext(ctx, "request from blocked source rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"blocked_until", until,
		)

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		problem := apierrors.NewProblemDetails(
			http.StatusTooManyRequests,
			apierrors.TypeRateLimit,
			"Too Many Requests",
			"Too many failed login attempts from this address",
			r.URL.Path,
		).WithExtension("error", apierrors.CodeRateLimitExceeded).
			WithExtension("trace_id", GetRequestID(ctx)).
			WithExtension("blockedUntil", until.UTC())
		render.Render(w, r, problem)
	})
}

// TrackSessions reports every request that carries a session id
func (o *LoginObserver) TrackSessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID := r.Header.Get(o.sessionHeader); sessionID != "" {
			ctx := r.Context()
			o.engine.TrackSession(ctx, attack.SessionEvent{
				SessionID: sessionID,
				IP:        ClientIP(r),
				UserAgent: r.UserAgent(),
				UserID:    UserIDFromContext(ctx),
				TenantID:  TenantIDFromContext(ctx),
			})
		}
		next.ServeHTTP(w, r)
	})
}
