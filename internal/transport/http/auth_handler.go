package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"

	apierrors "tenantguard/internal/errors"
	"tenantguard/internal/license"
	"tenantguard/internal/middleware"
)

// Authenticator checks a username and password for a tenant
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID, username, password string) (bool, error)
}

// StaticAuthenticator accepts a fixed set of users with bcrypt hashed
// passwords, shared by every tenant
type StaticAuthenticator struct {
	users map[string][]byte
}

// NewStaticAuthenticator parses "username:bcrypt-hash" entries
func NewStaticAuthenticator(entries []string) (*StaticAuthenticator, error) {
	a := &StaticAuthenticator{users: make(map[string][]byte, len(entries))}
	for _, entry := range entries {
		username, hash, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || username == "" || hash == "" {
			return nil, fmt.Errorf("invalid login user entry %q: expected username:hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid password hash for %q: %w", username, err)
		}
		a.users[username] = []byte(hash)
	}
	return a, nil
}

// Authenticate implements Authenticator
func (a *StaticAuthenticator) Authenticate(_ context.Context, _, username, password string) (bool, error) {
	hash, ok := a.users[username]
	if !ok {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

// AuthHandler serves login and the tenant facing license endpoints
type AuthHandler struct {
	auth      Authenticator
	observer  *middleware.LoginObserver
	licenses  *middleware.LicenseValidator
	validator *middleware.ValidationMiddleware
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewAuthHandler creates the handler
func NewAuthHandler(
	auth Authenticator,
	observer *middleware.LoginObserver,
	licenses *middleware.LicenseValidator,
	validator *middleware.ValidationMiddleware,
	errHandler *apierrors.ErrorHandler,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		auth:      auth,
		observer:  observer,
		licenses:  licenses,
		validator: validator,
		errors:    errHandler,
		logger:    logger.With(slog.String("handler", "auth")),
	}
}

// Routes returns the router mounted at /api
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.observer.BlockGuard).Post("/auth/login", h.Login)
	r.Get("/license/me", h.LicenseInfo)
	r.Get("/modules/{module}/usage/{limitType}", h.ModuleUsage)
	return r
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=256,credential"`
	Password string `json:"password" validate:"required,max=1024,credential"`
}

// LoginResponse is returned on successful authentication
type LoginResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username"`
	TenantID      string `json:"tenantId,omitempty"`
	ThreatLevel   string `json:"threatLevel"`
}

// Login handles POST /api/auth/login. Every outcome is reported to the
// attack engine; the attempt that trips a block is answered with 429.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.validator.Decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	tenantID := middleware.TenantIDFromContext(ctx)

	ok, err := h.auth.Authenticate(ctx, tenantID, req.Username, req.Password)
	if err != nil {
		h.logger.ErrorContext(ctx, "authentication backend failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		h.errors.HandleError(w, r, apierrors.ErrServiceUnavailable)
		return
	}

	res := h.observer.ObserveLogin(r, req.Username, req.Password, ok)
	if res.Blocked && res.BlockedUntil != nil {
		retryAfter := int(math.Ceil(time.Until(*res.BlockedUntil).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.errors.HandleError(w, r, apierrors.NewWithDetails(
			http.StatusTooManyRequests,
			apierrors.CodeRateLimitExceeded,
			"Too many failed login attempts from this address",
			map[string]interface{}{"blockedUntil": res.BlockedUntil.UTC()},
		))
		return
	}

	if !ok {
		h.errors.HandleError(w, r, apierrors.New(http.StatusUnauthorized, apierrors.CodeUnauthorized, "Invalid username or password"))
		return
	}

	h.logger.InfoContext(ctx, "login succeeded",
		slog.String("tenant_id", tenantID),
		slog.String("username", req.Username),
		slog.String("threat_level", res.ThreatLevel.String()))
	render.JSON(w, r, LoginResponse{
		Authenticated: true,
		Username:      req.Username,
		TenantID:      tenantID,
		ThreatLevel:   res.ThreatLevel.String(),
	})
}

// LicenseInfo handles GET /api/license/me
func (h *AuthHandler) LicenseInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantIDFromContext(ctx)
	if tenantID == "" {
		h.errors.HandleError(w, r, license.TenantRequiredError())
		return
	}
	info := middleware.LicenseInfoFromContext(ctx)
	if info == nil {
		h.errors.HandleError(w, r, license.LicenseRequiredError(tenantID))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"tenantId": tenantID,
		"license":  info,
	})
}

// ModuleUsage handles GET /api/modules/{module}/usage/{limitType}. The
// module and usage checks run as middleware built for the requested module.
func (h *AuthHandler) ModuleUsage(w http.ResponseWriter, r *http.Request) {
	if middleware.TenantIDFromContext(r.Context()) == "" {
		h.errors.HandleError(w, r, license.TenantRequiredError())
		return
	}

	module := license.ModuleKey(strings.ToLower(chi.URLParam(r, "module")))
	limitType := chi.URLParam(r, "limitType")

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		render.JSON(w, r, map[string]interface{}{
			"tenantId": middleware.TenantIDFromContext(ctx),
			"module":   middleware.ModuleLicenseFromContext(ctx),
			"usage":    middleware.UsageLimitFromContext(ctx),
		})
	})

	h.licenses.RequireModuleLicense(module)(
		h.licenses.CheckUsageLimit(module, limitType)(final),
	).ServeHTTP(w, r)
}
