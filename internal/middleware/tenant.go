package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tenantguard/internal/config"
)

type contextKey string

const (
	tenantContextKey        contextKey = "tenant_id"
	userContextKey          contextKey = "user_id"
	licenseInfoContextKey   contextKey = "license_info"
	featureAccessContextKey contextKey = "feature_access"
	moduleLicenseContextKey contextKey = "module_license"
	usageLimitContextKey    contextKey = "usage_limit"
)

// TenantResolver attaches the caller's tenant ID to the request context.
// The tenant header wins over the bearer token claim. The subject of a
// verified bearer token is attached as the user ID. A bearer token that fails
// verification is ignored and the request continues without either.
type TenantResolver struct {
	header string
	claim  string
	secret []byte
	logger *slog.Logger
}

// NewTenantResolver creates a resolver from the tenant configuration
func NewTenantResolver(cfg config.TenantConfig, logger *slog.Logger) *TenantResolver {
	if logger == nil {
		logger = slog.Default()
	}
	header := cfg.Header
	if header == "" {
		header = "X-Tenant-ID"
	}
	claim := cfg.JWTClaim
	if claim == "" {
		claim = "tenant_id"
	}
	return &TenantResolver{
		header: header,
		claim:  claim,
		secret: []byte(cfg.JWTSecret),
		logger: logger.With(slog.String("component", "tenant_resolver")),
	}
}

// Handler resolves the tenant and user and stores them in the request context
func (tr *TenantResolver) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, userID := tr.resolve(r)
		ctx := r.Context()
		if tenantID != "" {
			ctx = WithTenantID(ctx, tenantID)
		}
		if userID != "" {
			ctx = WithUserID(ctx, userID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Resolve returns the tenant ID carried by r, or "" when none is present
func (tr *TenantResolver) Resolve(r *http.Request) string {
	tenantID, _ := tr.resolve(r)
	return tenantID
}

func (tr *TenantResolver) resolve(r *http.Request) (tenantID, userID string) {
	claims := tr.verifiedClaims(r)
	tenantID = strings.TrimSpace(r.Header.Get(tr.header))
	if tenantID == "" {
		tenantID = claimString(claims[tr.claim])
	}
	return tenantID, claimString(claims["sub"])
}

// verifiedClaims returns the claims of a valid HS256 bearer token, or nil
func (tr *TenantResolver) verifiedClaims(r *http.Request) jwt.MapClaims {
	if len(tr.secret) == 0 {
		return nil
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(token *jwt.Token) (interface{}, error) {
		return tr.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		tr.logger.DebugContext(r.Context(), "ignoring invalid bearer token",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
		return nil
	}
	return claims
}

func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// WithTenantID returns a context carrying tenantID
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// TenantIDFromContext returns the resolved tenant ID, or ""
func TenantIDFromContext(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantContextKey).(string)
	return tenantID
}

// WithUserID returns a context carrying the authenticated subject
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserIDFromContext returns the bearer token subject, or ""
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey).(string)
	return userID
}
