package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "tenantguard/internal/errors"
)

const apiClientContextKey contextKey = "api_client"

// APIKeyAuth protects administrative routes with static API keys sent in
// X-API-Key or as a bearer token. With no keys configured every request
// passes, which is only meant for local development.
func APIKeyAuth(logger *slog.Logger, errorHandler *apierrors.ErrorHandler, keys []string) func(next http.Handler) http.Handler {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(valid) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
					presented = strings.TrimSpace(parts[1])
				}
			}
			if presented == "" {
				logger.WarnContext(ctx, "missing API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				errorHandler.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}

			// compare against every key so timing does not reveal which matched
			matched := -1
			for i, k := range valid {
				if subtle.ConstantTimeCompare([]byte(presented), k) == 1 {
					matched = i
				}
			}
			if matched < 0 {
				logger.WarnContext(ctx, "invalid API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				errorHandler.HandleError(w, r, apierrors.New(http.StatusUnauthorized, apierrors.CodeUnauthorized, "Invalid API key"))
				return
			}

			client := "admin-key-" + strconv.Itoa(matched+1)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, apiClientContextKey, client)))
		})
	}
}

// APIClientFromContext returns the admin client name set by APIKeyAuth
func APIClientFromContext(ctx context.Context) string {
	client, _ := ctx.Value(apiClientContextKey).(string)
	return client
}

// AuditLog records who invoked a sensitive operation and how it ended
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			ctx := r.Context()
			client := APIClientFromContext(ctx)
			if client == "" {
				client = "anonymous"
			}
			logger.InfoContext(ctx, "audit log",
				"event_type", "admin_access",
				"client", client,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"remote_addr", r.RemoteAddr,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
