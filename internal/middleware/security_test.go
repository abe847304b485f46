package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	apierrors "tenantguard/internal/errors"
)

func TestAPIKeyAuth(t *testing.T) {
	logger := discardLogger()
	auth := APIKeyAuth(logger, apierrors.NewErrorHandler(logger, false), []string{"key-one", " ", "key-two"})

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantClient string
	}{
		{name: "missing key", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", headers: map[string]string{"X-API-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "header key", headers: map[string]string{"X-API-Key": "key-one"}, wantStatus: http.StatusOK, wantClient: "admin-key-1"},
		{name: "bearer key", headers: map[string]string{"Authorization": "Bearer key-two"}, wantStatus: http.StatusOK, wantClient: "admin-key-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var client string
			h := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				client = APIClientFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/admin/security/stats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantClient, client)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["error"])
			}
		})
	}

	t.Run("no keys configured lets everything through", func(t *testing.T) {
		open := APIKeyAuth(logger, apierrors.NewErrorHandler(logger, false), nil)
		rec := httptest.NewRecorder()
		open(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/license/cache", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuditLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := AuditLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/admin/security/reset?scope=all", nil)
	req = req.WithContext(WithTenantID(req.Context(), "acme"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"event_type":"admin_access"`)
	assert.Contains(t, out, `"client":"anonymous"`)
	assert.Contains(t, out, `"query":"scope=all"`)
	assert.Contains(t, out, `"status":202`)
}
