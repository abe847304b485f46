package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, includeStack bool) (*ErrorHandler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewErrorHandler(logger, includeStack), &buf
}

func withRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id))
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "api error",
			err:        ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeValidation,
		},
		{
			name:       "wrapped api error",
			err:        fmt.Errorf("decode: %w", ErrUnauthorized),
			wantStatus: http.StatusUnauthorized,
			wantType:   TypeUnauthorized,
		},
		{
			name:       "coded domain error",
			err:        &testCodedError{code: "LICENSE_SERVER_UNAVAILABLE", status: http.StatusServiceUnavailable, message: "authority down"},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "/errors/license-server-unavailable",
		},
		{
			name:       "deadline exceeded",
			err:        fmt.Errorf("validate: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
		},
		{
			name:       "unknown error",
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, logs := newTestHandler(t, false)
			w := httptest.NewRecorder()
			r := withRequestID(httptest.NewRequest(http.MethodGet, "/api/test", nil), "req-1")

			handler.HandleError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, "req-1", body["trace_id"])
			assert.Contains(t, logs.String(), "request failed")
		})
	}
}

func TestErrorHandler_HandleErrorNil(t *testing.T) {
	handler, _ := newTestHandler(t, false)
	w := httptest.NewRecorder()

	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, 0, w.Body.Len())
}

func TestErrorHandler_ClientGone(t *testing.T) {
	handler, logs := newTestHandler(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/api/license/me", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	handler.HandleError(w, r, fmt.Errorf("validate: %w", context.Canceled))

	assert.Equal(t, 0, w.Body.Len())
	assert.Contains(t, logs.String(), "client went away")
	assert.NotContains(t, logs.String(), "request failed")
}

func TestErrorHandler_IncludeStack(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantStack bool
	}{
		{name: "internal error", err: fmt.Errorf("boom"), wantStack: true},
		{name: "client error", err: ErrInvalidRequest, wantStack: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, logs := newTestHandler(t, true)
			w := httptest.NewRecorder()

			handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantStack {
				assert.Contains(t, body, "stack")
			} else {
				assert.NotContains(t, body, "stack")
				assert.Contains(t, logs.String(), `"code":"INVALID_REQUEST"`)
			}
		})
	}
}

func TestErrorHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, false)

	w := httptest.NewRecorder()
	handler.NotFound(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	handler.MethodNotAllowed(w, httptest.NewRequest(http.MethodPatch, "/api/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "PATCH")
	assert.Contains(t, w.Body.String(), TypeMethod)
}
