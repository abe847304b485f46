package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	validatePath     = "/licenses/validate"
	userAgent        = "tenantguard-license-client/1.0"
	maxResponseBytes = 1 << 20
)

// Authority validates license tokens against the remote source of truth
type Authority interface {
	Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error)
}

// ValidateRequest is the body sent to the authority
type ValidateRequest struct {
	Token     string `json:"token"`
	MachineID string `json:"machineId"`
}

// validateResponse mirrors the authority payload. Valid is a pointer so a
// missing or null field is distinguishable from false.
type validateResponse struct {
	Valid       *bool      `json:"valid"`
	Features    []string   `json:"features"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	LicenseType string     `json:"licenseType"`
	MaxUsers    int64      `json:"maxUsers"`
	MaxStorage  int64      `json:"maxStorage"`
	MaxAPI      int64      `json:"maxAPI"`
	Error       string     `json:"error"`
	Reason      string     `json:"reason"`
	Message     string     `json:"message"`
}

// AuthorityError is a non-2xx HTTP response from the authority
type AuthorityError struct {
	StatusCode int
	Body       string
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("license authority responded %d", e.StatusCode)
}

// ClientError reports a 4xx response, which is never retried
func (e *AuthorityError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// DenialError is an explicit valid:false verdict
type DenialError struct {
	Code   string
	Reason string
}

func (e *DenialError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("license denied: %s: %s", e.Code, e.Reason)
	}
	return "license denied: " + e.Code
}

// MalformedResponseError is an authority payload that cannot be trusted
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed license authority response: " + e.Reason
}

// IsTransient reports whether err is worth retrying: transport failures,
// timeouts and 5xx responses. Denials, malformed payloads and 4xx are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var denial *DenialError
	if errors.As(err, &denial) {
		return false
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}
	var authErr *AuthorityError
	if errors.As(err, &authErr) {
		return !authErr.ClientError()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// HTTPAuthority calls POST <base>/licenses/validate
type HTTPAuthority struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPAuthority creates an authority client. timeout bounds every single
// request independently of any retry loop around it.
func NewHTTPAuthority(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPAuthority {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAuthority{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger.With(slog.String("component", "license_authority")),
	}
}

// Validate performs one authority round trip
func (a *HTTPAuthority) Validate(ctx context.Context, vr ValidateRequest) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	payload, err := json.Marshal(vr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+validatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.WarnContext(ctx, "license authority request failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("license authority request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read license authority response: %w", err)
	}

	a.logger.DebugContext(ctx, "license authority responded",
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 4xx bodies may still carry an explicit denial
		if resp.StatusCode < 500 {
			if denial := decodeDenial(body); denial != nil {
				return nil, denial
			}
		}
		return nil, &AuthorityError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	return decodeValidation(body)
}

func decodeDenial(body []byte) *DenialError {
	var out validateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	if out.Valid == nil || *out.Valid {
		return nil
	}
	return denialFrom(out)
}

func decodeValidation(body []byte) (*ValidationResult, error) {
	var out validateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	if out.Valid == nil {
		return nil, &MalformedResponseError{Reason: "missing valid field"}
	}
	if !*out.Valid {
		return nil, denialFrom(out)
	}

	result := &ValidationResult{
		Valid:       true,
		Features:    normalizeFeatures(out.Features),
		LicenseType: ParseLicenseType(out.LicenseType),
		Limits: Limits{
			MaxUsers:   out.MaxUsers,
			MaxStorage: out.MaxStorage,
			MaxAPI:     out.MaxAPI,
		},
	}
	if out.ExpiresAt != nil {
		result.ExpiresAt = out.ExpiresAt.UTC()
	}
	return result, nil
}

func denialFrom(out validateResponse) *DenialError {
	reason := out.Reason
	if reason == "" {
		reason = out.Message
	}
	return &DenialError{Code: strings.TrimSpace(out.Error), Reason: reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
