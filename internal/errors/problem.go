package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// Common error types following RFC 7807
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeMethod       = "/errors/method-not-allowed"
)

// CodedError is implemented by domain errors that carry a stable
// machine-readable code and the HTTP status they map to.
type CodedError interface {
	error
	Code() string
	HTTPStatus() int
	// ProblemExtensions returns extra members for the response body
	ProblemExtensions() map[string]interface{}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// ProblemFromCoded converts a coded domain error into problem details.
// The body always carries "error" (the code) and "message".
func ProblemFromCoded(err CodedError, instance string) *ProblemDetails {
	status := err.HTTPStatus()
	problem := NewProblemDetails(
		status,
		ProblemTypeForCode(err.Code()),
		http.StatusText(status),
		err.Error(),
		instance,
	)

	for k, v := range err.ProblemExtensions() {
		problem.WithExtension(k, v)
	}

	return problem.
		WithExtension("error", err.Code()).
		WithExtension("message", err.Error())
}

// AsCoded reports whether err wraps a CodedError
func AsCoded(err error) (CodedError, bool) {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// genericTypes maps HTTP-layer codes onto the shared problem types
var genericTypes = map[string]string{
	CodeInvalidRequest:       TypeValidation,
	CodeInvalidJSON:          TypeValidation,
	CodeValidationFailed:     TypeValidation,
	CodePayloadTooLarge:      TypeValidation,
	CodeUnsupportedMediaType: TypeValidation,
	CodeUnauthorized:         TypeUnauthorized,
	CodeRateLimitExceeded:    TypeRateLimit,
	CodeServiceUnavailable:   TypeServiceDown,
}

// ProblemTypeForCode returns the problem type URI for an error code. Codes
// without a shared type derive one, e.g. LICENSE_SERVER_UNAVAILABLE becomes
// /errors/license-server-unavailable.
func ProblemTypeForCode(code string) string {
	if code == "" {
		return TypeInternal
	}
	if t, ok := genericTypes[code]; ok {
		return t
	}
	return "/errors/" + strings.ToLower(strings.ReplaceAll(code, "_", "-"))
}
