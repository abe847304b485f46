package errors

import (
	"net/http"
)

// Error codes for failures raised by the HTTP layer itself. License and
// attack errors carry their own codes.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidJSON          = "INVALID_JSON"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeNotFound             = "NOT_FOUND"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeInternal             = "INTERNAL_ERROR"
)

// APIError is a coded error raised by handlers and middleware. It renders
// through ErrorHandler like any other CodedError.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Details    interface{}
}

func (e *APIError) Error() string {
	return e.Message
}

// Code implements CodedError
func (e *APIError) Code() string { return e.ErrorCode }

// HTTPStatus implements CodedError
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ProblemExtensions implements CodedError
func (e *APIError) ProblemExtensions() map[string]interface{} {
	if e.Details == nil {
		return nil
	}
	return map[string]interface{}{"details": e.Details}
}

// New creates an APIError
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates an APIError whose details are rendered under "details"
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

var (
	ErrInvalidRequest     = New(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
	ErrUnauthorized       = New(http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
	ErrRateLimitExceeded  = New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable")
)

// InvalidRequestWithError reports err as the details of an INVALID_REQUEST
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ValidationError is a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the details payload of VALIDATION_FAILED
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// NewValidationErrors creates a VALIDATION_FAILED error listing every field
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(
		http.StatusBadRequest,
		CodeValidationFailed,
		"Request validation failed",
		ValidationErrors{Errors: errors},
	)
}
