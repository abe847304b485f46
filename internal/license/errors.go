package license

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error codes returned to callers
const (
	CodeTenantIDRequired   = "TENANT_ID_REQUIRED"
	CodeLicenseRequired    = "LICENSE_REQUIRED"
	CodeLicenseInvalid     = "LICENSE_INVALID"
	CodeLicenseExpired     = "LICENSE_EXPIRED"
	CodeFeatureNotLicensed = "FEATURE_NOT_LICENSED"
	CodeModuleNotLicensed  = "MODULE_NOT_LICENSED"
	CodeUsageLimitExceeded = "USAGE_LIMIT_EXCEEDED"
	CodeServerUnavailable  = "LICENSE_SERVER_UNAVAILABLE"
	CodeValidationError    = "LICENSE_VALIDATION_ERROR"
)

// Sentinels for errors.Is matching on the code alone
var (
	ErrTenantIDRequired   = &GatewayError{ErrorCode: CodeTenantIDRequired}
	ErrLicenseRequired    = &GatewayError{ErrorCode: CodeLicenseRequired}
	ErrFeatureNotLicensed = &GatewayError{ErrorCode: CodeFeatureNotLicensed}
	ErrModuleNotLicensed  = &GatewayError{ErrorCode: CodeModuleNotLicensed}
	ErrUsageLimitExceeded = &GatewayError{ErrorCode: CodeUsageLimitExceeded}
	ErrServerUnavailable  = &GatewayError{ErrorCode: CodeServerUnavailable}
	ErrValidationFault    = &GatewayError{ErrorCode: CodeValidationError}

	// ErrNotFound is returned by stores when a tenant has no record
	ErrNotFound = errors.New("license record not found")
)

// GatewayError is a license failure with a stable code and the context a
// client needs to explain the denial.
type GatewayError struct {
	ErrorCode         string
	StatusCode        int
	Message           string
	Details           string
	TenantID          string
	Feature           string
	AvailableFeatures []string
	Module            string
	cause             error
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return e.ErrorCode
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Is matches any GatewayError carrying the same code
func (e *GatewayError) Is(target error) bool {
	var other *GatewayError
	if !errors.As(target, &other) {
		return false
	}
	return other.ErrorCode == e.ErrorCode
}

// Code implements errors.CodedError
func (e *GatewayError) Code() string { return e.ErrorCode }

// HTTPStatus implements errors.CodedError
func (e *GatewayError) HTTPStatus() int {
	if e.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// ProblemExtensions implements errors.CodedError
func (e *GatewayError) ProblemExtensions() map[string]interface{} {
	ext := make(map[string]interface{}, 5)
	if e.TenantID != "" {
		ext["tenantId"] = e.TenantID
	}
	if e.Details != "" {
		ext["details"] = e.Details
	}
	if e.Feature != "" {
		ext["feature"] = e.Feature
	}
	if e.AvailableFeatures != nil {
		ext["availableFeatures"] = e.AvailableFeatures
	}
	if e.Module != "" {
		ext["module"] = e.Module
	}
	return ext
}

// Retryable reports whether the caller may retry the whole request
func (e *GatewayError) Retryable() bool {
	return e.ErrorCode == CodeServerUnavailable
}

// TenantRequiredError is returned for tenant-scoped calls without a tenant
func TenantRequiredError() *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeTenantIDRequired,
		StatusCode: http.StatusBadRequest,
		Message:    "Tenant ID is required",
	}
}

// LicenseRequiredError is returned when no usable license is attached
func LicenseRequiredError(tenantID string) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeLicenseRequired,
		StatusCode: http.StatusForbidden,
		Message:    "A valid license is required to access this resource",
		TenantID:   tenantID,
	}
}

func deniedError(tenantID string, denial *DenialError) *GatewayError {
	code := denial.Code
	if code == "" {
		code = CodeLicenseInvalid
	}
	msg := denial.Reason
	if msg == "" {
		msg = "License is not valid"
	}
	return &GatewayError{
		ErrorCode:  code,
		StatusCode: http.StatusForbidden,
		Message:    msg,
		TenantID:   tenantID,
		cause:      denial,
	}
}

func expiredError(tenantID string, expiresAt time.Time) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeLicenseExpired,
		StatusCode: http.StatusForbidden,
		Message:    "License expired on " + expiresAt.UTC().Format(time.RFC3339),
		TenantID:   tenantID,
	}
}

func invalidResponseError(tenantID string, cause error) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeLicenseInvalid,
		StatusCode: http.StatusForbidden,
		Message:    "License could not be validated",
		Details:    cause.Error(),
		TenantID:   tenantID,
		cause:      cause,
	}
}

// FeatureNotLicensedError is returned when a required feature is missing
func FeatureNotLicensedError(tenantID, feature string, available []string) *GatewayError {
	if available == nil {
		available = []string{}
	}
	return &GatewayError{
		ErrorCode:         CodeFeatureNotLicensed,
		StatusCode:        http.StatusForbidden,
		Message:           fmt.Sprintf("Feature %q is not included in your license", feature),
		TenantID:          tenantID,
		Feature:           feature,
		AvailableFeatures: available,
	}
}

func moduleNotLicensedError(tenantID string, module ModuleKey, reason string) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeModuleNotLicensed,
		StatusCode: http.StatusForbidden,
		Message:    fmt.Sprintf("Module %q is not licensed: %s", module, reason),
		TenantID:   tenantID,
		Module:     string(module),
	}
}

func usageLimitError(tenantID string, module ModuleKey, usage *UsageLimit) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeUsageLimitExceeded,
		StatusCode: http.StatusForbidden,
		Message: fmt.Sprintf("Usage limit %q reached for module %q (%d of %d)",
			usage.LimitType, module, usage.CurrentUsage, usage.Limit),
		TenantID: tenantID,
		Module:   string(module),
	}
}

func serverUnavailableError(tenantID string, cause error) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeServerUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "License server is unavailable and no cached license could be used",
		Details:    cause.Error(),
		TenantID:   tenantID,
		cause:      cause,
	}
}

func validationFaultError(tenantID string, cause error) *GatewayError {
	return &GatewayError{
		ErrorCode:  CodeValidationError,
		StatusCode: http.StatusInternalServerError,
		Message:    "License validation failed unexpectedly",
		TenantID:   tenantID,
		cause:      cause,
	}
}
