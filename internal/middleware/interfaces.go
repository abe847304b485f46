package middleware

import (
	"context"

	"tenantguard/internal/license"
)

// LicenseGateway validates tenant license tokens
type LicenseGateway interface {
	Validate(ctx context.Context, tenantID, token string) (*license.ValidationResult, error)
}

// ModuleChecker answers module and usage entitlement questions
type ModuleChecker interface {
	RequireModule(ctx context.Context, tenantID string, module license.ModuleKey) (*license.ModuleLicense, error)
	CheckUsage(ctx context.Context, tenantID string, module license.ModuleKey, limitType string) (*license.UsageLimit, error)
}
