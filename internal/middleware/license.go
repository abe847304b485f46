package middleware

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tenantguard/internal/config"
	apierrors "tenantguard/internal/errors"
	"tenantguard/internal/license"
)

// LicenseValidator gates tenant requests on a valid license and exposes the
// feature, module and usage checks that downstream routes compose.
type LicenseValidator struct {
	gateway         LicenseGateway
	modules         ModuleChecker
	store           license.Store
	errors          *apierrors.ErrorHandler
	logger          *slog.Logger
	tokenHeader     string
	excludePaths    []string
	excludePrefixes []string
}

// LicenseValidatorOptions collects the validator's collaborators
type LicenseValidatorOptions struct {
	Gateway LicenseGateway
	Modules ModuleChecker
	// Store supplies a tenant's token when the request does not present one
	Store           license.Store
	Errors          *apierrors.ErrorHandler
	Logger          *slog.Logger
	TokenHeader     string
	ExcludePaths    []string
	ExcludePrefixes []string
}

// FeatureOptions tunes RequireFeature
type FeatureOptions struct {
	// Optional lets the request through without the feature and marks it
	// restricted instead of failing
	Optional bool
}

// FeatureAccess records the outcome of a feature check on the request
type FeatureAccess struct {
	Feature           string `json:"feature"`
	FeatureAvailable  bool   `json:"featureAvailable"`
	LicenseRestricted bool   `json:"licenseRestricted"`
}

// NewLicenseValidator creates the license middleware
func NewLicenseValidator(opts LicenseValidatorOptions) *LicenseValidator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errHandler := opts.Errors
	if errHandler == nil {
		errHandler = apierrors.NewErrorHandler(logger, false)
	}
	header := opts.TokenHeader
	if header == "" {
		header = "X-License-Token"
	}
	return &LicenseValidator{
		gateway:         opts.Gateway,
		modules:         opts.Modules,
		store:           opts.Store,
		errors:          errHandler,
		logger:          logger.With(slog.String("component", "license_middleware")),
		tokenHeader:     header,
		excludePaths:    opts.ExcludePaths,
		excludePrefixes: opts.ExcludePrefixes,
	}
}

// NewLicenseValidatorFromConfig applies the configured header and exclusions
func NewLicenseValidatorFromConfig(cfg config.LicenseConfig, gateway LicenseGateway, modules ModuleChecker, store license.Store, errHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseValidator {
	return NewLicenseValidator(LicenseValidatorOptions{
		Gateway:         gateway,
		Modules:         modules,
		Store:           store,
		Errors:          errHandler,
		Logger:          logger,
		TokenHeader:     cfg.TokenHeader,
		ExcludePaths:    cfg.ExcludePaths,
		ExcludePrefixes: cfg.ExcludePrefixes,
	})
}

// Handler validates the tenant license and attaches the result to the
// request context. Administrative paths and tenant-less requests pass
// through untouched.
func (lv *LicenseValidator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lv.shouldExcludePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := TenantIDFromContext(r.Context())
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_middleware.validate",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("tenant_id", tenantID),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)

		token, err := license.ResolveToken(ctx, lv.store, tenantID, r.Header.Get(lv.tokenHeader))
		if err == nil {
			var info *license.ValidationResult
			info, err = lv.gateway.Validate(ctx, tenantID, token)
			if err == nil {
				span.SetAttributes(
					attribute.Bool("license.cached", info.Cached),
					attribute.Bool("license.offline", info.Offline),
				)
				span.SetStatus(codes.Ok, "license valid")
				if info.Offline {
					w.Header().Set("X-License-Offline", "true")
				}
				next.ServeHTTP(w, r.WithContext(WithLicenseInfo(ctx, info)))
				return
			}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if ctx.Err() != nil {
			lv.logger.DebugContext(ctx, "client went away during license validation",
				slog.String("tenant_id", tenantID),
				slog.String("path", r.URL.Path))
			return
		}
		lv.errors.HandleError(w, r, err)
	})
}

// RequireFeature fails requests whose license lacks feature. With
// Optional set the request continues and is marked restricted.
func (lv *LicenseValidator) RequireFeature(feature string, opts FeatureOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID := TenantIDFromContext(ctx)

			err := license.CheckFeature(LicenseInfoFromContext(ctx), tenantID, feature)
			access := FeatureAccess{Feature: feature, FeatureAvailable: err == nil}
			if err != nil {
				if !opts.Optional {
					lv.logger.InfoContext(ctx, "feature not licensed",
						slog.String("tenant_id", tenantID),
						slog.String("feature", feature),
						slog.String("path", r.URL.Path))
					lv.errors.HandleError(w, r, err)
					return
				}
				access.LicenseRestricted = true
			}

			next.ServeHTTP(w, r.WithContext(withFeatureAccess(ctx, access)))
		})
	}
}

// RequireModuleLicense fails requests for tenants without module enabled.
// The core module always passes.
func (lv *LicenseValidator) RequireModuleLicense(module license.ModuleKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			lic, err := lv.modules.RequireModule(ctx, TenantIDFromContext(ctx), module)
			if err != nil {
				lv.errors.HandleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, moduleLicenseContextKey, lic)))
		})
	}
}

// CheckUsageLimit attaches the tenant's usage for limitType and fails once
// the limit is reached. The core module has no limits.
func (lv *LicenseValidator) CheckUsageLimit(module license.ModuleKey, limitType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			usage, err := lv.modules.CheckUsage(ctx, TenantIDFromContext(ctx), module, limitType)
			if err != nil {
				lv.errors.HandleError(w, r, err)
				return
			}
			if usage != nil {
				if usage.Warning {
					w.Header().Set("X-Usage-Warning", limitType)
				}
				ctx = context.WithValue(ctx, usageLimitContextKey, usage)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// shouldExcludePath checks if a path should be excluded from validation
func (lv *LicenseValidator) shouldExcludePath(path string) bool {
	for _, excluded := range lv.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range lv.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// WithLicenseInfo returns a context carrying the validated license
func WithLicenseInfo(ctx context.Context, info *license.ValidationResult) context.Context {
	return context.WithValue(ctx, licenseInfoContextKey, info)
}

// LicenseInfoFromContext returns the license attached by Handler, or nil
func LicenseInfoFromContext(ctx context.Context) *license.ValidationResult {
	info, _ := ctx.Value(licenseInfoContextKey).(*license.ValidationResult)
	return info
}

func withFeatureAccess(ctx context.Context, access FeatureAccess) context.Context {
	prev, _ := ctx.Value(featureAccessContextKey).(map[string]FeatureAccess)
	next := make(map[string]FeatureAccess, len(prev)+1)
	maps.Copy(next, prev)
	next[access.Feature] = access
	return context.WithValue(ctx, featureAccessContextKey, next)
}

// FeatureAccessFromContext returns the recorded check for feature
func FeatureAccessFromContext(ctx context.Context, feature string) (FeatureAccess, bool) {
	all, _ := ctx.Value(featureAccessContextKey).(map[string]FeatureAccess)
	access, ok := all[feature]
	return access, ok
}

// ModuleLicenseFromContext returns the module license attached by
// RequireModuleLicense, or nil
func ModuleLicenseFromContext(ctx context.Context) *license.ModuleLicense {
	lic, _ := ctx.Value(moduleLicenseContextKey).(*license.ModuleLicense)
	return lic
}

// UsageLimitFromContext returns the usage attached by CheckUsageLimit, or nil
func UsageLimitFromContext(ctx context.Context) *license.UsageLimit {
	usage, _ := ctx.Value(usageLimitContextKey).(*license.UsageLimit)
	return usage
}
