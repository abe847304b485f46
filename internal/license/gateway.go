package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tenantguard/internal/config"
	"tenantguard/internal/infrastructure"
)

const TracerName = "tenantguard/license"

// errAuthorityRateLimited is the cause reported when the per-tenant budget
// for authority calls is spent
var errAuthorityRateLimited = errors.New("license authority rate limit exceeded")

// Validation outcomes recorded on metrics and spans
const (
	outcomeValid       = "valid"
	outcomeCached      = "cached"
	outcomeOffline     = "offline"
	outcomeDenied      = "denied"
	outcomeUnavailable = "unavailable"
	outcomeError       = "error"
	outcomeAborted     = "aborted"
)

// GatewayOptions configures a Gateway. Authority and Cache are required.
type GatewayOptions struct {
	Authority     Authority
	Cache         *ValidationCache
	Limiter       RateLimiter
	Retry         RetryPolicy
	MachineID     string
	OuterTimeout  time.Duration
	SweepInterval time.Duration
	Metrics       *infrastructure.GatewayMetrics
	Tracer        trace.Tracer
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Gateway validates tenant license tokens. Fresh cache hits never leave
// the process; misses are collapsed to one authority call per key.
type Gateway struct {
	authority     Authority
	cache         *ValidationCache
	limiter       RateLimiter
	retry         RetryPolicy
	machineID     string
	outerTimeout  time.Duration
	sweepInterval time.Duration
	metrics       *infrastructure.GatewayMetrics
	tracer        trace.Tracer
	logger        *slog.Logger
	now           func() time.Time

	group singleflight.Group
}

// NewGateway creates a gateway from explicit collaborators
func NewGateway(opts GatewayOptions) *Gateway {
	g := &Gateway{
		authority:     opts.Authority,
		cache:         opts.Cache,
		limiter:       opts.Limiter,
		retry:         opts.Retry,
		machineID:     opts.MachineID,
		outerTimeout:  opts.OuterTimeout,
		sweepInterval: opts.SweepInterval,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		logger:        opts.Logger,
		now:           opts.Clock,
	}
	if g.limiter == nil {
		g.limiter = NewWindowLimiter(0, time.Minute)
	}
	if g.retry.MaxAttempts == 0 {
		g.retry = DefaultRetryPolicy()
	}
	if g.machineID == "" {
		g.machineID = MachineID("")
	}
	if g.outerTimeout <= 0 {
		g.outerTimeout = 20 * time.Second
	}
	if g.sweepInterval <= 0 {
		g.sweepInterval = 5 * time.Minute
	}
	if g.metrics == nil {
		// noop instruments never fail to register
		g.metrics, _ = infrastructure.CreateGatewayMetrics(metricnoop.NewMeterProvider().Meter(TracerName))
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(TracerName)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With(slog.String("component", "license_gateway"))
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// NewGatewayFromConfig builds the HTTP authority client, cache and retry
// policy from configuration. store and limiter may be nil.
func NewGatewayFromConfig(cfg config.LicenseConfig, store CacheStore, limiter RateLimiter, metrics *infrastructure.GatewayMetrics, tracer trace.Tracer, logger *slog.Logger) *Gateway {
	if limiter == nil {
		limiter = NewWindowLimiter(cfg.AuthorityLimit, cfg.AuthorityWindow)
	}
	retry := DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.BaseDelay = cfg.BaseDelay
	retry.Factor = cfg.BackoffFactor
	retry.MaxDelay = cfg.MaxDelay

	return NewGateway(GatewayOptions{
		Authority:     NewHTTPAuthority(cfg.AuthorityURL, cfg.APIKey, cfg.RequestTimeout, logger),
		Cache:         NewValidationCache(cfg.FreshnessWindow, cfg.OfflineGrace, cfg.CacheMaxSize, store, logger),
		Limiter:       limiter,
		Retry:         retry,
		MachineID:     MachineID(cfg.MachineID),
		OuterTimeout:  cfg.OuterTimeout,
		SweepInterval: cfg.SweepInterval,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})
}

// Validate returns the license verdict for a tenant token. Errors are
// *GatewayError values, or the context error when ctx ends first. The
// authority call itself is detached from ctx and still populates the cache
// after the caller has gone.
func (g *Gateway) Validate(ctx context.Context, tenantID, token string) (*ValidationResult, error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "license.validate",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	result, outcome, err := g.validate(ctx, tenantID, token)

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	g.metrics.Validations.Add(ctx, 1, attrs)
	g.metrics.ValidationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(attribute.String("license.outcome", outcome))

	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode < 500 {
			g.metrics.Denials.Add(ctx, 1, metric.WithAttributes(attribute.String("code", gwErr.ErrorCode)))
		}
		infrastructure.RecordError(ctx, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (g *Gateway) validate(ctx context.Context, tenantID, token string) (*ValidationResult, string, error) {
	if tenantID == "" {
		return nil, outcomeDenied, TenantRequiredError()
	}
	if token == "" {
		return nil, outcomeDenied, LicenseRequiredError(tenantID)
	}

	key := CacheKey(tenantID, token)
	if cached, ok := g.cache.Fresh(ctx, key); ok && !expired(cached, g.now()) {
		g.metrics.CacheHits.Add(ctx, 1)
		infrastructure.AddSpanEvent(ctx, "license.cache_hit")
		return cached, outcomeCached, nil
	}
	g.metrics.CacheMisses.Add(ctx, 1)

	// The shared call runs on its own goroutine with a context that
	// survives the caller, so an aborted request still fills the cache.
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.fetch(detached, tenantID, token, key)
	})

	select {
	case <-ctx.Done():
		g.logger.DebugContext(ctx, "caller left before license validation finished",
			slog.String("tenant_id", tenantID))
		return nil, outcomeAborted, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, outcomeFor(res.Err), res.Err
		}
		out := res.Val.(*ValidationResult).Clone()
		if out.Offline {
			return out, outcomeOffline, nil
		}
		return out, outcomeValid, nil
	}
}

// fetch performs the rate-limited, retried authority round trip for one key
func (g *Gateway) fetch(ctx context.Context, tenantID, token, key string) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.outerTimeout)
	defer cancel()

	allowed, err := g.limiter.Allow(ctx, tenantID)
	if err != nil {
		g.logger.WarnContext(ctx, "authority rate limiter failed, allowing call",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		allowed = true
	}
	if !allowed {
		g.logger.WarnContext(ctx, "license authority rate limit reached",
			slog.String("tenant_id", tenantID))
		return g.fallback(ctx, tenantID, key, errAuthorityRateLimited)
	}

	policy := g.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.metrics.AuthorityRetries.Add(ctx, 1)
		infrastructure.AddSpanEvent(ctx, "license.authority_retry",
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()))
		g.logger.WarnContext(ctx, "retrying license authority call",
			slog.String("tenant_id", tenantID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	var result *ValidationResult
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		g.metrics.AuthorityCalls.Add(ctx, 1)
		r, err := g.authority.Validate(ctx, ValidateRequest{Token: token, MachineID: g.machineID})
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if err == nil {
		if expired(result, g.now()) {
			return nil, expiredError(tenantID, result.ExpiresAt)
		}
		cachedAt := g.cache.Put(ctx, key, tenantID, result)
		out := result.Clone()
		out.CachedAt = cachedAt
		out.Cached = false
		g.logger.InfoContext(ctx, "license validated",
			slog.String("tenant_id", tenantID),
			slog.String("token", tokenFingerprint(token)),
			slog.String("license_type", string(out.LicenseType)),
			slog.Int("attempts", attempts))
		return out, nil
	}

	var denial *DenialError
	if errors.As(err, &denial) {
		g.logger.InfoContext(ctx, "license denied by authority",
			slog.String("tenant_id", tenantID),
			slog.String("code", denial.Code),
			slog.String("reason", denial.Reason))
		return nil, deniedError(tenantID, denial)
	}

	var malformed *MalformedResponseError
	var authErr *AuthorityError
	if errors.As(err, &malformed) || (errors.As(err, &authErr) && authErr.ClientError()) {
		g.logger.WarnContext(ctx, "license authority rejected validation",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return nil, invalidResponseError(tenantID, err)
	}

	if IsTransient(err) {
		g.logger.WarnContext(ctx, "license authority unavailable",
			slog.String("tenant_id", tenantID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return g.fallback(ctx, tenantID, key, err)
	}

	g.logger.ErrorContext(ctx, "unexpected license validation failure",
		slog.String("tenant_id", tenantID),
		slog.String("error", err.Error()))
	return nil, validationFaultError(tenantID, err)
}

// fallback serves a stale entry within the offline grace window
func (g *Gateway) fallback(ctx context.Context, tenantID, key string, cause error) (*ValidationResult, error) {
	if cached, ok := g.cache.Offline(ctx, key); ok && !expired(cached, g.now()) {
		g.metrics.OfflineFallbacks.Add(ctx, 1)
		infrastructure.AddSpanEvent(ctx, "license.offline_fallback")
		g.logger.WarnContext(ctx, "serving offline license",
			slog.String("tenant_id", tenantID),
			slog.Time("cached_at", cached.CachedAt))
		return cached, nil
	}
	return nil, serverUnavailableError(tenantID, cause)
}

// InvalidateTenant drops every cached verdict of a tenant
func (g *Gateway) InvalidateTenant(ctx context.Context, tenantID string) int {
	n := g.cache.InvalidateTenant(ctx, tenantID)
	g.logger.InfoContext(ctx, "license cache invalidated for tenant",
		slog.String("tenant_id", tenantID),
		slog.Int("removed", n))
	return n
}

// ClearCache drops every cached verdict
func (g *Gateway) ClearCache(ctx context.Context) int {
	n := g.cache.Clear(ctx)
	g.logger.InfoContext(ctx, "license cache cleared", slog.Int("removed", n))
	return n
}

// ClearRateLimits resets the authority call budget of every tenant
func (g *Gateway) ClearRateLimits(ctx context.Context) (int, error) {
	n, err := g.limiter.Reset(ctx)
	if err != nil {
		return n, err
	}
	g.logger.InfoContext(ctx, "license rate limits cleared", slog.Int("removed", n))
	return n, nil
}

func (g *Gateway) CacheStats() CacheStats {
	return g.cache.Stats()
}

// RateLimitEntries returns the number of tracked limiter keys, or -1 when
// the limiter is shared
func (g *Gateway) RateLimitEntries() int {
	return g.limiter.Len()
}

func (g *Gateway) MachineID() string {
	return g.machineID
}

// Sweep evicts entries past the offline grace window and closed limiter
// windows
func (g *Gateway) Sweep() (cacheRemoved, limiterRemoved int) {
	cacheRemoved = g.cache.Sweep()
	if s, ok := g.limiter.(interface{ Sweep() int }); ok {
		limiterRemoved = s.Sweep()
	}
	return cacheRemoved, limiterRemoved
}

// StartSweeper runs Sweep every sweep interval until ctx is done
func (g *Gateway) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cacheRemoved, limiterRemoved := g.Sweep()
				if cacheRemoved > 0 || limiterRemoved > 0 {
					g.logger.DebugContext(ctx, "license sweep completed",
						slog.Int("cache_removed", cacheRemoved),
						slog.Int("ratelimit_removed", limiterRemoved))
				}
			}
		}
	}()
}

func expired(r *ValidationResult, now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func outcomeFor(err error) string {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return outcomeError
	}
	switch gwErr.ErrorCode {
	case CodeServerUnavailable:
		return outcomeUnavailable
	case CodeValidationError:
		return outcomeError
	default:
		return outcomeDenied
	}
}
