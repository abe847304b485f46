package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Pinger is satisfied by the Postgres store and the Redis client wrapper
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthCheckResult contains the health of every registered component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// HealthCheck reports readiness of the license gateway and its backing stores
type HealthCheck struct {
	gateway *Gateway
	pingers map[string]Pinger
	timeout time.Duration
}

// NewHealthCheck creates a health check. Dependencies are added with AddPinger.
func NewHealthCheck(gateway *Gateway, timeout time.Duration) *HealthCheck {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthCheck{
		gateway: gateway,
		pingers: make(map[string]Pinger),
		timeout: timeout,
	}
}

// AddPinger registers a dependency probed on every check
func (hc *HealthCheck) AddPinger(name string, p Pinger) {
	hc.pingers[name] = p
}

// Check runs all probes concurrently
func (hc *HealthCheck) Check(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.Int("health.components", len(hc.pingers)+1)))
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth, len(hc.pingers)+1),
	}
	result.Components["license_cache"] = hc.checkCache()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range hc.pingers {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			health := hc.ping(ctx, p)
			mu.Lock()
			result.Components[name] = health
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = fmt.Sprintf("%d components checked", len(result.Components))

	span.SetAttributes(attribute.String("health.overall_status", string(result.OverallStatus)))
	return result
}

func (hc *HealthCheck) checkCache() *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Status: HealthStatusHealthy}
	if hc.gateway == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License gateway not initialized"
		return health
	}

	stats := hc.gateway.CacheStats()
	health.Message = "License cache operational"
	health.Metadata = map[string]interface{}{
		"entries":      stats.Entries,
		"hit_ratio":    stats.HitRatio,
		"offline_hits": stats.OfflineHits,
	}
	if stats.MaxSize > 0 && stats.Entries >= stats.MaxSize {
		health.Status = HealthStatusDegraded
		health.Message = "License cache is full and evicting"
	}
	return health
}

func (hc *HealthCheck) ping(ctx context.Context, p Pinger) *ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	health := &ComponentHealth{Timestamp: start}
	err := p.Ping(ctx)
	health.Duration = time.Since(start).String()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Dependency unreachable"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Dependency reachable"
	return health
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}
