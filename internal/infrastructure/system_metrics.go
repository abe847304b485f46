package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SystemMetrics records Go runtime gauges for the gateway process
type SystemMetrics struct {
	goroutines metric.Int64Gauge
	heapInUse  metric.Int64Gauge
	memorySys  metric.Int64Gauge
	gcCycles   metric.Int64Gauge
	gcPause    metric.Float64Histogram
	uptime     metric.Float64Gauge
	lastNumGC  uint32
}

// NewSystemMetrics creates the runtime instruments on meter
func NewSystemMetrics(meter metric.Meter) (*SystemMetrics, error) {
	goroutines, err := meter.Int64Gauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapInUse, err := meter.Int64Gauge(
		"system_heap_inuse_bytes",
		metric.WithDescription("Bytes in in-use heap spans"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	memorySys, err := meter.Int64Gauge(
		"system_memory_sys_bytes",
		metric.WithDescription("Total bytes obtained from the OS by the Go runtime"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	gcCycles, err := meter.Int64Gauge(
		"system_gc_cycles",
		metric.WithDescription("Completed GC cycles since process start"),
	)
	if err != nil {
		return nil, err
	}

	gcPause, err := meter.Float64Histogram(
		"system_gc_pause_seconds",
		metric.WithDescription("Stop-the-world GC pause durations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SystemMetrics{
		goroutines: goroutines,
		heapInUse:  heapInUse,
		memorySys:  memorySys,
		gcCycles:   gcCycles,
		gcPause:    gcPause,
		uptime:     uptime,
	}, nil
}

// SystemStats is one runtime sample
type SystemStats struct {
	Goroutines    int64         `json:"goroutines"`
	HeapInUse     int64         `json:"heapInUseBytes"`
	MemorySys     int64         `json:"memorySysBytes"`
	GCCycles      uint32        `json:"gcCycles"`
	LastGCPause   time.Duration `json:"lastGcPauseNs"`
	ProcessUptime time.Duration `json:"uptimeNs"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Collect samples the runtime and records it. Pauses of GC cycles finished
// since the previous call are recorded individually, up to the 256 the
// runtime keeps.
func (sm *SystemMetrics) Collect(ctx context.Context, startTime time.Time) *SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := &SystemStats{
		Goroutines:    int64(runtime.NumGoroutine()),
		HeapInUse:     int64(mem.HeapInuse),
		MemorySys:     int64(mem.Sys),
		GCCycles:      mem.NumGC,
		ProcessUptime: time.Since(startTime),
		Timestamp:     time.Now(),
	}
	if mem.NumGC > 0 {
		stats.LastGCPause = time.Duration(mem.PauseNs[(mem.NumGC+255)%256])
	}

	sm.goroutines.Record(ctx, stats.Goroutines)
	sm.heapInUse.Record(ctx, stats.HeapInUse)
	sm.memorySys.Record(ctx, stats.MemorySys)
	sm.gcCycles.Record(ctx, int64(stats.GCCycles))
	sm.uptime.Record(ctx, stats.ProcessUptime.Seconds())

	fresh := mem.NumGC - sm.lastNumGC
	if fresh > 256 {
		fresh = 256
	}
	for i := uint32(0); i < fresh; i++ {
		idx := (mem.NumGC - i + 255) % 256
		sm.gcPause.Record(ctx, time.Duration(mem.PauseNs[idx]).Seconds())
	}
	sm.lastNumGC = mem.NumGC

	return stats
}

// SystemMetricsCollector samples runtime metrics on an interval
type SystemMetricsCollector struct {
	metrics   *SystemMetrics
	startTime time.Time
	interval  time.Duration
}

// NewSystemMetricsCollector creates a collector; interval must be positive
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid collection interval %s", interval)
	}
	metrics, err := NewSystemMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create system metrics: %w", err)
	}

	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
	}, nil
}

// Run collects immediately and then on every tick until ctx ends. It is
// meant to be started in its own goroutine.
func (smc *SystemMetricsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.metrics.Collect(ctx, smc.startTime)
	for {
		select {
		case <-ticker.C:
			smc.metrics.Collect(ctx, smc.startTime)
		case <-ctx.Done():
			return
		}
	}
}
