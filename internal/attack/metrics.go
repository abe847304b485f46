package attack

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	violations   *prometheus.CounterVec
	events       *prometheus.CounterVec
	trackedKeys  *prometheus.GaugeVec
	blockedIPs   prometheus.Gauge
	droppedBatch prometheus.Counter
	sinkErrors   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which keeps tests independent of each other.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tenantguard",
				Subsystem: "attack",
				Name:      "violations_total",
				Help:      "Violations emitted by attack detectors",
			},
			[]string{"detector", "type", "severity"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tenantguard",
				Subsystem: "attack",
				Name:      "events_total",
				Help:      "Events analysed per detector",
			},
			[]string{"detector"},
		),
		trackedKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tenantguard",
				Subsystem: "attack",
				Name:      "tracked_keys",
				Help:      "Correlation keys currently held per detector store",
			},
			[]string{"store"},
		),
		blockedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenantguard",
			Subsystem: "attack",
			Name:      "blocked_ips",
			Help:      "Source IPs under an active brute force block",
		}),
		droppedBatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantguard",
			Subsystem: "attack",
			Name:      "dropped_violation_batches_total",
			Help:      "Violation batches dropped because the sink queue was full",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantguard",
			Subsystem: "attack",
			Name:      "sink_errors_total",
			Help:      "Violation batches the sink failed to publish",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.violations, err = register(reg, m.violations); err != nil {
		return nil, err
	}
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.trackedKeys, err = register(reg, m.trackedKeys); err != nil {
		return nil, err
	}
	if m.blockedIPs, err = register(reg, m.blockedIPs); err != nil {
		return nil, err
	}
	if m.droppedBatch, err = register(reg, m.droppedBatch); err != nil {
		return nil, err
	}
	if m.sinkErrors, err = register(reg, m.sinkErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) recordViolations(vs []Violation) {
	for _, v := range vs {
		m.violations.WithLabelValues(v.Detector, string(v.Type), v.Severity.String()).Inc()
	}
}

func (m *Metrics) recordEvent(detector string) {
	m.events.WithLabelValues(detector).Inc()
}
