package attack

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tenantguard/internal/config"
)

// Sink receives violations after detection. Publish runs on the engine's
// dispatcher goroutine, never on the request path.
type Sink interface {
	Publish(ctx context.Context, violations []Violation) error
}

// EngineOptions configures an Engine. Every field is optional.
type EngineOptions struct {
	Thresholds Thresholds
	Sink       Sink
	Metrics    *Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
	// QueueSize bounds violation batches waiting for the sink
	QueueSize int
	Disabled  bool
}

// LoginResult is the combined outcome of the login detectors
type LoginResult struct {
	Violations   []Violation `json:"violations"`
	Blocked      bool        `json:"blocked"`
	BlockedUntil *time.Time  `json:"blockedUntil,omitempty"`
	ThreatLevel  Severity    `json:"threatLevel"`
}

// Engine runs the attack detectors over authentication and session events.
// It is safe for concurrent use; state for distinct keys is updated in
// parallel.
type Engine struct {
	th          Thresholds
	bruteForce  *bruteForceDetector
	stuffing    *credentialStuffingDetector
	sessions    *sessionTracker
	coordinated *coordinatedDetector

	enabled atomic.Bool
	sink    Sink
	queue   chan []Violation
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	countsMu sync.Mutex
	counts   map[ViolationType]int
	since    time.Time
}

// NewEngine creates an engine with fresh detector state
func NewEngine(opts EngineOptions) *Engine {
	th := opts.Thresholds.withDefaults()
	e := &Engine{
		th:          th,
		bruteForce:  newBruteForceDetector(th),
		stuffing:    newCredentialStuffingDetector(th),
		sessions:    newSessionTracker(th),
		coordinated: newCoordinatedDetector(th),
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Clock,
		counts:      make(map[ViolationType]int),
	}
	if e.metrics == nil {
		e.metrics, _ = NewMetrics(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "attack_engine"))
	if e.now == nil {
		e.now = time.Now
	}
	if e.sink != nil {
		size := opts.QueueSize
		if size <= 0 {
			size = 256
		}
		e.queue = make(chan []Violation, size)
	}
	e.since = e.now()
	e.enabled.Store(!opts.Disabled)
	return e
}

// NewEngineFromConfig builds an engine from the attack configuration
func NewEngineFromConfig(cfg config.AttackConfig, sink Sink, metrics *Metrics, logger *slog.Logger) *Engine {
	return NewEngine(EngineOptions{
		Thresholds: ThresholdsFromConfig(cfg),
		Sink:       sink,
		Metrics:    metrics,
		Logger:     logger,
		Disabled:   !cfg.Enabled,
	})
}

// Thresholds returns the effective policy
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// SetEnabled switches analysis on or off. While off every analysis call
// returns no violations and records nothing.
func (e *Engine) SetEnabled(enabled bool) {
	if e.enabled.Swap(enabled) != enabled {
		e.logger.Info("security analysis toggled", slog.Bool("enabled", enabled))
	}
}

func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// AnalyzeLogin runs the brute force and credential stuffing detectors over
// one attempt. An attempt from a blocked IP is not analysed further.
func (e *Engine) AnalyzeLogin(ctx context.Context, a AuthAttempt) LoginResult {
	if !e.Enabled() {
		return LoginResult{}
	}
	now := e.at(a.Timestamp)

	var res LoginResult
	e.guard(ctx, DetectorBruteForce, func() {
		res.Violations, res.Blocked = e.bruteForce.analyze(a, now)
	})
	if !res.Blocked {
		e.guard(ctx, DetectorCredentialStuffing, func() {
			res.Violations = append(res.Violations, e.stuffing.analyze(a, now)...)
		})
	}

	e.bruteForce.store.view(a.IP, now, func(st *bruteForceState) {
		res.ThreatLevel = CalculateThreatLevel(st.pattern.Counts())
		if now.Before(st.blockedUntil) {
			until := st.blockedUntil
			res.BlockedUntil = &until
			res.Blocked = true
		}
	})

	e.emit(ctx, res.Violations)
	return res
}

// AnalyzeBruteForce runs only the brute force detector
func (e *Engine) AnalyzeBruteForce(ctx context.Context, a AuthAttempt) []Violation {
	if !e.Enabled() {
		return nil
	}
	var out []Violation
	e.guard(ctx, DetectorBruteForce, func() {
		out, _ = e.bruteForce.analyze(a, e.at(a.Timestamp))
	})
	e.emit(ctx, out)
	return out
}

// AnalyzeCredentialStuffing runs only the credential stuffing detector
func (e *Engine) AnalyzeCredentialStuffing(ctx context.Context, a AuthAttempt) []Violation {
	if !e.Enabled() {
		return nil
	}
	var out []Violation
	e.guard(ctx, DetectorCredentialStuffing, func() {
		out = e.stuffing.analyze(a, e.at(a.Timestamp))
	})
	e.emit(ctx, out)
	return out
}

// TrackSession records session activity and returns any session violations
func (e *Engine) TrackSession(ctx context.Context, ev SessionEvent) []Violation {
	if !e.Enabled() {
		return nil
	}
	var out []Violation
	e.guard(ctx, DetectorSession, func() {
		out = e.sessions.track(ev, e.at(ev.Timestamp))
	})
	e.emit(ctx, out)
	return out
}

// DetectCoordinated folds a batch into the coordinated attack state
func (e *Engine) DetectCoordinated(ctx context.Context, b CoordinatedBatch) []Violation {
	if !e.Enabled() {
		return nil
	}
	var out []Violation
	e.guard(ctx, DetectorCoordinated, func() {
		out = e.coordinated.analyze(b, e.at(b.Timestamp))
	})
	e.emit(ctx, out)
	return out
}

// BlockedUntil reports whether ip is under an active brute force block
func (e *Engine) BlockedUntil(ip string) (time.Time, bool) {
	if ip == "" {
		return time.Time{}, false
	}
	return e.bruteForce.blockedUntil(ip, e.now())
}

func (e *Engine) at(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t
}

// guard runs a detector so that a fault in one never reaches the caller
func (e *Engine) guard(ctx context.Context, detector string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "detector panic recovered",
				slog.String("detector", detector),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	e.metrics.recordEvent(detector)
	fn()
}

func (e *Engine) emit(ctx context.Context, vs []Violation) {
	if len(vs) == 0 {
		return
	}
	e.metrics.recordViolations(vs)

	e.countsMu.Lock()
	for _, v := range vs {
		e.counts[v.Type]++
	}
	e.countsMu.Unlock()

	for _, v := range vs {
		level := slog.LevelWarn
		if v.Severity >= SeverityCritical {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "security violation detected",
			slog.String("violation_id", v.ID),
			slog.String("type", string(v.Type)),
			slog.String("severity", v.Severity.String()),
			slog.String("key", v.Key),
			slog.String("tenant_id", v.TenantID))
	}

	if e.queue == nil {
		return
	}
	select {
	case e.queue <- vs:
	default:
		e.metrics.droppedBatch.Inc()
		e.logger.WarnContext(ctx, "violation queue full, batch dropped", slog.Int("violations", len(vs)))
	}
}

// StartDispatcher delivers queued violations to the sink until ctx is done
func (e *Engine) StartDispatcher(ctx context.Context) {
	if e.queue == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-e.queue:
				if err := e.sink.Publish(ctx, batch); err != nil {
					e.metrics.sinkErrors.Inc()
					e.logger.ErrorContext(ctx, "failed to publish violations",
						slog.Int("violations", len(batch)),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// DetectorStats describes the state held by each detector
type DetectorStats struct {
	BruteForceIPs       int `json:"bruteForceIPs"`
	BlockedIPs          int `json:"blockedIPs"`
	StuffingIPs         int `json:"stuffingIPs"`
	CredentialPairs     int `json:"credentialPairs"`
	Sessions            int `json:"sessions"`
	SessionIPs          int `json:"sessionIPs"`
	SessionTenants      int `json:"sessionTenants"`
	CoordinatedPatterns int `json:"coordinatedPatterns"`
}

// Stats summarises the engine for dashboards
type Stats struct {
	Enabled         bool                  `json:"enabled"`
	Since           time.Time             `json:"since"`
	Tracked         DetectorStats         `json:"tracked"`
	Violations      map[ViolationType]int `json:"violations"`
	TotalViolations int                   `json:"totalViolations"`
	TenantSessions  map[string]int        `json:"tenantSessions"`
}

// Stats returns current counters and refreshes the tracked-key gauges
func (e *Engine) Stats() Stats {
	now := e.now()
	s := Stats{
		Enabled: e.Enabled(),
		Tracked: DetectorStats{
			BruteForceIPs:       e.bruteForce.store.len(),
			BlockedIPs:          e.bruteForce.blockedCount(now),
			StuffingIPs:         e.stuffing.byIP.len(),
			CredentialPairs:     e.stuffing.byPair.len(),
			Sessions:            e.sessions.sessions.len(),
			SessionIPs:          e.sessions.byIP.len(),
			SessionTenants:      e.sessions.byTenant.len(),
			CoordinatedPatterns: e.coordinated.store.len(),
		},
		TenantSessions: e.sessions.tenantSessions(now),
	}

	e.countsMu.Lock()
	s.Since = e.since
	s.Violations = maps.Clone(e.counts)
	e.countsMu.Unlock()
	for _, n := range s.Violations {
		s.TotalViolations += n
	}

	e.updateGauges(s.Tracked)
	return s
}

func (e *Engine) updateGauges(t DetectorStats) {
	e.metrics.trackedKeys.WithLabelValues("brute_force").Set(float64(t.BruteForceIPs))
	e.metrics.trackedKeys.WithLabelValues("credential_stuffing").Set(float64(t.StuffingIPs))
	e.metrics.trackedKeys.WithLabelValues("credential_pairs").Set(float64(t.CredentialPairs))
	e.metrics.trackedKeys.WithLabelValues("sessions").Set(float64(t.Sessions))
	e.metrics.trackedKeys.WithLabelValues("session_ips").Set(float64(t.SessionIPs))
	e.metrics.trackedKeys.WithLabelValues("session_tenants").Set(float64(t.SessionTenants))
	e.metrics.trackedKeys.WithLabelValues("coordinated").Set(float64(t.CoordinatedPatterns))
	e.metrics.blockedIPs.Set(float64(t.BlockedIPs))
}

// Reset discards all detector state and violation counters. It returns the
// number of keys dropped.
func (e *Engine) Reset() int {
	n := e.bruteForce.store.clear() +
		e.stuffing.byIP.clear() +
		e.stuffing.byPair.clear() +
		e.sessions.sessions.clear() +
		e.sessions.byIP.clear() +
		e.sessions.byTenant.clear() +
		e.coordinated.store.clear()

	e.countsMu.Lock()
	e.counts = make(map[ViolationType]int)
	e.since = e.now()
	e.countsMu.Unlock()

	e.logger.Info("security analysis state reset", slog.Int("keys_removed", n))
	return n
}

// Sweep removes state whose window has closed. Active brute force blocks
// are kept until they lapse.
func (e *Engine) Sweep() int {
	now := e.now()
	return e.bruteForce.store.sweep(now) +
		e.stuffing.byIP.sweep(now) +
		e.stuffing.byPair.sweep(now) +
		e.sessions.sessions.sweep(now) +
		e.sessions.byIP.sweep(now) +
		e.sessions.byTenant.sweep(now) +
		e.coordinated.store.sweep(now)
}

// StartSweeper runs Sweep every interval until ctx is done
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := e.Sweep(); removed > 0 {
					e.logger.DebugContext(ctx, "attack state sweep completed", slog.Int("removed", removed))
				}
				e.Stats()
			}
		}
	}()
}

func newViolation(t ViolationType, severity Severity, detector, key, tenantID string, at time.Time, evidence map[string]interface{}) Violation {
	return Violation{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  severity,
		Detector:  detector,
		Key:       key,
		TenantID:  tenantID,
		Evidence:  evidence,
		Timestamp: at,
	}
}
