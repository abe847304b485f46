package attack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink collects published batches
type recordingSink struct {
	mu      sync.Mutex
	batches [][]Violation
	err     error
}

func (s *recordingSink) Publish(_ context.Context, vs []Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, vs)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func newTestEngine(t *testing.T, opts EngineOptions) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	opts.Clock = clock.Now
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewEngine(opts), clock
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestEngineAnalyzeLogin(t *testing.T) {
	e, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	var last LoginResult
	var all []Violation
	for i := 0; i < 15; i++ {
		last = e.AnalyzeLogin(ctx, AuthAttempt{IP: "203.0.113.5", Username: "admin", Password: "guess"})
		all = append(all, last.Violations...)
	}

	volume := ofType(all, BruteForceVolume)
	require.Len(t, volume, 1)
	assert.Equal(t, SeverityHigh, volume[0].Severity)
	assert.NotEmpty(t, volume[0].ID)
	assert.Equal(t, t0, volume[0].Timestamp)
	assert.False(t, last.Blocked)
	assert.Equal(t, SeverityHigh, last.ThreatLevel)

	for i := 0; i < 5; i++ {
		last = e.AnalyzeLogin(ctx, AuthAttempt{IP: "203.0.113.5", Username: "admin", Password: "guess"})
	}
	assert.True(t, last.Blocked)
	require.NotNil(t, last.BlockedUntil)

	_, blocked := e.BlockedUntil("203.0.113.5")
	assert.True(t, blocked)

	last = e.AnalyzeLogin(ctx, AuthAttempt{IP: "203.0.113.5", Username: "admin", Password: "guess"})
	require.Len(t, last.Violations, 1)
	assert.Equal(t, BruteForceBlocked, last.Violations[0].Type)
}

func TestEngineBlockedAttemptsSkipStuffing(t *testing.T) {
	th := DefaultThresholds()
	e, _ := newTestEngine(t, EngineOptions{Thresholds: th})
	ctx := context.Background()

	for i := 0; i < th.BruteForceCritical; i++ {
		e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.1", Username: "admin", Password: "x"})
	}
	for i := 0; i < 100; i++ {
		e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.1", Username: fmt.Sprintf("u%d", i), Password: "x"})
	}

	snap := e.Export()
	require.Len(t, snap.CredentialStuffing, 1)
	assert.Equal(t, th.BruteForceCritical, snap.CredentialStuffing[0].TotalAttempts)
}

func TestEngineDisabled(t *testing.T) {
	e, _ := newTestEngine(t, EngineOptions{Disabled: true})
	ctx := context.Background()

	assert.False(t, e.Enabled())
	for i := 0; i < 30; i++ {
		res := e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.1", Username: "admin"})
		assert.Empty(t, res.Violations)
		assert.False(t, res.Blocked)
	}
	assert.Empty(t, e.TrackSession(ctx, SessionEvent{SessionID: "s", IP: "10.0.0.1"}))
	assert.Empty(t, e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "x", SourceIPs: ips(30)}))
	assert.Empty(t, e.AnalyzeBruteForce(ctx, AuthAttempt{IP: "10.0.0.1"}))
	assert.Empty(t, e.AnalyzeCredentialStuffing(ctx, AuthAttempt{IP: "10.0.0.1"}))

	stats := e.Stats()
	assert.False(t, stats.Enabled)
	assert.Equal(t, DetectorStats{}, stats.Tracked)
	assert.Zero(t, stats.TotalViolations)

	e.SetEnabled(true)
	assert.True(t, e.Enabled())
	assert.NotEmpty(t, e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "x", SourceIPs: ips(30)}))
}

func TestEngineStatsAndReset(t *testing.T) {
	e, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.1", Username: "admin", Password: "pw"})
	}
	e.TrackSession(ctx, SessionEvent{SessionID: "s1", IP: "10.0.0.2", TenantID: "acme"})
	e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "scan", SourceIPs: ips(5)})

	stats := e.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.Tracked.BruteForceIPs)
	assert.Equal(t, 1, stats.Tracked.StuffingIPs)
	assert.Equal(t, 1, stats.Tracked.CredentialPairs)
	assert.Equal(t, 1, stats.Tracked.Sessions)
	assert.Equal(t, 1, stats.Tracked.CoordinatedPatterns)
	assert.Equal(t, 1, stats.Violations[BruteForceVolume])
	assert.Equal(t, 1, stats.Violations[CoordinatedMultiIPAttack])
	assert.Equal(t, 2, stats.TotalViolations)
	assert.Equal(t, 1, stats.TenantSessions["acme"])

	removed := e.Reset()
	assert.Greater(t, removed, 0)
	stats = e.Stats()
	assert.Equal(t, DetectorStats{}, stats.Tracked)
	assert.Zero(t, stats.TotalViolations)
}

func TestEngineSweep(t *testing.T) {
	th := DefaultThresholds()
	e, clock := newTestEngine(t, EngineOptions{Thresholds: th})
	ctx := context.Background()

	for i := 0; i < th.BruteForceCritical; i++ {
		e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.1", Username: "admin"})
	}
	e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.0.0.2", Username: "admin"})
	e.TrackSession(ctx, SessionEvent{SessionID: "s1", IP: "10.0.0.3"})

	clock.Advance(th.BruteForceWindow + time.Second)
	assert.Equal(t, 1, e.Sweep(), "only the unblocked IP is removed")
	assert.Equal(t, 0, e.Sweep())

	stats := e.Stats()
	assert.Equal(t, 1, stats.Tracked.BruteForceIPs, "blocked IP is retained")
	assert.Equal(t, 1, stats.Tracked.BlockedIPs)
	assert.Equal(t, 1, stats.Tracked.Sessions, "session window has not closed")

	clock.Advance(th.BlockTTL + th.SessionWindow)
	e.Sweep()
	stats = e.Stats()
	assert.Equal(t, DetectorStats{}, stats.Tracked)
}

func TestEngineConcurrentAnalysis(t *testing.T) {
	th := DefaultThresholds()
	e, _ := newTestEngine(t, EngineOptions{Thresholds: th})
	ctx := context.Background()

	t.Run("single key", func(t *testing.T) {
		var mu sync.Mutex
		var all []Violation
		var wg sync.WaitGroup
		for g := 0; g < 20; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					res := e.AnalyzeLogin(ctx, AuthAttempt{IP: "10.10.10.10", Username: "admin"})
					mu.Lock()
					all = append(all, res.Violations...)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		volume := ofType(all, BruteForceVolume)
		require.Len(t, volume, 2)
		severities := []Severity{volume[0].Severity, volume[1].Severity}
		assert.ElementsMatch(t, []Severity{SeverityHigh, SeverityCritical}, severities)
		assert.Len(t, ofType(all, BruteForceBlocked), 200-th.BruteForceCritical)
	})

	t.Run("many keys", func(t *testing.T) {
		var mu sync.Mutex
		var all []Violation
		var wg sync.WaitGroup
		for g := 0; g < 50; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				ip := fmt.Sprintf("192.168.1.%d", g)
				for i := 0; i < th.BruteForceVolume; i++ {
					vs := e.AnalyzeBruteForce(ctx, AuthAttempt{IP: ip, Username: "admin"})
					mu.Lock()
					all = append(all, vs...)
					mu.Unlock()
				}
			}(g)
		}
		wg.Wait()
		assert.Len(t, ofType(all, BruteForceVolume), 50)
	})

	t.Run("analysis races sweeps", func(t *testing.T) {
		var wg sync.WaitGroup
		stop := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					e.Sweep()
				}
			}
		}()
		for i := 0; i < 200; i++ {
			e.TrackSession(ctx, SessionEvent{SessionID: fmt.Sprintf("s%d", i%13), IP: "10.0.0.1"})
		}
		close(stop)
		wg.Wait()
		assert.Equal(t, 13, e.Stats().Tracked.Sessions)
	})
}

func TestEngineDispatch(t *testing.T) {
	t.Run("delivers to the sink", func(t *testing.T) {
		sink := &recordingSink{}
		e, _ := newTestEngine(t, EngineOptions{Sink: sink})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e.StartDispatcher(ctx)

		vs := e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "scan", SourceIPs: ips(5), TargetTenants: []string{"a", "b", "c", "d", "e"}})
		require.Len(t, vs, 2)
		assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("sink errors never reach callers", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("broker down")}
		m, err := NewMetrics(prometheus.NewRegistry())
		require.NoError(t, err)
		e, _ := newTestEngine(t, EngineOptions{Sink: sink, Metrics: m})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e.StartDispatcher(ctx)

		vs := e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "scan", SourceIPs: ips(5)})
		require.Len(t, vs, 1)
		assert.Eventually(t, func() bool { return testutil.ToFloat64(m.sinkErrors) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("full queue drops batches", func(t *testing.T) {
		m, err := NewMetrics(nil)
		require.NoError(t, err)
		e, _ := newTestEngine(t, EngineOptions{Sink: &recordingSink{}, Metrics: m, QueueSize: 1})
		ctx := context.Background()

		e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "a", SourceIPs: ips(5)})
		vs := e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "b", SourceIPs: ips(5)})
		assert.Len(t, vs, 1, "callers still receive violations")
		assert.Equal(t, float64(1), testutil.ToFloat64(m.droppedBatch))
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := NewMetrics(reg)
	require.NoError(t, err)
	m2, err := NewMetrics(reg)
	require.NoError(t, err)

	e, _ := newTestEngine(t, EngineOptions{Metrics: m1})
	e.DetectCoordinated(context.Background(), CoordinatedBatch{AttackType: "scan", SourceIPs: ips(5)})

	got := testutil.ToFloat64(m2.violations.WithLabelValues(DetectorCoordinated, string(CoordinatedMultiIPAttack), "critical"))
	assert.Equal(t, float64(1), got)
	assert.Equal(t, float64(1), testutil.ToFloat64(m1.events.WithLabelValues(DetectorCoordinated)))
}

// =============================================================================
// Export Tests
// =============================================================================

func TestEngineExport(t *testing.T) {
	e, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.AnalyzeLogin(ctx, AuthAttempt{IP: fmt.Sprintf("10.0.0.%d", i), Username: "carol", Password: "P@ss"})
	}
	e.TrackSession(ctx, SessionEvent{SessionID: "s1", IP: "10.0.0.1", UserAgent: "A", TenantID: "acme"})
	e.TrackSession(ctx, SessionEvent{SessionID: "s1", IP: "10.0.0.2", UserAgent: "B"})
	e.DetectCoordinated(ctx, CoordinatedBatch{AttackType: "scan", Signature: "z", SourceIPs: ips(4)})

	snap := e.Export()
	assert.Equal(t, t0, snap.GeneratedAt)
	assert.True(t, snap.Enabled)
	assert.Len(t, snap.BruteForce, 3)
	assert.Len(t, snap.CredentialStuffing, 3)
	require.Len(t, snap.DistributedPairs, 1)
	assert.True(t, snap.DistributedPairs[0].Flagged)
	require.Len(t, snap.Sessions, 1)
	assert.True(t, snap.Sessions[0].Hijacked)
	require.Len(t, snap.Coordinated, 1)
	assert.Equal(t, 4, len(snap.Coordinated[0].SourceIPs))

	t.Run("json never carries passwords", func(t *testing.T) {
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "P@ss")
		assert.Contains(t, string(data), `"threatLevel":"low"`)
	})

	t.Run("workbook", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteWorkbook(snap, &buf))

		f, err := excelize.OpenReader(&buf)
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, []string{SheetSummary, SheetBruteForce, SheetCredentialStuffing, SheetSessions, SheetCoordinated}, f.GetSheetList())

		rows, err := f.GetRows(SheetBruteForce)
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "IP", rows[0][0])
		assert.Equal(t, "10.0.0.0", rows[1][0])

		rows, err = f.GetRows(SheetSessions)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "s1", rows[1][0])
		assert.Equal(t, "TRUE", rows[1][6])

		rows, err = f.GetRows(SheetSummary)
		require.NoError(t, err)
		assert.Equal(t, "Generated At", rows[0][0])
	})
}
