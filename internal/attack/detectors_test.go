package attack

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func failedLogin(ip, user string, at time.Time) AuthAttempt {
	return AuthAttempt{IP: ip, Username: user, Password: "hunter2", Timestamp: at, UserAgent: "curl/8.0"}
}

func ofType(vs []Violation, t ViolationType) []Violation {
	var out []Violation
	for _, v := range vs {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// Brute Force Tests
// =============================================================================

func TestBruteForceVolume(t *testing.T) {
	th := DefaultThresholds()

	t.Run("threshold minus one emits nothing", func(t *testing.T) {
		d := newBruteForceDetector(th)
		var all []Violation
		for i := 0; i < th.BruteForceVolume-1; i++ {
			vs, blocked := d.analyze(failedLogin("10.0.0.1", "admin", t0.Add(time.Duration(i)*time.Second)), t0.Add(time.Duration(i)*time.Second))
			assert.False(t, blocked)
			all = append(all, vs...)
		}
		assert.Empty(t, all)
	})

	t.Run("fires once per severity boundary", func(t *testing.T) {
		d := newBruteForceDetector(th)
		var all []Violation
		for i := 0; i < th.BruteForceCritical; i++ {
			now := t0.Add(time.Duration(i) * time.Second)
			vs, _ := d.analyze(failedLogin("10.0.0.1", "admin", now), now)
			if i+1 == th.BruteForceVolume {
				require.Len(t, vs, 1)
				assert.Equal(t, SeverityHigh, vs[0].Severity)
			}
			all = append(all, vs...)
		}

		volume := ofType(all, BruteForceVolume)
		require.Len(t, volume, 2)
		assert.Equal(t, SeverityHigh, volume[0].Severity)
		assert.Equal(t, SeverityCritical, volume[1].Severity)
		assert.Equal(t, "10.0.0.1", volume[1].Key)
		assert.Equal(t, th.BruteForceCritical, volume[1].Evidence["failedAttempts"])
		assert.Contains(t, volume[1].Evidence, "blockedUntil")
	})

	t.Run("successful attempts count toward volume", func(t *testing.T) {
		d := newBruteForceDetector(th)
		var all []Violation
		for i := 0; i < th.BruteForceVolume-1; i++ {
			vs, _ := d.analyze(failedLogin("203.0.113.9", "alice", t0), t0)
			all = append(all, vs...)
		}
		require.Empty(t, all)

		ok := failedLogin("203.0.113.9", "alice", t0)
		ok.Success = true
		vs, blocked := d.analyze(ok, t0)
		assert.False(t, blocked)
		require.Len(t, vs, 1)
		assert.Equal(t, BruteForceVolume, vs[0].Type)
		assert.Equal(t, SeverityHigh, vs[0].Severity)
		assert.Equal(t, th.BruteForceVolume, vs[0].Evidence["totalAttempts"])
		assert.Equal(t, th.BruteForceVolume-1, vs[0].Evidence["failedAttempts"])
	})

	t.Run("empty IP is no signal", func(t *testing.T) {
		d := newBruteForceDetector(th)
		for i := 0; i < 50; i++ {
			vs, blocked := d.analyze(failedLogin("", "admin", t0), t0)
			assert.Empty(t, vs)
			assert.False(t, blocked)
		}
		assert.Equal(t, 0, d.store.len())
	})

	t.Run("window reset allows a new accumulation", func(t *testing.T) {
		d := newBruteForceDetector(th)
		for i := 0; i < th.BruteForceVolume; i++ {
			d.analyze(failedLogin("10.0.0.3", "admin", t0), t0)
		}
		later := t0.Add(th.BruteForceWindow + time.Second)
		var all []Violation
		for i := 0; i < th.BruteForceVolume; i++ {
			vs, _ := d.analyze(failedLogin("10.0.0.3", "admin", later), later)
			all = append(all, vs...)
		}
		require.Len(t, ofType(all, BruteForceVolume), 1)
	})
}

func TestBruteForceScenario(t *testing.T) {
	d := newBruteForceDetector(DefaultThresholds())

	var all []Violation
	for i := 0; i < 15; i++ {
		now := t0.Add(time.Duration(i) * 4 * time.Second)
		vs, _ := d.analyze(failedLogin("203.0.113.5", "admin", now), now)
		all = append(all, vs...)
	}

	volume := ofType(all, BruteForceVolume)
	require.NotEmpty(t, volume)
	assert.GreaterOrEqual(t, volume[0].Severity, SeverityHigh)
}

func TestBruteForceBlock(t *testing.T) {
	th := DefaultThresholds()
	d := newBruteForceDetector(th)

	for i := 0; i < th.BruteForceCritical; i++ {
		d.analyze(failedLogin("10.0.0.9", "admin", t0), t0)
	}

	t.Run("blocked attempts short-circuit", func(t *testing.T) {
		now := t0.Add(time.Minute)
		vs, blocked := d.analyze(failedLogin("10.0.0.9", "root", now), now)
		assert.True(t, blocked)
		require.Len(t, vs, 1)
		assert.Equal(t, BruteForceBlocked, vs[0].Type)

		d.store.view("10.0.0.9", now, func(st *bruteForceState) {
			assert.Equal(t, th.BruteForceCritical, st.pattern.Total)
		})
	})

	t.Run("block outlives the window", func(t *testing.T) {
		now := t0.Add(th.BruteForceWindow + time.Minute)
		require.Less(t, th.BruteForceWindow+time.Minute, th.BlockTTL)

		assert.Equal(t, 0, d.store.sweep(now))
		until, ok := d.blockedUntil("10.0.0.9", now)
		assert.True(t, ok)
		assert.Equal(t, t0.Add(th.BlockTTL), until)
	})

	t.Run("expired block resets state", func(t *testing.T) {
		now := t0.Add(th.BlockTTL + time.Second)
		_, ok := d.blockedUntil("10.0.0.9", now)
		assert.False(t, ok)

		vs, blocked := d.analyze(failedLogin("10.0.0.9", "admin", now), now)
		assert.False(t, blocked)
		assert.Empty(t, vs)
		d.store.view("10.0.0.9", now, func(st *bruteForceState) {
			assert.Equal(t, 1, st.pattern.Total)
			assert.Equal(t, SeverityNone, st.volumeLevel)
		})
	})
}

func TestBruteForceMultiTarget(t *testing.T) {
	th := DefaultThresholds()
	d := newBruteForceDetector(th)

	var all []Violation
	for i := 0; i < th.BruteForceUniqueUsers-1; i++ {
		vs, _ := d.analyze(failedLogin("10.1.0.1", fmt.Sprintf("user%d", i), t0), t0)
		all = append(all, vs...)
	}
	assert.Empty(t, ofType(all, BruteForceMultiTarget))

	vs, _ := d.analyze(failedLogin("10.1.0.1", "user-last", t0), t0)
	multi := ofType(vs, BruteForceMultiTarget)
	require.Len(t, multi, 1)
	assert.Equal(t, SeverityHigh, multi[0].Severity)
	assert.Equal(t, th.BruteForceUniqueUsers, multi[0].Evidence["uniqueUsernames"])

	vs, _ = d.analyze(failedLogin("10.1.0.1", "another", t0), t0)
	assert.Empty(t, ofType(vs, BruteForceMultiTarget))

	t.Run("escalates to critical and blocks at twice the threshold", func(t *testing.T) {
		d := newBruteForceDetector(th)
		var all []Violation
		for i := 0; i < 2*th.BruteForceUniqueUsers; i++ {
			vs, blocked := d.analyze(failedLogin("10.1.0.2", fmt.Sprintf("user%d", i), t0), t0)
			assert.False(t, blocked)
			all = append(all, vs...)
		}

		multi := ofType(all, BruteForceMultiTarget)
		require.Len(t, multi, 2)
		assert.Equal(t, SeverityHigh, multi[0].Severity)
		assert.Equal(t, SeverityCritical, multi[1].Severity)
		assert.Equal(t, 2*th.BruteForceUniqueUsers, multi[1].Evidence["uniqueUsernames"])
		assert.Equal(t, t0.Add(th.BlockTTL), multi[1].Evidence["blockedUntil"])

		until, ok := d.blockedUntil("10.1.0.2", t0)
		assert.True(t, ok)
		assert.Equal(t, t0.Add(th.BlockTTL), until)

		vs, blocked := d.analyze(failedLogin("10.1.0.2", "late", t0), t0)
		assert.True(t, blocked)
		require.Len(t, vs, 1)
		assert.Equal(t, BruteForceBlocked, vs[0].Type)
	})
}

// =============================================================================
// Pattern Tests
// =============================================================================

func TestPatternAccumulator(t *testing.T) {
	p := newPattern()
	for i := 0; i < 250; i++ {
		p.record(EventRecord{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			IP:        "10.0.0.1",
			Username:  fmt.Sprintf("u%d", i%7),
			Success:   i%3 == 0,
		}, 100)
		assert.Equal(t, p.Total, p.Failed+p.Successful)
	}

	assert.Equal(t, 250, p.Total)
	assert.Len(t, p.Events, 100)
	assert.Equal(t, t0.Add(150*time.Second), p.Events[0].Timestamp)
	assert.Len(t, p.UniqueUsernames, 7)
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, t0.Add(249*time.Second), p.LastSeen)
}

// =============================================================================
// Credential Stuffing Tests
// =============================================================================

func TestCredentialStuffingVolume(t *testing.T) {
	th := DefaultThresholds()

	t.Run("fires at volume with a low success rate", func(t *testing.T) {
		d := newCredentialStuffingDetector(th)
		var all []Violation
		for i := 0; i < th.StuffingVolume; i++ {
			a := failedLogin("198.51.100.7", fmt.Sprintf("user%d", i%3), t0)
			a.Password = "same"
			vs := d.analyze(a, t0)
			if i < th.StuffingVolume-1 {
				assert.Empty(t, ofType(vs, CredentialStuffingVolume))
			}
			all = append(all, vs...)
		}
		volume := ofType(all, CredentialStuffingVolume)
		require.Len(t, volume, 1)
		assert.Equal(t, SeverityCritical, volume[0].Severity)

		vs := d.analyze(failedLogin("198.51.100.7", "user0", t0), t0)
		assert.Empty(t, ofType(vs, CredentialStuffingVolume))
	})

	t.Run("high success rate is not stuffing", func(t *testing.T) {
		d := newCredentialStuffingDetector(th)
		var all []Violation
		for i := 0; i < th.StuffingVolume*2; i++ {
			a := failedLogin("198.51.100.8", "svc", t0)
			a.Success = i%2 == 0
			all = append(all, d.analyze(a, t0)...)
		}
		assert.Empty(t, ofType(all, CredentialStuffingVolume))
	})
}

func TestCredentialStuffingBreachData(t *testing.T) {
	th := DefaultThresholds()
	d := newCredentialStuffingDetector(th)

	var all []Violation
	for i := 0; i < th.StuffingUniquePairs; i++ {
		a := AuthAttempt{IP: "192.0.2.44", Username: fmt.Sprintf("user%d@example.com", i), Password: fmt.Sprintf("pw%d", i)}
		vs := d.analyze(a, t0)
		if i < th.StuffingUniquePairs-1 {
			assert.Empty(t, vs)
		}
		all = append(all, vs...)
	}
	breach := ofType(all, CredentialStuffingBreachData)
	require.Len(t, breach, 1)
	assert.Equal(t, SeverityHigh, breach[0].Severity)
	assert.NotContains(t, fmt.Sprint(breach[0].Evidence), "pw1")

	vs := d.analyze(AuthAttempt{IP: "192.0.2.44", Username: "extra@example.com", Password: "pw-extra"}, t0)
	assert.Empty(t, ofType(vs, CredentialStuffingBreachData))

	t.Run("escalates to critical at twice the threshold", func(t *testing.T) {
		d := newCredentialStuffingDetector(th)
		var all []Violation
		for i := 0; i < 2*th.StuffingUniquePairs; i++ {
			all = append(all, d.analyze(AuthAttempt{IP: "192.0.2.45", Username: fmt.Sprintf("user%d@example.com", i), Password: fmt.Sprintf("pw%d", i)}, t0)...)
		}
		breach := ofType(all, CredentialStuffingBreachData)
		require.Len(t, breach, 2)
		assert.Equal(t, SeverityHigh, breach[0].Severity)
		assert.Equal(t, SeverityCritical, breach[1].Severity)
		assert.Equal(t, 2*th.StuffingUniquePairs, breach[1].Evidence["uniqueCredentialPairs"])
	})
}

func TestCredentialStuffingDistributed(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name  string
		ips   []string
		fires bool
	}{
		{name: "three distinct IPs", ips: []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}, fires: true},
		{name: "two distinct IPs", ips: []string{"1.1.1.1", "2.2.2.2", "1.1.1.1"}, fires: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newCredentialStuffingDetector(th)
			var all []Violation
			for _, ip := range tt.ips {
				all = append(all, d.analyze(AuthAttempt{IP: ip, Username: "bob", Password: "Summer2024!"}, t0)...)
			}
			dist := ofType(all, CredentialStuffingDistributed)
			if !tt.fires {
				assert.Empty(t, dist)
				return
			}
			require.Len(t, dist, 1)
			assert.Equal(t, 3, dist[0].Evidence["sourceCount"])
			assert.NotContains(t, dist[0].Key, "Summer2024!")
		})
	}

	t.Run("escalates to critical at twice the threshold", func(t *testing.T) {
		d := newCredentialStuffingDetector(th)
		var all []Violation
		for _, ip := range ips(2 * th.StuffingDistributedIPs) {
			all = append(all, d.analyze(AuthAttempt{IP: ip, Username: "bob", Password: "Summer2024!"}, t0)...)
		}
		dist := ofType(all, CredentialStuffingDistributed)
		require.Len(t, dist, 2)
		assert.Equal(t, SeverityHigh, dist[0].Severity)
		assert.Equal(t, SeverityCritical, dist[1].Severity)
		assert.Equal(t, 2*th.StuffingDistributedIPs, dist[1].Evidence["sourceCount"])

		_, pairs := d.snapshot(t0)
		require.Len(t, pairs, 1)
		assert.True(t, pairs[0].Flagged)
	})

	t.Run("missing password gives no pair signal", func(t *testing.T) {
		d := newCredentialStuffingDetector(th)
		var all []Violation
		for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
			all = append(all, d.analyze(AuthAttempt{IP: ip, Username: "bob"}, t0)...)
		}
		assert.Empty(t, ofType(all, CredentialStuffingDistributed))
		assert.Equal(t, 0, d.byPair.len())
	})
}

// =============================================================================
// Session Tests
// =============================================================================

func TestSessionHijacking(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name  string
		next  SessionEvent
		fires bool
	}{
		{
			name:  "new IP and new user agent",
			next:  SessionEvent{SessionID: "s1", IP: "10.9.9.9", UserAgent: "python-requests/2.31"},
			fires: true,
		},
		{
			name:  "same origin",
			next:  SessionEvent{SessionID: "s1", IP: "10.0.0.1", UserAgent: "Mozilla/5.0"},
			fires: false,
		},
		{
			name:  "new IP with the same user agent",
			next:  SessionEvent{SessionID: "s1", IP: "10.9.9.9", UserAgent: "Mozilla/5.0"},
			fires: false,
		},
		{
			name:  "new IP without a user agent",
			next:  SessionEvent{SessionID: "s1", IP: "10.9.9.9"},
			fires: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newSessionTracker(th)
			assert.Empty(t, tr.track(SessionEvent{SessionID: "s1", IP: "10.0.0.1", UserAgent: "Mozilla/5.0", UserID: "u1", TenantID: "acme"}, t0))

			vs := ofType(tr.track(tt.next, t0.Add(time.Minute)), SessionHijacking)
			if !tt.fires {
				assert.Empty(t, vs)
				return
			}
			require.Len(t, vs, 1)
			assert.Equal(t, SeverityCritical, vs[0].Severity)
			assert.Equal(t, "10.0.0.1", vs[0].Evidence["originalIP"])
			assert.Equal(t, "acme", vs[0].TenantID)

			again := tr.track(SessionEvent{SessionID: "s1", IP: "10.8.8.8", UserAgent: "other"}, t0.Add(2*time.Minute))
			assert.Empty(t, ofType(again, SessionHijacking))
		})
	}

	t.Run("outside the session window", func(t *testing.T) {
		tr := newSessionTracker(th)
		tr.track(SessionEvent{SessionID: "s2", IP: "10.0.0.1", UserAgent: "A"}, t0)
		vs := tr.track(SessionEvent{SessionID: "s2", IP: "10.0.0.2", UserAgent: "B"}, t0.Add(th.SessionWindow+time.Second))
		assert.Empty(t, vs)
	})
}

func TestMultiSessionAbuse(t *testing.T) {
	th := DefaultThresholds()
	tr := newSessionTracker(th)

	var all []Violation
	for i := 0; i < th.SessionsPerIP; i++ {
		all = append(all, tr.track(SessionEvent{
			SessionID: fmt.Sprintf("sess-%d", i),
			IP:        "172.16.0.5",
			UserID:    fmt.Sprintf("user-%d", i),
			TenantID:  "acme",
		}, t0)...)
	}
	abuse := ofType(all, MultiSessionAbuse)
	require.Len(t, abuse, 1)
	assert.Equal(t, th.SessionsPerIP, abuse[0].Evidence["sessionCount"])

	vs := tr.track(SessionEvent{SessionID: "sess-x", IP: "172.16.0.5", UserID: "user-x"}, t0)
	assert.Empty(t, ofType(vs, MultiSessionAbuse))

	t.Run("escalates to critical at twice the threshold", func(t *testing.T) {
		tr := newSessionTracker(th)
		var all []Violation
		for i := 0; i < 2*th.SessionsPerIP; i++ {
			all = append(all, tr.track(SessionEvent{
				SessionID: fmt.Sprintf("sess-%d", i),
				IP:        "172.16.0.6",
				UserID:    fmt.Sprintf("user-%d", i),
			}, t0)...)
		}
		abuse := ofType(all, MultiSessionAbuse)
		require.Len(t, abuse, 2)
		assert.Equal(t, SeverityHigh, abuse[0].Severity)
		assert.Equal(t, SeverityCritical, abuse[1].Severity)
		assert.Equal(t, 2*th.SessionsPerIP, abuse[1].Evidence["sessionCount"])
	})

	t.Run("sessions without users are not abuse", func(t *testing.T) {
		tr := newSessionTracker(th)
		var all []Violation
		for i := 0; i < 2*th.SessionsPerIP; i++ {
			all = append(all, tr.track(SessionEvent{SessionID: fmt.Sprintf("anon-%d", i), IP: "172.16.0.7"}, t0)...)
		}
		assert.Empty(t, ofType(all, MultiSessionAbuse))
	})
}

func TestCrossTenantSessionPattern(t *testing.T) {
	th := DefaultThresholds()
	tr := newSessionTracker(th)

	tenants := []string{"acme", "globex", "initech"}
	var all []Violation
	for i, tenant := range tenants {
		all = append(all, tr.track(SessionEvent{SessionID: fmt.Sprintf("s%d", i), IP: "172.16.0.9", TenantID: tenant}, t0)...)
	}
	cross := ofType(all, CrossTenantSessionPattern)
	require.Len(t, cross, 1)
	assert.Equal(t, tenants, cross[0].Evidence["tenants"])

	counts := tr.tenantSessions(t0)
	assert.Equal(t, 1, counts["acme"])

	t.Run("escalates to critical at twice the threshold", func(t *testing.T) {
		tr := newSessionTracker(th)
		var all []Violation
		for i := 0; i < 2*th.TenantsPerIP; i++ {
			all = append(all, tr.track(SessionEvent{SessionID: fmt.Sprintf("s%d", i), IP: "172.16.0.10", TenantID: fmt.Sprintf("tenant-%d", i)}, t0)...)
		}
		cross := ofType(all, CrossTenantSessionPattern)
		require.Len(t, cross, 2)
		assert.Equal(t, SeverityHigh, cross[0].Severity)
		assert.Equal(t, SeverityCritical, cross[1].Severity)
		assert.Equal(t, 2*th.TenantsPerIP, cross[1].Evidence["tenantCount"])
	})
}

// =============================================================================
// Coordinated Attack Tests
// =============================================================================

func ips(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("203.0.113.%d", i+1)
	}
	return out
}

func TestCoordinatedScenario(t *testing.T) {
	d := newCoordinatedDetector(DefaultThresholds())

	vs := d.analyze(CoordinatedBatch{
		AttackType:    "credential_stuffing",
		SourceIPs:     ips(25),
		TargetTenants: []string{"acme", "globex"},
		Signature:     "sig-1",
	}, t0)

	multi := ofType(vs, CoordinatedMultiIPAttack)
	require.Len(t, multi, 1)
	assert.Equal(t, SeverityCritical, multi[0].Severity)
	assert.Equal(t, 25, multi[0].Evidence["sourceIPCount"])
	assert.Empty(t, ofType(vs, CoordinatedMultiTenantAttack))
}

func TestCoordinatedAggregation(t *testing.T) {
	th := DefaultThresholds()

	t.Run("below threshold", func(t *testing.T) {
		d := newCoordinatedDetector(th)
		vs := d.analyze(CoordinatedBatch{AttackType: "brute_force", SourceIPs: ips(th.CoordinatedIPs - 1)}, t0)
		assert.Empty(t, vs)
	})

	t.Run("accumulates across calls", func(t *testing.T) {
		d := newCoordinatedDetector(th)
		all := d.analyze(CoordinatedBatch{AttackType: "brute_force", Signature: "x", SourceIPs: ips(2)}, t0)
		all = append(all, d.analyze(CoordinatedBatch{AttackType: "brute_force", Signature: "x", SourceIPs: ips(4)[2:]}, t0.Add(10*time.Second))...)
		require.Len(t, ofType(all, CoordinatedMultiIPAttack), 1)
	})

	t.Run("different signatures do not merge", func(t *testing.T) {
		d := newCoordinatedDetector(th)
		all := d.analyze(CoordinatedBatch{AttackType: "brute_force", Signature: "a", SourceIPs: ips(2)}, t0)
		all = append(all, d.analyze(CoordinatedBatch{AttackType: "brute_force", Signature: "b", SourceIPs: ips(4)[2:]}, t0)...)
		assert.Empty(t, all)
	})

	t.Run("multi tenant", func(t *testing.T) {
		d := newCoordinatedDetector(th)
		vs := d.analyze(CoordinatedBatch{AttackType: "scan", SourceIPs: ips(1), TargetTenants: []string{"a", "b", "c", "d", "e"}}, t0)
		multi := ofType(vs, CoordinatedMultiTenantAttack)
		require.Len(t, multi, 1)
		assert.Equal(t, SeverityCritical, multi[0].Severity)
	})

	t.Run("window closes", func(t *testing.T) {
		d := newCoordinatedDetector(th)
		d.analyze(CoordinatedBatch{AttackType: "scan", SourceIPs: ips(3)}, t0)
		vs := d.analyze(CoordinatedBatch{AttackType: "scan", SourceIPs: ips(4)[3:]}, t0.Add(th.CoordinatedWindow+time.Second))
		assert.Empty(t, vs)
	})
}

func TestCoordinatedSynchronization(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name      string
		intervals []time.Duration
		fires     bool
	}{
		{name: "regular spacing", intervals: []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, fires: true},
		{name: "small jitter", intervals: []time.Duration{30 * time.Second, 31 * time.Second, 29 * time.Second}, fires: true},
		{name: "irregular spacing", intervals: []time.Duration{time.Second, 60 * time.Second, 5 * time.Second}, fires: false},
		{name: "too few intervals", intervals: []time.Duration{30 * time.Second, 30 * time.Second}, fires: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newCoordinatedDetector(th)
			now := t0
			all := d.analyze(CoordinatedBatch{AttackType: "scan", SourceIPs: ips(1)}, now)
			for _, iv := range tt.intervals {
				now = now.Add(iv)
				all = append(all, d.analyze(CoordinatedBatch{AttackType: "scan", SourceIPs: ips(1)}, now)...)
			}
			synced := ofType(all, CoordinatedSynchronizedAttack)
			if !tt.fires {
				assert.Empty(t, synced)
				return
			}
			require.Len(t, synced, 1)
			assert.Equal(t, SeverityHigh, synced[0].Severity)
		})
	}
}
