package attack

import "time"

type stuffingState struct {
	pattern     Pattern
	pairs       map[string]struct{}
	volumeFired bool
	breachLevel Severity
}

type pairState struct {
	ips   map[string]struct{}
	level Severity
}

// credentialStuffingDetector looks for credential lists replayed from one
// source, and for the same credential pair replayed from many sources
type credentialStuffingDetector struct {
	th     Thresholds
	byIP   *keyedStore[stuffingState]
	byPair *keyedStore[pairState]
}

func newCredentialStuffingDetector(th Thresholds) *credentialStuffingDetector {
	return &credentialStuffingDetector{
		th: th,
		byIP: newKeyedStore(th.StuffingWindow, func() stuffingState {
			return stuffingState{pattern: newPattern(), pairs: make(map[string]struct{})}
		}),
		byPair: newKeyedStore(th.StuffingWindow, func() pairState {
			return pairState{ips: make(map[string]struct{})}
		}),
	}
}

func (d *credentialStuffingDetector) analyze(a AuthAttempt, now time.Time) []Violation {
	if a.IP == "" {
		return nil
	}

	var fingerprint string
	if a.Username != "" && a.Password != "" {
		fingerprint = credentialFingerprint(a.Username, a.Password)
	}

	var out []Violation
	d.byIP.update(a.IP, now, func(st *stuffingState) {
		p := &st.pattern
		p.record(EventRecord{
			Timestamp: now,
			IP:        a.IP,
			Username:  a.Username,
			UserAgent: a.UserAgent,
			Success:   a.Success,
		}, d.th.MaxEventsPerKey)
		addToSet(st.pairs, fingerprint)

		if !st.volumeFired && p.Total >= d.th.StuffingVolume && p.SuccessRate() < d.th.StuffingMaxSuccessRate {
			st.volumeFired = true
			out = append(out, newViolation(CredentialStuffingVolume, SeverityCritical, DetectorCredentialStuffing, a.IP, a.TenantID, now, map[string]interface{}{
				"totalAttempts":   p.Total,
				"successRate":     p.SuccessRate(),
				"uniqueUsernames": len(p.UniqueUsernames),
				"window":          d.th.StuffingWindow.String(),
			}))
		}

		pairs := len(st.pairs)
		if level := ruleSeverity(pairs, d.th.StuffingUniquePairs); level > st.breachLevel {
			st.breachLevel = level
			out = append(out, newViolation(CredentialStuffingBreachData, level, DetectorCredentialStuffing, a.IP, a.TenantID, now, map[string]interface{}{
				"uniqueCredentialPairs": pairs,
				"uniqueUsernames":       len(p.UniqueUsernames),
				"totalAttempts":         p.Total,
			}))
		}
	})

	if fingerprint == "" {
		return out
	}

	d.byPair.update(fingerprint, now, func(st *pairState) {
		addToSet(st.ips, a.IP)
		ips := len(st.ips)
		if level := ruleSeverity(ips, d.th.StuffingDistributedIPs); level > st.level {
			st.level = level
			out = append(out, newViolation(CredentialStuffingDistributed, level, DetectorCredentialStuffing, fingerprint, a.TenantID, now, map[string]interface{}{
				"username":    a.Username,
				"sourceIPs":   sortedKeys(st.ips),
				"sourceCount": ips,
			}))
		}
	})
	return out
}

// StuffingSnapshot is the exported state of one source IP
type StuffingSnapshot struct {
	PatternSnapshot
	UniqueCredentialPairs int `json:"uniqueCredentialPairs"`
}

// DistributedPairSnapshot is the exported state of one credential pair. The
// key is a fingerprint, never the credentials themselves.
type DistributedPairSnapshot struct {
	Fingerprint string   `json:"fingerprint"`
	SourceIPs   []string `json:"sourceIPs"`
	Flagged     bool     `json:"flagged"`
}

func (d *credentialStuffingDetector) snapshot(now time.Time) ([]StuffingSnapshot, []DistributedPairSnapshot) {
	byIP := make([]StuffingSnapshot, 0, d.byIP.len())
	d.byIP.each(now, func(key string, st *stuffingState) {
		byIP = append(byIP, StuffingSnapshot{
			PatternSnapshot:       st.pattern.snapshot(key),
			UniqueCredentialPairs: len(st.pairs),
		})
	})

	var pairs []DistributedPairSnapshot
	d.byPair.each(now, func(key string, st *pairState) {
		// single-source pairs are ordinary logins
		if len(st.ips) < 2 {
			return
		}
		pairs = append(pairs, DistributedPairSnapshot{
			Fingerprint: key,
			SourceIPs:   sortedKeys(st.ips),
			Flagged:     st.level > SeverityNone,
		})
	})
	return byIP, pairs
}
