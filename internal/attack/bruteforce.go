package attack

import "time"

type bruteForceState struct {
	pattern      Pattern
	volumeLevel  Severity
	targetLevel  Severity
	blockedUntil time.Time
}

// bruteForceDetector tracks login attempts per source IP
type bruteForceDetector struct {
	th    Thresholds
	store *keyedStore[bruteForceState]
}

func newBruteForceDetector(th Thresholds) *bruteForceDetector {
	store := newKeyedStore(th.BruteForceWindow, func() bruteForceState {
		return bruteForceState{pattern: newPattern()}
	})
	// a block outlives the detection window
	store.retain = func(st *bruteForceState, now time.Time) bool {
		return now.Before(st.blockedUntil)
	}
	return &bruteForceDetector{th: th, store: store}
}

// volumeSeverity maps the attempt count onto the volume rule's severity
func (d *bruteForceDetector) volumeSeverity(total int) Severity {
	switch {
	case total >= d.th.BruteForceCritical:
		return SeverityCritical
	case total >= d.th.BruteForceVolume:
		return SeverityHigh
	default:
		return SeverityNone
	}
}

// analyze folds a into the IP's accumulator. While the IP is blocked the
// attempt is not analysed and a brute_force_blocked violation is returned.
func (d *bruteForceDetector) analyze(a AuthAttempt, now time.Time) (out []Violation, blocked bool) {
	if a.IP == "" {
		return nil, false
	}

	d.store.update(a.IP, now, func(st *bruteForceState) {
		if !st.blockedUntil.IsZero() {
			if now.Before(st.blockedUntil) {
				blocked = true
				out = append(out, newViolation(BruteForceBlocked, SeverityCritical, DetectorBruteForce, a.IP, a.TenantID, now, map[string]interface{}{
					"blockedUntil": st.blockedUntil,
					"username":     a.Username,
				}))
				return
			}
			*st = bruteForceState{pattern: newPattern()}
		}

		p := &st.pattern
		p.record(EventRecord{
			Timestamp: now,
			IP:        a.IP,
			Username:  a.Username,
			UserAgent: a.UserAgent,
			Success:   a.Success,
		}, d.th.MaxEventsPerKey)

		if level := d.volumeSeverity(p.Total); level > st.volumeLevel {
			st.volumeLevel = level
			evidence := map[string]interface{}{
				"failedAttempts":  p.Failed,
				"totalAttempts":   p.Total,
				"uniqueUsernames": len(p.UniqueUsernames),
				"firstSeen":       p.FirstSeen,
				"window":          d.th.BruteForceWindow.String(),
			}
			if level == SeverityCritical {
				evidence["blockedUntil"] = d.block(st, now)
			}
			out = append(out, newViolation(BruteForceVolume, level, DetectorBruteForce, a.IP, a.TenantID, now, evidence))
		}

		users := len(p.UniqueUsernames)
		if level := ruleSeverity(users, d.th.BruteForceUniqueUsers); level > st.targetLevel {
			st.targetLevel = level
			evidence := map[string]interface{}{
				"uniqueUsernames": users,
				"usernames":       sortedKeys(p.UniqueUsernames),
				"totalAttempts":   p.Total,
			}
			if level == SeverityCritical {
				evidence["blockedUntil"] = d.block(st, now)
			}
			out = append(out, newViolation(BruteForceMultiTarget, level, DetectorBruteForce, a.IP, a.TenantID, now, evidence))
		}
	})
	return out, blocked
}

// block starts the block that follows any critical brute force violation
func (d *bruteForceDetector) block(st *bruteForceState, now time.Time) time.Time {
	if st.blockedUntil.IsZero() {
		st.blockedUntil = now.Add(d.th.BlockTTL)
	}
	return st.blockedUntil
}

// blockedUntil reports an active block on ip
func (d *bruteForceDetector) blockedUntil(ip string, now time.Time) (time.Time, bool) {
	var until time.Time
	d.store.view(ip, now, func(st *bruteForceState) {
		until = st.blockedUntil
	})
	return until, now.Before(until)
}

// BruteForceSnapshot is the exported state of one source IP
type BruteForceSnapshot struct {
	PatternSnapshot
	VolumeSeverity Severity   `json:"volumeSeverity"`
	BlockedUntil   *time.Time `json:"blockedUntil,omitempty"`
}

func (d *bruteForceDetector) snapshot(now time.Time) []BruteForceSnapshot {
	out := make([]BruteForceSnapshot, 0, d.store.len())
	d.store.each(now, func(key string, st *bruteForceState) {
		snap := BruteForceSnapshot{
			PatternSnapshot: st.pattern.snapshot(key),
			VolumeSeverity:  st.volumeLevel,
		}
		if now.Before(st.blockedUntil) {
			until := st.blockedUntil
			snap.BlockedUntil = &until
		}
		out = append(out, snap)
	})
	return out
}

func (d *bruteForceDetector) blockedCount(now time.Time) int {
	n := 0
	d.store.each(now, func(_ string, st *bruteForceState) {
		if now.Before(st.blockedUntil) {
			n++
		}
	})
	return n
}
