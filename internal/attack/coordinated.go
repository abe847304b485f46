package attack

import (
	"slices"
	"strings"
	"time"
)

type coordinatedState struct {
	attackType       string
	signature        string
	ips              map[string]struct{}
	tenants          map[string]struct{}
	timestamps       []time.Time
	batches          int
	multiIPFired     bool
	multiTenantFired bool
	syncFired        bool
}

// coordinatedDetector aggregates batches sharing an attack type and
// signature across calls inside a short global window
type coordinatedDetector struct {
	th    Thresholds
	store *keyedStore[coordinatedState]
}

func newCoordinatedDetector(th Thresholds) *coordinatedDetector {
	return &coordinatedDetector{
		th: th,
		store: newKeyedStore(th.CoordinatedWindow, func() coordinatedState {
			return coordinatedState{
				ips:     make(map[string]struct{}),
				tenants: make(map[string]struct{}),
			}
		}),
	}
}

func coordinatedKey(b CoordinatedBatch) string {
	attackType := strings.TrimSpace(b.AttackType)
	if attackType == "" {
		attackType = "unspecified"
	}
	return attackType + "|" + strings.TrimSpace(b.Signature)
}

func (d *coordinatedDetector) analyze(b CoordinatedBatch, now time.Time) []Violation {
	key := coordinatedKey(b)

	var out []Violation
	d.store.update(key, now, func(st *coordinatedState) {
		st.attackType = b.AttackType
		st.signature = b.Signature
		st.batches++
		for _, ip := range b.SourceIPs {
			addToSet(st.ips, strings.TrimSpace(ip))
		}
		for _, tenant := range b.TargetTenants {
			addToSet(st.tenants, strings.TrimSpace(tenant))
		}
		if d.th.MaxEventsPerKey > 0 && len(st.timestamps) >= d.th.MaxEventsPerKey {
			st.timestamps = slices.Delete(st.timestamps, 0, 1)
		}
		st.timestamps = append(st.timestamps, now)

		base := func() map[string]interface{} {
			return map[string]interface{}{
				"attackType":      b.AttackType,
				"attackSignature": b.Signature,
				"sourceIPCount":   len(st.ips),
				"tenantCount":     len(st.tenants),
				"batches":         st.batches,
			}
		}

		if !st.multiIPFired && len(st.ips) >= d.th.CoordinatedIPs {
			st.multiIPFired = true
			evidence := base()
			evidence["sourceIPs"] = sampleKeys(st.ips, 50)
			out = append(out, newViolation(CoordinatedMultiIPAttack, SeverityCritical, DetectorCoordinated, key, "", now, evidence))
		}

		if !st.multiTenantFired && len(st.tenants) >= d.th.CoordinatedTenants {
			st.multiTenantFired = true
			evidence := base()
			evidence["targetTenants"] = sampleKeys(st.tenants, 50)
			out = append(out, newViolation(CoordinatedMultiTenantAttack, SeverityCritical, DetectorCoordinated, key, "", now, evidence))
		}

		if !st.syncFired {
			if mean, cv, ok := d.synchronized(st.timestamps); ok {
				st.syncFired = true
				level := SeverityHigh
				if st.multiIPFired || st.multiTenantFired {
					level = SeverityCritical
				}
				evidence := base()
				evidence["meanInterval"] = mean.String()
				evidence["jitterRatio"] = cv
				out = append(out, newViolation(CoordinatedSynchronizedAttack, level, DetectorCoordinated, key, "", now, evidence))
			}
		}
	})
	return out
}

// synchronized checks the trailing inter-arrival intervals for near-constant
// spacing. It returns the mean interval and its coefficient of variation.
func (d *coordinatedDetector) synchronized(timestamps []time.Time) (time.Duration, float64, bool) {
	need := d.th.SyncMinIntervals
	if len(timestamps) < need+1 {
		return 0, 0, false
	}

	tail := slices.Clone(timestamps[len(timestamps)-need-1:])
	slices.SortFunc(tail, func(a, b time.Time) int { return a.Compare(b) })

	intervals := make([]float64, 0, need)
	for i := 1; i < len(tail); i++ {
		intervals = append(intervals, tail[i].Sub(tail[i-1]).Seconds())
	}
	mean, stddev := meanStdDev(intervals)
	meanDur := time.Duration(mean * float64(time.Second))
	if mean == 0 {
		return 0, 0, true
	}
	cv := stddev / mean
	return meanDur, cv, cv <= d.th.SyncMaxJitterRatio
}

func sampleKeys(set map[string]struct{}, limit int) []string {
	keys := sortedKeys(set)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// CoordinatedSnapshot is the exported state of one attack signature
type CoordinatedSnapshot struct {
	Key           string      `json:"key"`
	AttackType    string      `json:"attackType"`
	Signature     string      `json:"attackSignature"`
	SourceIPs     []string    `json:"sourceIPs"`
	TargetTenants []string    `json:"targetTenants"`
	Batches       int         `json:"batches"`
	Timestamps    []time.Time `json:"timestamps"`
}

func (d *coordinatedDetector) snapshot(now time.Time) []CoordinatedSnapshot {
	out := make([]CoordinatedSnapshot, 0, d.store.len())
	d.store.each(now, func(key string, st *coordinatedState) {
		out = append(out, CoordinatedSnapshot{
			Key:           key,
			AttackType:    st.attackType,
			Signature:     st.signature,
			SourceIPs:     sortedKeys(st.ips),
			TargetTenants: sortedKeys(st.tenants),
			Batches:       st.batches,
			Timestamps:    slices.Clone(st.timestamps),
		})
	})
	return out
}
