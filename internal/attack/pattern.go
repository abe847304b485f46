package attack

import (
	"slices"
	"sync"
	"time"
)

// EventRecord is the retained trace of one attempt
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip,omitempty"`
	Username  string    `json:"username,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Success   bool      `json:"success"`
}

// ruleSeverity grades a set-size rule: high once n reaches threshold,
// critical at twice the threshold
func ruleSeverity(n, threshold int) Severity {
	switch {
	case threshold <= 0:
		return SeverityNone
	case n >= 2*threshold:
		return SeverityCritical
	case n >= threshold:
		return SeverityHigh
	default:
		return SeverityNone
	}
}

// Pattern accumulates attempts for one correlation key inside a detector
// window. Counters always satisfy Failed + Successful == Total.
type Pattern struct {
	Total           int
	Failed          int
	Successful      int
	UniqueUsernames map[string]struct{}
	UniqueIPs       map[string]struct{}
	FirstSeen       time.Time
	LastSeen        time.Time
	// Events is bounded; the oldest record is dropped first
	Events []EventRecord
}

func newPattern() Pattern {
	return Pattern{
		UniqueUsernames: make(map[string]struct{}),
		UniqueIPs:       make(map[string]struct{}),
	}
}

// record folds one attempt into the accumulator
func (p *Pattern) record(ev EventRecord, maxEvents int) {
	p.Total++
	if ev.Success {
		p.Successful++
	} else {
		p.Failed++
	}
	if ev.Username != "" {
		p.UniqueUsernames[ev.Username] = struct{}{}
	}
	if ev.IP != "" {
		p.UniqueIPs[ev.IP] = struct{}{}
	}
	if p.FirstSeen.IsZero() || ev.Timestamp.Before(p.FirstSeen) {
		p.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(p.LastSeen) {
		p.LastSeen = ev.Timestamp
	}

	if maxEvents > 0 && len(p.Events) >= maxEvents {
		copy(p.Events, p.Events[1:])
		p.Events = p.Events[:len(p.Events)-1]
	}
	p.Events = append(p.Events, ev)
}

// Counts returns the counters used for threat scoring
func (p *Pattern) Counts() PatternCounts {
	return PatternCounts{
		TotalAttempts:      p.Total,
		UniqueUsernames:    len(p.UniqueUsernames),
		FailedAttempts:     p.Failed,
		SuccessfulAttempts: p.Successful,
	}
}

// SuccessRate is Successful / Total, or 0 without attempts
func (p *Pattern) SuccessRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Successful) / float64(p.Total)
}

// attempts rebuilds the retained events as AuthAttempts for signatures
func (p *Pattern) attempts() []AuthAttempt {
	out := make([]AuthAttempt, len(p.Events))
	for i, ev := range p.Events {
		out[i] = AuthAttempt{
			IP:        ev.IP,
			Username:  ev.Username,
			UserAgent: ev.UserAgent,
			Success:   ev.Success,
			Timestamp: ev.Timestamp,
		}
	}
	return out
}

// PatternSnapshot is an exported, copy-safe view of a Pattern
type PatternSnapshot struct {
	Key             string        `json:"key"`
	TotalAttempts   int           `json:"totalAttempts"`
	FailedAttempts  int           `json:"failedAttempts"`
	SuccessAttempts int           `json:"successfulAttempts"`
	UniqueUsernames []string      `json:"uniqueUsernames"`
	UniqueIPs       []string      `json:"uniqueIPs"`
	FirstSeen       time.Time     `json:"firstSeen"`
	LastSeen        time.Time     `json:"lastSeen"`
	ThreatLevel     Severity      `json:"threatLevel"`
	Signature       Signature     `json:"signature"`
	Events          []EventRecord `json:"events"`
}

func (p *Pattern) snapshot(key string) PatternSnapshot {
	return PatternSnapshot{
		Key:             key,
		TotalAttempts:   p.Total,
		FailedAttempts:  p.Failed,
		SuccessAttempts: p.Successful,
		UniqueUsernames: sortedKeys(p.UniqueUsernames),
		UniqueIPs:       sortedKeys(p.UniqueIPs),
		FirstSeen:       p.FirstSeen,
		LastSeen:        p.LastSeen,
		ThreatLevel:     CalculateThreatLevel(p.Counts()),
		Signature:       GenerateAttackSignature(p.attempts()),
		Events:          slices.Clone(p.Events),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// entry guards one key's state with its own lock. A swept entry is marked
// dead so a writer that raced the sweep retries against a fresh entry.
type entry[T any] struct {
	mu       sync.Mutex
	value    T
	lastSeen time.Time
	dead     bool
}

// keyedStore maps correlation keys to independently locked state. The map
// lock is held only for lookup and insert, never while state is updated.
type keyedStore[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	window  time.Duration
	fresh   func() T
	// retain keeps an idle entry alive past the window
	retain func(v *T, now time.Time) bool
}

func newKeyedStore[T any](window time.Duration, fresh func() T) *keyedStore[T] {
	return &keyedStore[T]{
		entries: make(map[string]*entry[T]),
		window:  window,
		fresh:   fresh,
	}
}

// expired reports whether e's state has aged out. Callers hold e.mu.
func (s *keyedStore[T]) expired(e *entry[T], now time.Time) bool {
	if e.lastSeen.IsZero() || now.Sub(e.lastSeen) < s.window {
		return false
	}
	return s.retain == nil || !s.retain(&e.value, now)
}

func (s *keyedStore[T]) lookup(key string) *entry[T] {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; !ok {
		e = &entry[T]{value: s.fresh()}
		s.entries[key] = e
	}
	return e
}

// update runs fn on key's state under the key's lock. State whose last
// activity is a full window old is replaced before fn sees it.
func (s *keyedStore[T]) update(key string, now time.Time, fn func(v *T)) {
	for !s.apply(s.lookup(key), now, fn) {
	}
}

// apply reports false when e was swept before its lock was taken
func (s *keyedStore[T]) apply(e *entry[T], now time.Time, fn func(v *T)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	if s.expired(e, now) {
		e.value = s.fresh()
	}
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	fn(&e.value)
	return true
}

// view runs fn on key's state if it exists and is still inside the window
func (s *keyedStore[T]) view(key string, now time.Time, fn func(v *T)) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || s.expired(e, now) {
		return false
	}
	fn(&e.value)
	return true
}

// each visits every live entry, locking one at a time
func (s *keyedStore[T]) each(now time.Time, fn func(key string, v *T)) {
	for _, key := range s.keys() {
		s.view(key, now, func(v *T) { fn(key, v) })
	}
}

func (s *keyedStore[T]) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *keyedStore[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweep drops entries idle for a full window
func (s *keyedStore[T]) sweep(now time.Time) int {
	removed := 0
	for _, key := range s.keys() {
		s.mu.RLock()
		e, ok := s.entries[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		stale := e.lastSeen.IsZero() || s.expired(e, now)
		if stale {
			e.dead = true
		}
		e.mu.Unlock()
		if !stale {
			continue
		}

		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

func (s *keyedStore[T]) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for _, e := range s.entries {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
	s.entries = make(map[string]*entry[T])
	return n
}

// addToSet inserts v and reports whether it was new; empty values are ignored
func addToSet(set map[string]struct{}, v string) bool {
	if v == "" {
		return false
	}
	if _, ok := set[v]; ok {
		return false
	}
	set[v] = struct{}{}
	return true
}
