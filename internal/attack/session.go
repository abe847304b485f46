package attack

import "time"

type sessionState struct {
	ip        string
	userAgent string
	userID    string
	tenantID  string
	firstSeen time.Time
	lastSeen  time.Time
	events    int
	hijacked  bool
}

type ipSessionsState struct {
	sessions         map[string]struct{}
	users            map[string]struct{}
	tenants          map[string]struct{}
	abuseLevel       Severity
	crossTenantLevel Severity
}

type tenantSessionsState struct {
	sessions map[string]struct{}
	ips      map[string]struct{}
}

// sessionTracker follows sessions by id, source IP and tenant
type sessionTracker struct {
	th       Thresholds
	sessions *keyedStore[sessionState]
	byIP     *keyedStore[ipSessionsState]
	byTenant *keyedStore[tenantSessionsState]
}

func newSessionTracker(th Thresholds) *sessionTracker {
	return &sessionTracker{
		th:       th,
		sessions: newKeyedStore(th.SessionWindow, func() sessionState { return sessionState{} }),
		byIP: newKeyedStore(th.SessionWindow, func() ipSessionsState {
			return ipSessionsState{
				sessions: make(map[string]struct{}),
				users:    make(map[string]struct{}),
				tenants:  make(map[string]struct{}),
			}
		}),
		byTenant: newKeyedStore(th.SessionWindow, func() tenantSessionsState {
			return tenantSessionsState{
				sessions: make(map[string]struct{}),
				ips:      make(map[string]struct{}),
			}
		}),
	}
}

func (t *sessionTracker) track(ev SessionEvent, now time.Time) []Violation {
	if ev.SessionID == "" {
		return nil
	}

	var out []Violation
	t.sessions.update(ev.SessionID, now, func(st *sessionState) {
		st.events++
		if st.firstSeen.IsZero() {
			st.ip = ev.IP
			st.userAgent = ev.UserAgent
			st.userID = ev.UserID
			st.tenantID = ev.TenantID
			st.firstSeen = now
			st.lastSeen = now
			return
		}
		if now.After(st.lastSeen) {
			st.lastSeen = now
		}

		// the origin is the first complete sighting
		if st.ip == "" {
			st.ip = ev.IP
		}
		if st.userAgent == "" {
			st.userAgent = ev.UserAgent
		}
		if st.userID == "" {
			st.userID = ev.UserID
		}
		if st.tenantID == "" {
			st.tenantID = ev.TenantID
		}

		ipChanged := ev.IP != "" && ev.IP != st.ip
		agentChanged := ev.UserAgent != "" && ev.UserAgent != st.userAgent
		if st.hijacked || !ipChanged || !agentChanged {
			return
		}
		st.hijacked = true
		out = append(out, newViolation(SessionHijacking, SeverityCritical, DetectorSession, ev.SessionID, st.tenantID, now, map[string]interface{}{
			"originalIP":        st.ip,
			"originalUserAgent": st.userAgent,
			"newIP":             ev.IP,
			"newUserAgent":      ev.UserAgent,
			"userId":            st.userID,
			"sessionAge":        now.Sub(st.firstSeen).String(),
		}))
	})

	if ev.IP != "" {
		t.byIP.update(ev.IP, now, func(st *ipSessionsState) {
			addToSet(st.sessions, ev.SessionID)
			addToSet(st.users, ev.UserID)
			addToSet(st.tenants, ev.TenantID)

			sessions, users := len(st.sessions), len(st.users)
			if level := ruleSeverity(sessions, t.th.SessionsPerIP); users >= t.th.SessionsPerIP && level > st.abuseLevel {
				st.abuseLevel = level
				out = append(out, newViolation(MultiSessionAbuse, level, DetectorSession, ev.IP, ev.TenantID, now, map[string]interface{}{
					"sessionCount": sessions,
					"userCount":    users,
				}))
			}

			tenants := len(st.tenants)
			if level := ruleSeverity(tenants, t.th.TenantsPerIP); level > st.crossTenantLevel {
				st.crossTenantLevel = level
				out = append(out, newViolation(CrossTenantSessionPattern, level, DetectorSession, ev.IP, ev.TenantID, now, map[string]interface{}{
					"tenantCount": tenants,
					"tenants":     sortedKeys(st.tenants),
				}))
			}
		})
	}

	if ev.TenantID != "" {
		t.byTenant.update(ev.TenantID, now, func(st *tenantSessionsState) {
			addToSet(st.sessions, ev.SessionID)
			addToSet(st.ips, ev.IP)
		})
	}
	return out
}

// SessionSnapshot is the exported state of one session
type SessionSnapshot struct {
	SessionID string    `json:"sessionId"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Events    int       `json:"events"`
	Hijacked  bool      `json:"hijacked"`
}

// SourceSessionsSnapshot summarises sessions opened from one IP
type SourceSessionsSnapshot struct {
	IP       string   `json:"ip"`
	Sessions int      `json:"sessions"`
	Users    int      `json:"users"`
	Tenants  []string `json:"tenants"`
}

func (t *sessionTracker) snapshot(now time.Time) ([]SessionSnapshot, []SourceSessionsSnapshot) {
	sessions := make([]SessionSnapshot, 0, t.sessions.len())
	t.sessions.each(now, func(key string, st *sessionState) {
		sessions = append(sessions, SessionSnapshot{
			SessionID: key,
			IP:        st.ip,
			UserAgent: st.userAgent,
			UserID:    st.userID,
			TenantID:  st.tenantID,
			FirstSeen: st.firstSeen,
			LastSeen:  st.lastSeen,
			Events:    st.events,
			Hijacked:  st.hijacked,
		})
	})

	sources := make([]SourceSessionsSnapshot, 0, t.byIP.len())
	t.byIP.each(now, func(key string, st *ipSessionsState) {
		sources = append(sources, SourceSessionsSnapshot{
			IP:       key,
			Sessions: len(st.sessions),
			Users:    len(st.users),
			Tenants:  sortedKeys(st.tenants),
		})
	})
	return sessions, sources
}

// tenantSessions counts live sessions per tenant
func (t *sessionTracker) tenantSessions(now time.Time) map[string]int {
	out := make(map[string]int)
	t.byTenant.each(now, func(key string, st *tenantSessionsState) {
		out[key] = len(st.sessions)
	})
	return out
}
