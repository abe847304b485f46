package attack

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tenantguard/internal/config"
)

// Severity orders violations from least to most urgent
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps a name such as "high" back to its Severity
func ParseSeverity(name string) (Severity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// MarshalJSON encodes the severity by name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ViolationType names the rule that fired
type ViolationType string

const (
	BruteForceVolume              ViolationType = "brute_force_volume"
	BruteForceMultiTarget         ViolationType = "brute_force_multi_target"
	BruteForceBlocked             ViolationType = "brute_force_blocked"
	CredentialStuffingVolume      ViolationType = "credential_stuffing_volume"
	CredentialStuffingBreachData  ViolationType = "credential_stuffing_breach_data"
	CredentialStuffingDistributed ViolationType = "credential_stuffing_distributed"
	SessionHijacking              ViolationType = "session_hijacking"
	MultiSessionAbuse             ViolationType = "multi_session_abuse"
	CrossTenantSessionPattern     ViolationType = "cross_tenant_session_pattern"
	CoordinatedMultiIPAttack      ViolationType = "coordinated_multi_ip_attack"
	CoordinatedMultiTenantAttack  ViolationType = "coordinated_multi_tenant_attack"
	CoordinatedSynchronizedAttack ViolationType = "coordinated_synchronized_attack"
)

// Detector names, used for stats, metrics and violation attribution
const (
	DetectorBruteForce         = "brute_force"
	DetectorCredentialStuffing = "credential_stuffing"
	DetectorSession            = "session"
	DetectorCoordinated        = "coordinated"
)

// Violation is emitted when a detector rule fires. It is never modified
// after emission.
type Violation struct {
	ID        string                 `json:"id"`
	Type      ViolationType          `json:"type"`
	Severity  Severity               `json:"severity"`
	Detector  string                 `json:"detector"`
	Key       string                 `json:"key"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Evidence  map[string]interface{} `json:"evidence"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuthAttempt is one login outcome. Only IP is required for analysis;
// other empty fields simply contribute no signal. The password is reduced
// to a fingerprint on arrival and never stored.
type AuthAttempt struct {
	IP        string    `json:"ip"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	Success   bool      `json:"success"`
	TenantID  string    `json:"tenantId,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent reports activity on an authenticated session
type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CoordinatedBatch describes a group of related events observed together,
// for example one wave of failed logins seen by an upstream collector
type CoordinatedBatch struct {
	AttackType    string                 `json:"attackType"`
	SourceIPs     []string               `json:"sourceIPs"`
	TargetTenants []string               `json:"targetTenants"`
	Signature     string                 `json:"attackSignature,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Thresholds are the policy constants of every detector rule
type Thresholds struct {
	MaxEventsPerKey int `json:"maxEventsPerKey"`

	BruteForceWindow      time.Duration `json:"bruteForceWindow"`
	BruteForceVolume      int           `json:"bruteForceVolume"`
	BruteForceCritical    int           `json:"bruteForceCritical"`
	BruteForceUniqueUsers int           `json:"bruteForceUniqueUsers"`
	BlockTTL              time.Duration `json:"blockTTL"`

	StuffingWindow         time.Duration `json:"stuffingWindow"`
	StuffingVolume         int           `json:"stuffingVolume"`
	StuffingMaxSuccessRate float64       `json:"stuffingMaxSuccessRate"`
	StuffingUniquePairs    int           `json:"stuffingUniquePairs"`
	StuffingDistributedIPs int           `json:"stuffingDistributedIPs"`

	SessionWindow time.Duration `json:"sessionWindow"`
	SessionsPerIP int           `json:"sessionsPerIP"`
	TenantsPerIP  int           `json:"tenantsPerIP"`

	CoordinatedWindow  time.Duration `json:"coordinatedWindow"`
	CoordinatedIPs     int           `json:"coordinatedIPs"`
	CoordinatedTenants int           `json:"coordinatedTenants"`
	SyncMinIntervals   int           `json:"syncMinIntervals"`
	SyncMaxJitterRatio float64       `json:"syncMaxJitterRatio"`
}

// DefaultThresholds returns the stock policy
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxEventsPerKey:        100,
		BruteForceWindow:       15 * time.Minute,
		BruteForceVolume:       10,
		BruteForceCritical:     20,
		BruteForceUniqueUsers:  5,
		BlockTTL:               30 * time.Minute,
		StuffingWindow:         time.Hour,
		StuffingVolume:         50,
		StuffingMaxSuccessRate: 0.05,
		StuffingUniquePairs:    20,
		StuffingDistributedIPs: 3,
		SessionWindow:          time.Hour,
		SessionsPerIP:          10,
		TenantsPerIP:           3,
		CoordinatedWindow:      10 * time.Minute,
		CoordinatedIPs:         4,
		CoordinatedTenants:     5,
		SyncMinIntervals:       3,
		SyncMaxJitterRatio:     0.1,
	}
}

// ThresholdsFromConfig copies the attack section of the configuration
func ThresholdsFromConfig(cfg config.AttackConfig) Thresholds {
	return Thresholds{
		MaxEventsPerKey:        cfg.MaxEventsPerKey,
		BruteForceWindow:       cfg.BruteForceWindow,
		BruteForceVolume:       cfg.BruteForceVolume,
		BruteForceCritical:     cfg.BruteForceCritical,
		BruteForceUniqueUsers:  cfg.BruteForceUniqueUsers,
		BlockTTL:               cfg.BlockTTL,
		StuffingWindow:         cfg.StuffingWindow,
		StuffingVolume:         cfg.StuffingVolume,
		StuffingMaxSuccessRate: cfg.StuffingMaxSuccessRate,
		StuffingUniquePairs:    cfg.StuffingUniquePairs,
		StuffingDistributedIPs: cfg.StuffingDistributedIPs,
		SessionWindow:          cfg.SessionWindow,
		SessionsPerIP:          cfg.SessionsPerIP,
		TenantsPerIP:           cfg.TenantsPerIP,
		CoordinatedWindow:      cfg.CoordinatedWindow,
		CoordinatedIPs:         cfg.CoordinatedIPs,
		CoordinatedTenants:     cfg.CoordinatedTenants,
		SyncMinIntervals:       cfg.SyncMinIntervals,
		SyncMaxJitterRatio:     cfg.SyncMaxJitterRatio,
	}
}

// withDefaults fills zero fields from DefaultThresholds
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MaxEventsPerKey <= 0 {
		t.MaxEventsPerKey = d.MaxEventsPerKey
	}
	if t.BruteForceWindow <= 0 {
		t.BruteForceWindow = d.BruteForceWindow
	}
	if t.BruteForceVolume <= 0 {
		t.BruteForceVolume = d.BruteForceVolume
	}
	if t.BruteForceCritical < t.BruteForceVolume {
		t.BruteForceCritical = max(d.BruteForceCritical, t.BruteForceVolume)
	}
	if t.BruteForceUniqueUsers <= 0 {
		t.BruteForceUniqueUsers = d.BruteForceUniqueUsers
	}
	if t.BlockTTL <= 0 {
		t.BlockTTL = d.BlockTTL
	}
	if t.StuffingWindow <= 0 {
		t.StuffingWindow = d.StuffingWindow
	}
	if t.StuffingVolume <= 0 {
		t.StuffingVolume = d.StuffingVolume
	}
	if t.StuffingMaxSuccessRate <= 0 {
		t.StuffingMaxSuccessRate = d.StuffingMaxSuccessRate
	}
	if t.StuffingUniquePairs <= 0 {
		t.StuffingUniquePairs = d.StuffingUniquePairs
	}
	if t.StuffingDistributedIPs < 2 {
		t.StuffingDistributedIPs = d.StuffingDistributedIPs
	}
	if t.SessionWindow <= 0 {
		t.SessionWindow = d.SessionWindow
	}
	if t.SessionsPerIP <= 0 {
		t.SessionsPerIP = d.SessionsPerIP
	}
	if t.TenantsPerIP <= 0 {
		t.TenantsPerIP = d.TenantsPerIP
	}
	if t.CoordinatedWindow <= 0 {
		t.CoordinatedWindow = d.CoordinatedWindow
	}
	if t.CoordinatedIPs < 2 {
		t.CoordinatedIPs = d.CoordinatedIPs
	}
	if t.CoordinatedTenants < 2 {
		t.CoordinatedTenants = d.CoordinatedTenants
	}
	if t.SyncMinIntervals < 2 {
		t.SyncMinIntervals = d.SyncMinIntervals
	}
	if t.SyncMaxJitterRatio < 0 {
		t.SyncMaxJitterRatio = d.SyncMaxJitterRatio
	}
	return t
}
