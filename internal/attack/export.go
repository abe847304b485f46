package attack

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Snapshot is a point-in-time copy of every detector's state. It is safe to
// hold and serialise while analysis continues.
type Snapshot struct {
	GeneratedAt        time.Time                 `json:"generatedAt"`
	Enabled            bool                      `json:"enabled"`
	Thresholds         Thresholds                `json:"thresholds"`
	Stats              Stats                     `json:"stats"`
	BruteForce         []BruteForceSnapshot      `json:"bruteForce"`
	CredentialStuffing []StuffingSnapshot        `json:"credentialStuffing"`
	DistributedPairs   []DistributedPairSnapshot `json:"distributedPairs"`
	Sessions           []SessionSnapshot         `json:"sessions"`
	SessionSources     []SourceSessionsSnapshot  `json:"sessionSources"`
	Coordinated        []CoordinatedSnapshot     `json:"coordinated"`
}

// Export copies the live state of all detectors. Each key is copied under
// its own lock so the snapshot is consistent per key, not globally.
func (e *Engine) Export() *Snapshot {
	now := e.now()
	s := &Snapshot{
		GeneratedAt: now,
		Enabled:     e.Enabled(),
		Thresholds:  e.th,
		Stats:       e.Stats(),
		BruteForce:  e.bruteForce.snapshot(now),
		Coordinated: e.coordinated.snapshot(now),
	}
	s.CredentialStuffing, s.DistributedPairs = e.stuffing.snapshot(now)
	s.Sessions, s.SessionSources = e.sessions.snapshot(now)
	return s
}

// Workbook sheet names
const (
	SheetSummary            = "Summary"
	SheetBruteForce         = "BruteForce"
	SheetCredentialStuffing = "CredentialStuffing"
	SheetSessions           = "Sessions"
	SheetCoordinated        = "Coordinated"
)

// WriteWorkbook renders s as an xlsx workbook with one sheet per detector
func WriteWorkbook(s *Snapshot, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	for _, name := range []string{SheetBruteForce, SheetCredentialStuffing, SheetSessions, SheetCoordinated} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	if err := writeRows(f, SheetSummary, summaryRows(s)); err != nil {
		return err
	}

	rows := [][]interface{}{{"IP", "Total", "Failed", "Successful", "Unique Usernames", "Threat Level", "Volume Severity", "Blocked Until", "First Seen", "Last Seen"}}
	for _, b := range s.BruteForce {
		blocked := ""
		if b.BlockedUntil != nil {
			blocked = formatTime(*b.BlockedUntil)
		}
		rows = append(rows, []interface{}{
			b.Key, b.TotalAttempts, b.FailedAttempts, b.SuccessAttempts,
			len(b.UniqueUsernames), b.ThreatLevel.String(), b.VolumeSeverity.String(),
			blocked, formatTime(b.FirstSeen), formatTime(b.LastSeen),
		})
	}
	if err := writeRows(f, SheetBruteForce, rows); err != nil {
		return err
	}

	rows = [][]interface{}{{"IP", "Total", "Success Rate", "Unique Usernames", "Credential Pairs", "Threat Level", "First Seen", "Last Seen"}}
	for _, c := range s.CredentialStuffing {
		rows = append(rows, []interface{}{
			c.Key, c.TotalAttempts, c.Signature.SuccessRate, len(c.UniqueUsernames),
			c.UniqueCredentialPairs, c.ThreatLevel.String(), formatTime(c.FirstSeen), formatTime(c.LastSeen),
		})
	}
	if len(s.DistributedPairs) > 0 {
		rows = append(rows, []interface{}{}, []interface{}{"Pair Fingerprint", "Source IPs", "Flagged"})
		for _, p := range s.DistributedPairs {
			rows = append(rows, []interface{}{p.Fingerprint, strings.Join(p.SourceIPs, ", "), p.Flagged})
		}
	}
	if err := writeRows(f, SheetCredentialStuffing, rows); err != nil {
		return err
	}

	rows = [][]interface{}{{"Session", "IP", "User Agent", "User", "Tenant", "Events", "Hijacked", "First Seen", "Last Seen"}}
	for _, ss := range s.Sessions {
		rows = append(rows, []interface{}{
			ss.SessionID, ss.IP, ss.UserAgent, ss.UserID, ss.TenantID,
			ss.Events, ss.Hijacked, formatTime(ss.FirstSeen), formatTime(ss.LastSeen),
		})
	}
	if err := writeRows(f, SheetSessions, rows); err != nil {
		return err
	}

	rows = [][]interface{}{{"Attack Type", "Signature", "Batches", "Source IPs", "Target Tenants", "Last Batch"}}
	for _, c := range s.Coordinated {
		last := ""
		if n := len(c.Timestamps); n > 0 {
			last = formatTime(c.Timestamps[n-1])
		}
		rows = append(rows, []interface{}{
			c.AttackType, c.Signature, c.Batches, len(c.SourceIPs), strings.Join(c.TargetTenants, ", "), last,
		})
	}
	if err := writeRows(f, SheetCoordinated, rows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func summaryRows(s *Snapshot) [][]interface{} {
	rows := [][]interface{}{
		{"Generated At", formatTime(s.GeneratedAt)},
		{"Analysis Enabled", s.Enabled},
		{"Tracked Brute Force IPs", s.Stats.Tracked.BruteForceIPs},
		{"Blocked IPs", s.Stats.Tracked.BlockedIPs},
		{"Tracked Stuffing IPs", s.Stats.Tracked.StuffingIPs},
		{"Tracked Sessions", s.Stats.Tracked.Sessions},
		{"Coordinated Patterns", s.Stats.Tracked.CoordinatedPatterns},
		{"Total Violations", s.Stats.TotalViolations},
		{},
		{"Violation Type", "Count"},
	}
	for _, t := range []ViolationType{
		BruteForceVolume, BruteForceMultiTarget, BruteForceBlocked,
		CredentialStuffingVolume, CredentialStuffingBreachData, CredentialStuffingDistributed,
		SessionHijacking, MultiSessionAbuse, CrossTenantSessionPattern,
		CoordinatedMultiIPAttack, CoordinatedMultiTenantAttack, CoordinatedSynchronizedAttack,
	} {
		rows = append(rows, []interface{}{string(t), s.Stats.Violations[t]})
	}
	return rows
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
