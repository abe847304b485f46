package attack

import (
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/stat"
)

// PatternCounts are the accumulator counters threat scoring looks at
type PatternCounts struct {
	TotalAttempts      int `json:"totalAttempts"`
	UniqueUsernames    int `json:"uniqueUsernames"`
	FailedAttempts     int `json:"failedAttempts"`
	SuccessfulAttempts int `json:"successfulAttempts"`
}

// failure ratio is ignored below this many attempts
const minFailureSample = 3

var (
	attemptSteps  = []int{5, 10, 20, 50}
	usernameSteps = []int{3, 5, 10}
	failureSteps  = []float64{0.5, 0.8, 0.95}
)

// CalculateThreatLevel classifies counters for dashboards. Raising any one
// input (attempts, distinct targets, failure ratio) never lowers the level.
// Enforcement uses rule severities, not this score.
func CalculateThreatLevel(c PatternCounts) Severity {
	score := 0
	for _, step := range attemptSteps {
		if c.TotalAttempts >= step {
			score++
		}
	}
	for _, step := range usernameSteps {
		if c.UniqueUsernames >= step {
			score++
		}
	}
	if c.TotalAttempts >= minFailureSample {
		ratio := float64(c.FailedAttempts) / float64(c.TotalAttempts)
		for _, step := range failureSteps {
			if ratio >= step {
				score++
			}
		}
	}

	switch {
	case score >= 8:
		return SeverityCritical
	case score >= 5:
		return SeverityHigh
	case score >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Signature is a fixed-shape fingerprint of a run of attempts
type Signature struct {
	AttemptCount        int           `json:"attemptCount"`
	TimeSpan            time.Duration `json:"timeSpan"`
	UniqueUsernames     int           `json:"uniqueUsernames"`
	UserAgentVariations int           `json:"userAgentVariations"`
	SuccessRate         float64       `json:"successRate"`
}

// GenerateAttackSignature summarises attempts. TimeSpan runs from the
// earliest to the latest timestamp; zero timestamps are ignored.
func GenerateAttackSignature(attempts []AuthAttempt) Signature {
	sig := Signature{AttemptCount: len(attempts)}
	if len(attempts) == 0 {
		return sig
	}

	users := make(map[string]struct{})
	agents := make(map[string]struct{})
	var first, last time.Time
	successes := 0
	for _, a := range attempts {
		addToSet(users, a.Username)
		addToSet(agents, a.UserAgent)
		if a.Success {
			successes++
		}
		if a.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() || a.Timestamp.Before(first) {
			first = a.Timestamp
		}
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}

	sig.TimeSpan = last.Sub(first)
	sig.UniqueUsernames = len(users)
	sig.UserAgentVariations = len(agents)
	sig.SuccessRate = float64(successes) / float64(len(attempts))
	return sig
}

// Hash returns a short stable identifier used to deduplicate alerts
func (s Signature) Hash() string {
	buf := make([]byte, 0, 64)
	buf = strconv.AppendInt(buf, int64(s.AttemptCount), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(s.TimeSpan/time.Second), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(s.UniqueUsernames), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(s.UserAgentVariations), 10)
	buf = append(buf, '|')
	buf = strconv.AppendFloat(buf, s.SuccessRate, 'f', 4, 64)
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// credentialFingerprint identifies a username/password pair without
// retaining the password
func credentialFingerprint(username, password string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.Mean(values, nil), math.Sqrt(stat.PopVariance(values, nil))
}
