package license

import (
	"slices"
	"strings"
	"time"
)

// LicenseType is the commercial tier reported by the license authority
type LicenseType string

const (
	LicenseTypeTrial        LicenseType = "trial"
	LicenseTypeBasic        LicenseType = "basic"
	LicenseTypeProfessional LicenseType = "professional"
	LicenseTypeEnterprise   LicenseType = "enterprise"
	LicenseTypeUnknown      LicenseType = "unknown"
)

// ParseLicenseType maps an authority string onto a known license type
func ParseLicenseType(s string) LicenseType {
	switch LicenseType(strings.ToLower(strings.TrimSpace(s))) {
	case LicenseTypeTrial:
		return LicenseTypeTrial
	case LicenseTypeBasic:
		return LicenseTypeBasic
	case LicenseTypeProfessional:
		return LicenseTypeProfessional
	case LicenseTypeEnterprise:
		return LicenseTypeEnterprise
	default:
		return LicenseTypeUnknown
	}
}

// Limits are the numeric quotas granted by a license. Zero means unlimited.
type Limits struct {
	MaxUsers   int64 `json:"maxUsers"`
	MaxStorage int64 `json:"maxStorage"`
	MaxAPI     int64 `json:"maxAPI"`
}

// ValidationResult is the verdict for one tenant license token. Values are
// never mutated after they are cached; callers receive copies.
type ValidationResult struct {
	Valid       bool        `json:"valid"`
	Features    []string    `json:"features"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	LicenseType LicenseType `json:"licenseType"`
	Limits      Limits      `json:"limits"`
	CachedAt    time.Time   `json:"cachedAt"`
	Cached      bool        `json:"cached"`
	Offline     bool        `json:"offline,omitempty"`
}

// HasFeature reports whether feature is granted by the license
func (r *ValidationResult) HasFeature(feature string) bool {
	if r == nil {
		return false
	}
	_, found := slices.BinarySearch(r.Features, feature)
	return found
}

// Clone returns a deep copy
func (r *ValidationResult) Clone() *ValidationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Features = slices.Clone(r.Features)
	return &out
}

// normalizeFeatures sorts and deduplicates so the slice behaves as a set
func normalizeFeatures(features []string) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
