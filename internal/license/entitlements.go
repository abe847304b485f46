package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ModuleKey identifies a licensable product module
type ModuleKey string

const (
	ModuleCore          ModuleKey = "core"
	ModuleHR            ModuleKey = "hr"
	ModulePayroll       ModuleKey = "payroll"
	ModuleLeave         ModuleKey = "leave"
	ModuleAttendance    ModuleKey = "attendance"
	ModuleDocuments     ModuleKey = "documents"
	ModuleSurveys       ModuleKey = "surveys"
	ModuleAnnouncements ModuleKey = "announcements"
	ModuleClinic        ModuleKey = "clinic"
	ModuleInsurance     ModuleKey = "insurance"
	ModuleReports       ModuleKey = "reports"
)

var knownModules = map[ModuleKey]struct{}{
	ModuleCore: {}, ModuleHR: {}, ModulePayroll: {}, ModuleLeave: {},
	ModuleAttendance: {}, ModuleDocuments: {}, ModuleSurveys: {},
	ModuleAnnouncements: {}, ModuleClinic: {}, ModuleInsurance: {}, ModuleReports: {},
}

// ParseModuleKey validates s against the closed module set
func ParseModuleKey(s string) (ModuleKey, error) {
	key := ModuleKey(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownModules[key]; !ok {
		return "", fmt.Errorf("unknown module %q", s)
	}
	return key, nil
}

// KnownModules returns the module set in stable order
func KnownModules() []ModuleKey {
	out := make([]ModuleKey, 0, len(knownModules))
	for k := range knownModules {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModuleEntitlement is the grant of one module to a tenant
type ModuleEntitlement struct {
	Enabled bool             `json:"enabled"`
	Tier    string           `json:"tier"`
	Limits  map[string]int64 `json:"limits,omitempty"`
}

// LicenseDocument is the per-tenant module license record
type LicenseDocument struct {
	TenantID string                          `json:"tenantId"`
	Modules  map[ModuleKey]ModuleEntitlement `json:"modules"`
}

// Validate rejects documents naming modules outside the known set
func (d *LicenseDocument) Validate() error {
	if d.TenantID == "" {
		return errors.New("license document has no tenant id")
	}
	for key := range d.Modules {
		if _, ok := knownModules[key]; !ok {
			return fmt.Errorf("license document for %s names unknown module %q", d.TenantID, key)
		}
	}
	return nil
}

// Store resolves tenant license data. Implementations return ErrNotFound
// when the tenant has no record.
type Store interface {
	LicenseToken(ctx context.Context, tenantID string) (string, error)
	LicenseDocument(ctx context.Context, tenantID string) (*LicenseDocument, error)
	CurrentUsage(ctx context.Context, tenantID string, module ModuleKey, limitType string) (int64, error)
}

// ResolveToken returns presented when set, otherwise the token stored for
// the tenant. A tenant without a stored token yields "" and no error.
func ResolveToken(ctx context.Context, store Store, tenantID, presented string) (string, error) {
	if presented = strings.TrimSpace(presented); presented != "" || store == nil {
		return presented, nil
	}
	token, err := store.LicenseToken(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", validationFaultError(tenantID, err)
	}
	return token, nil
}

// CheckFeature decides whether info grants feature. The result depends only
// on the feature set, so repeated checks agree.
func CheckFeature(info *ValidationResult, tenantID, feature string) error {
	if info == nil || !info.Valid {
		return LicenseRequiredError(tenantID)
	}
	if !info.HasFeature(feature) {
		return FeatureNotLicensedError(tenantID, feature, append([]string(nil), info.Features...))
	}
	return nil
}

// ModuleLicense is attached to requests that passed a module check
type ModuleLicense struct {
	ModuleKey ModuleKey `json:"moduleKey"`
	Tier      string    `json:"tier"`
	Valid     bool      `json:"valid"`
}

// UsageLimit is attached to requests that passed a usage check
type UsageLimit struct {
	LimitType    string `json:"limitType"`
	CurrentUsage int64  `json:"currentUsage"`
	Limit        int64  `json:"limit"`
	Unlimited    bool   `json:"unlimited,omitempty"`
	Warning      bool   `json:"warning,omitempty"`
}

// Entitlements answers module and usage questions from the license store
// without contacting the remote authority
type Entitlements struct {
	store     Store
	warnRatio float64
	logger    *slog.Logger
}

// NewEntitlements creates the module checker. Usage at or above warnRatio
// of a limit is flagged as a warning.
func NewEntitlements(store Store, warnRatio float64, logger *slog.Logger) *Entitlements {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.9
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Entitlements{
		store:     store,
		warnRatio: warnRatio,
		logger:    logger.With(slog.String("component", "license_entitlements")),
	}
}

// RequireModule checks that module is enabled for the tenant. The core
// module is always allowed.
func (e *Entitlements) RequireModule(ctx context.Context, tenantID string, module ModuleKey) (*ModuleLicense, error) {
	if module == ModuleCore {
		return &ModuleLicense{ModuleKey: ModuleCore, Tier: "core", Valid: true}, nil
	}
	if tenantID == "" {
		return nil, TenantRequiredError()
	}

	ent, err := e.entitlement(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}
	return &ModuleLicense{ModuleKey: module, Tier: ent.Tier, Valid: true}, nil
}

// CheckUsage compares current usage with the module limit. It returns nil
// for the core module, which has no limits.
func (e *Entitlements) CheckUsage(ctx context.Context, tenantID string, module ModuleKey, limitType string) (*UsageLimit, error) {
	if module == ModuleCore {
		return nil, nil
	}
	if tenantID == "" {
		return nil, TenantRequiredError()
	}

	ent, err := e.entitlement(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}

	current, err := e.store.CurrentUsage(ctx, tenantID, module, limitType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.ErrorContext(ctx, "failed to read usage",
			slog.String("tenant_id", tenantID),
			slog.String("module", string(module)),
			slog.String("error", err.Error()))
		return nil, validationFaultError(tenantID, err)
	}

	usage := &UsageLimit{LimitType: limitType, CurrentUsage: current}
	limit, ok := ent.Limits[limitType]
	if !ok || limit <= 0 {
		usage.Unlimited = true
		return usage, nil
	}

	usage.Limit = limit
	if current >= limit {
		return usage, usageLimitError(tenantID, module, usage)
	}
	usage.Warning = float64(current) >= float64(limit)*e.warnRatio
	return usage, nil
}

func (e *Entitlements) entitlement(ctx context.Context, tenantID string, module ModuleKey) (ModuleEntitlement, error) {
	if _, ok := knownModules[module]; !ok {
		return ModuleEntitlement{}, moduleNotLicensedError(tenantID, module, "unknown module")
	}

	doc, err := e.store.LicenseDocument(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ModuleEntitlement{}, moduleNotLicensedError(tenantID, module, "no license on file")
		}
		e.logger.ErrorContext(ctx, "failed to load license document",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return ModuleEntitlement{}, validationFaultError(tenantID, err)
	}

	ent, ok := doc.Modules[module]
	if !ok || !ent.Enabled {
		return ModuleEntitlement{}, moduleNotLicensedError(tenantID, module, "module disabled")
	}
	return ent, nil
}

// MemoryStore is an in-process Store used when no database is configured
type MemoryStore struct {
	mu        sync.RWMutex
	tokens    map[string]string
	documents map[string]*LicenseDocument
	usage     map[string]int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[string]string),
		documents: make(map[string]*LicenseDocument),
		usage:     make(map[string]int64),
	}
}

func (s *MemoryStore) SetToken(tenantID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tenantID] = token
}

// PutDocument validates and stores a document
func (s *MemoryStore) PutDocument(doc *LicenseDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.TenantID] = doc
	return nil
}

func (s *MemoryStore) SetUsage(tenantID string, module ModuleKey, limitType string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[usageKey(tenantID, module, limitType)] = value
}

func (s *MemoryStore) LicenseToken(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tenantID]
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) LicenseDocument(_ context.Context, tenantID string) (*LicenseDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) CurrentUsage(_ context.Context, tenantID string, module ModuleKey, limitType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[usageKey(tenantID, module, limitType)], nil
}

func usageKey(tenantID string, module ModuleKey, limitType string) string {
	return tenantID + "|" + string(module) + "|" + limitType
}
