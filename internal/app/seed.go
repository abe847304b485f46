package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"tenantguard/internal/license"
)

// seedFile is the YAML layout accepted by LoadSeed:
//
//	tenants:
//	  - tenant_id: acme
//	    license_token: eyJ...
//	    modules:
//	      hr: {enabled: true, tier: professional, limits: {employees: 100}}
//	    usage:
//	      hr: {employees: 42}
type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	TenantID     string                      `yaml:"tenant_id"`
	LicenseToken string                      `yaml:"license_token"`
	Modules      map[string]seedModule       `yaml:"modules"`
	Usage        map[string]map[string]int64 `yaml:"usage"`
}

type seedModule struct {
	Enabled bool             `yaml:"enabled"`
	Tier    string           `yaml:"tier"`
	Limits  map[string]int64 `yaml:"limits"`
}

// LoadSeed fills store with the tenants in the YAML file at path and returns
// how many were loaded
func LoadSeed(path string, store *license.MemoryStore) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.UnmarshalStrict(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i, t := range seed.Tenants {
		doc := &license.LicenseDocument{
			TenantID: t.TenantID,
			Modules:  make(map[license.ModuleKey]license.ModuleEntitlement, len(t.Modules)),
		}
		for name, m := range t.Modules {
			key, err := license.ParseModuleKey(name)
			if err != nil {
				return i, fmt.Errorf("tenant %q: %w", t.TenantID, err)
			}
			doc.Modules[key] = license.ModuleEntitlement{Enabled: m.Enabled, Tier: m.Tier, Limits: m.Limits}
		}
		if err := store.PutDocument(doc); err != nil {
			return i, err
		}
		if t.LicenseToken != "" {
			store.SetToken(t.TenantID, t.LicenseToken)
		}
		for name, limits := range t.Usage {
			key, err := license.ParseModuleKey(name)
			if err != nil {
				return i, fmt.Errorf("tenant %q usage: %w", t.TenantID, err)
			}
			for limitType, value := range limits {
				store.SetUsage(t.TenantID, key, limitType, value)
			}
		}
	}
	return len(seed.Tenants), nil
}
