package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is the subset of *pgxpool.Pool used by PGStore
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore reads tenant licenses, module grants and usage from Postgres
type PGStore struct {
	db pgQuerier
}

// NewPGPool opens a pgx pool for the license store
func NewPGPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// NewPGStore wraps a pool (or any compatible querier)
func NewPGStore(db pgQuerier) *PGStore {
	return &PGStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS tenant_licenses (
    tenant_id     TEXT PRIMARY KEY,
    license_token TEXT NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_module_licenses (
    tenant_id  TEXT NOT NULL,
    module_key TEXT NOT NULL,
    enabled    BOOLEAN NOT NULL DEFAULT FALSE,
    tier       TEXT NOT NULL DEFAULT '',
    limits     JSONB NOT NULL DEFAULT '{}'::jsonb,
    PRIMARY KEY (tenant_id, module_key)
);
CREATE TABLE IF NOT EXISTS tenant_usage (
    tenant_id     TEXT NOT NULL,
    module_key    TEXT NOT NULL,
    limit_type    TEXT NOT NULL,
    current_usage BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, module_key, limit_type)
);`

// Migrate creates the license tables if they do not exist
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate license schema: %w", err)
	}
	return nil
}

func (s *PGStore) LicenseToken(ctx context.Context, tenantID string) (string, error) {
	query := `
        SELECT license_token
        FROM tenant_licenses
        WHERE tenant_id = $1
    `

	var token string
	if err := s.db.QueryRow(ctx, query, tenantID).Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return token, nil
}

func (s *PGStore) LicenseDocument(ctx context.Context, tenantID string) (*LicenseDocument, error) {
	query := `
        SELECT module_key, enabled, tier, limits
        FROM tenant_module_licenses
        WHERE tenant_id = $1
    `

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	doc := &LicenseDocument{TenantID: tenantID, Modules: make(map[ModuleKey]ModuleEntitlement)}
	for rows.Next() {
		var (
			moduleKey string
			ent       ModuleEntitlement
			rawLimits []byte
		)
		if err := rows.Scan(&moduleKey, &ent.Enabled, &ent.Tier, &rawLimits); err != nil {
			return nil, err
		}
		key, err := ParseModuleKey(moduleKey)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if len(rawLimits) > 0 {
			if err := json.Unmarshal(rawLimits, &ent.Limits); err != nil {
				return nil, fmt.Errorf("tenant %s module %s limits: %w", tenantID, key, err)
			}
		}
		doc.Modules[key] = ent
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(doc.Modules) == 0 {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *PGStore) CurrentUsage(ctx context.Context, tenantID string, module ModuleKey, limitType string) (int64, error) {
	query := `
        SELECT current_usage
        FROM tenant_usage
        WHERE tenant_id = $1 AND module_key = $2 AND limit_type = $3
    `

	var usage int64
	if err := s.db.QueryRow(ctx, query, tenantID, string(module), limitType).Scan(&usage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return usage, nil
}

// PutDocument upserts the module grants of a tenant
func (s *PGStore) PutDocument(ctx context.Context, doc *LicenseDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	query := `
        INSERT INTO tenant_module_licenses (tenant_id, module_key, enabled, tier, limits)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (tenant_id, module_key)
        DO UPDATE SET enabled = EXCLUDED.enabled, tier = EXCLUDED.tier, limits = EXCLUDED.limits
    `
	for key, ent := range doc.Modules {
		limits, err := json.Marshal(ent.Limits)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, query, doc.TenantID, string(key), ent.Enabled, ent.Tier, limits); err != nil {
			return fmt.Errorf("upsert module %s: %w", key, err)
		}
	}
	return nil
}

// Ping is used by readiness checks
func (s *PGStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}
