package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCacheMiss is returned by a CacheStore when the key does not exist
var ErrCacheMiss = errors.New("license cache miss")

// CacheStore is an optional shared second-level cache (e.g. Redis)
type CacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

// cacheEntry is one validation result and its write time
type cacheEntry struct {
	TenantID string           `json:"tenantId"`
	Result   ValidationResult `json:"result"`
	CachedAt time.Time        `json:"cachedAt"`
}

// CacheStats is a point-in-time view of the cache
type CacheStats struct {
	Entries         int     `json:"entries"`
	MaxSize         int     `json:"maxSize"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	OfflineHits     int64   `json:"offlineHits"`
	HitRatio        float64 `json:"hitRatio"`
	FreshnessWindow string  `json:"freshnessWindow"`
	OfflineGrace    string  `json:"offlineGrace"`
	SharedStore     bool    `json:"sharedStore"`
}

// ValidationCache holds validation results keyed by (tenant, token hash).
// Entries are fresh for the freshness window and usable while the
// authority is unreachable until the offline grace window ends.
type ValidationCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	freshness time.Duration
	grace     time.Duration
	maxSize   int
	store     CacheStore
	now       func() time.Time
	logger    *slog.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	offlineHits atomic.Int64
}

// NewValidationCache creates a cache. store may be nil.
func NewValidationCache(freshness, grace time.Duration, maxSize int, store CacheStore, logger *slog.Logger) *ValidationCache {
	if grace < freshness {
		grace = freshness
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationCache{
		entries:   make(map[string]*cacheEntry),
		freshness: freshness,
		grace:     grace,
		maxSize:   maxSize,
		store:     store,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "license_cache")),
	}
}

// Fresh returns a copy of the entry if it is younger than the freshness window
func (c *ValidationCache) Fresh(ctx context.Context, key string) (*ValidationResult, bool) {
	entry, ok := c.lookup(ctx, key)
	if !ok || c.now().Sub(entry.CachedAt) >= c.freshness {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	out := entry.Result.Clone()
	out.CachedAt = entry.CachedAt
	out.Cached = true
	out.Offline = false
	return out, true
}

// Offline returns a copy of the entry if it is younger than the grace
// window, tagged offline. Used only when the authority is unreachable.
func (c *ValidationCache) Offline(ctx context.Context, key string) (*ValidationResult, bool) {
	entry, ok := c.lookup(ctx, key)
	if !ok || c.now().Sub(entry.CachedAt) >= c.grace {
		return nil, false
	}
	c.offlineHits.Add(1)

	out := entry.Result.Clone()
	out.CachedAt = entry.CachedAt
	out.Cached = true
	out.Offline = true
	return out, true
}

// Put stores a result. cachedAt never moves backwards for a key.
func (c *ValidationCache) Put(ctx context.Context, key, tenantID string, result *ValidationResult) time.Time {
	now := c.now()

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok && prev.CachedAt.After(now) {
		now = prev.CachedAt
	}
	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	entry := &cacheEntry{TenantID: tenantID, Result: *result.Clone(), CachedAt: now}
	entry.Result.Cached = false
	entry.Result.Offline = false
	entry.Result.CachedAt = now
	c.entries[key] = entry
	c.mu.Unlock()

	if c.store != nil {
		if payload, err := json.Marshal(entry); err == nil {
			if err := c.store.Set(ctx, key, string(payload), c.grace); err != nil {
				c.logger.WarnContext(ctx, "failed to write shared license cache",
					slog.String("error", err.Error()))
			}
		}
	}
	return now
}

// InvalidateTenant removes every entry of a tenant and returns how many
// local entries were dropped
func (c *ValidationCache) InvalidateTenant(ctx context.Context, tenantID string) int {
	prefix := tenantPrefix(tenantID)

	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		if _, err := c.store.DelPrefix(ctx, prefix); err != nil {
			c.logger.WarnContext(ctx, "failed to invalidate shared license cache",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()))
		}
	}
	return removed
}

// Clear drops every entry
func (c *ValidationCache) Clear(ctx context.Context) int {
	c.mu.Lock()
	removed := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.offlineHits.Store(0)

	if c.store != nil {
		if _, err := c.store.DelPrefix(ctx, ""); err != nil {
			c.logger.WarnContext(ctx, "failed to clear shared license cache",
				slog.String("error", err.Error()))
		}
	}
	return removed
}

// Sweep evicts entries past the offline grace window. The lock is taken
// per entry so request traffic is never stalled behind a full scan.
func (c *ValidationCache) Sweep() int {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && c.now().Sub(entry.CachedAt) >= c.grace {
			delete(c.entries, key)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}

// Len returns the number of local entries
func (c *ValidationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *ValidationCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	ratio := float64(0)
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return CacheStats{
		Entries:         c.Len(),
		MaxSize:         c.maxSize,
		Hits:            hits,
		Misses:          misses,
		OfflineHits:     c.offlineHits.Load(),
		HitRatio:        ratio,
		FreshnessWindow: c.freshness.String(),
		OfflineGrace:    c.grace.String(),
		SharedStore:     c.store != nil,
	}
}

// lookup reads L1, then the shared store
func (c *ValidationCache) lookup(ctx context.Context, key string) (*cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry, true
	}
	if c.store == nil {
		return nil, false
	}

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WarnContext(ctx, "failed to read shared license cache",
				slog.String("error", err.Error()))
		}
		return nil, false
	}

	var shared cacheEntry
	if err := json.Unmarshal([]byte(raw), &shared); err != nil {
		_ = c.store.Del(ctx, key)
		return nil, false
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok && !existing.CachedAt.Before(shared.CachedAt) {
		entry = existing
	} else {
		if c.maxSize > 0 && len(c.entries) >= c.maxSize {
			c.evictOldest()
		}
		entry = &shared
		c.entries[key] = entry
	}
	c.mu.Unlock()
	return entry, true
}

// evictOldest must be called with mu held
func (c *ValidationCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
