package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(features ...string) *ValidationResult {
	return &ValidationResult{
		Valid:       true,
		Features:    normalizeFeatures(features),
		LicenseType: LicenseTypeEnterprise,
		Limits:      Limits{MaxUsers: 10},
	}
}

func newTestCache(clock *testClock, maxSize int, store CacheStore) *ValidationCache {
	c := NewValidationCache(15*time.Minute, time.Hour, maxSize, store, nil)
	c.now = clock.Now
	return c
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// =============================================================================
// Validation Cache
// =============================================================================

func TestValidationCacheWindows(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 10, nil)
	ctx := context.Background()
	key := CacheKey("tenant-a", "token-1")

	_, ok := cache.Fresh(ctx, key)
	assert.False(t, ok)

	cachedAt := cache.Put(ctx, key, "tenant-a", sampleResult("reports"))
	assert.Equal(t, clock.Now(), cachedAt)

	t.Run("fresh within window", func(t *testing.T) {
		res, ok := cache.Fresh(ctx, key)
		require.True(t, ok)
		assert.True(t, res.Cached)
		assert.False(t, res.Offline)
		assert.Equal(t, cachedAt, res.CachedAt)
	})

	t.Run("stale after freshness but within grace", func(t *testing.T) {
		clock.Advance(20 * time.Minute)
		_, ok := cache.Fresh(ctx, key)
		assert.False(t, ok)

		res, ok := cache.Offline(ctx, key)
		require.True(t, ok)
		assert.True(t, res.Offline)
		assert.True(t, res.Cached)
	})

	t.Run("gone after grace", func(t *testing.T) {
		clock.Advance(45 * time.Minute)
		_, ok := cache.Offline(ctx, key)
		assert.False(t, ok)
	})

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.OfflineHits)
	assert.Equal(t, "15m0s", stats.FreshnessWindow)
	assert.Equal(t, "1h0m0s", stats.OfflineGrace)
}

func TestValidationCacheReturnsCopies(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 10, nil)
	ctx := context.Background()

	original := sampleResult("payroll", "reports")
	cache.Put(ctx, "k", "tenant-a", original)
	original.Features[0] = "tampered"

	res, ok := cache.Fresh(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []string{"payroll", "reports"}, res.Features)

	res.Features[0] = "tampered"
	again, ok := cache.Fresh(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "payroll", again.Features[0])
}

func TestValidationCacheMonotonicCachedAt(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 10, nil)
	ctx := context.Background()

	first := cache.Put(ctx, "k", "tenant-a", sampleResult())

	// a slow writer finishing with an older clock reading must not move
	// cachedAt backwards
	clock.Advance(-time.Minute)
	second := cache.Put(ctx, "k", "tenant-a", sampleResult("reports"))
	assert.False(t, second.Before(first))

	clock.Advance(5 * time.Minute)
	third := cache.Put(ctx, "k", "tenant-a", sampleResult())
	assert.True(t, third.After(second))
}

func TestValidationCacheEviction(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cache.Put(ctx, fmt.Sprintf("k%d", i), "tenant-a", sampleResult())
		clock.Advance(time.Second)
	}
	cache.Put(ctx, "k3", "tenant-a", sampleResult())

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Fresh(ctx, "k0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Fresh(ctx, "k3")
	assert.True(t, ok)
}

func TestValidationCacheInvalidateTenant(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 100, nil)
	ctx := context.Background()

	cache.Put(ctx, CacheKey("acme", "t1"), "acme", sampleResult())
	cache.Put(ctx, CacheKey("acme", "t2"), "acme", sampleResult())
	cache.Put(ctx, CacheKey("acme:corp", "t1"), "acme:corp", sampleResult())
	cache.Put(ctx, CacheKey("acmeco", "t1"), "acmeco", sampleResult())

	assert.Equal(t, 2, cache.InvalidateTenant(ctx, "acme"))
	assert.Equal(t, 2, cache.Len())

	_, ok := cache.Fresh(ctx, CacheKey("acme:corp", "t1"))
	assert.True(t, ok)
	_, ok = cache.Fresh(ctx, CacheKey("acmeco", "t1"))
	assert.True(t, ok)

	assert.Equal(t, 2, cache.Clear(ctx))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.Stats().Hits)
}

func TestValidationCacheSweep(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 100, nil)
	ctx := context.Background()

	cache.Put(ctx, "old", "tenant-a", sampleResult())
	clock.Advance(50 * time.Minute)
	cache.Put(ctx, "young", "tenant-a", sampleResult())
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Offline(ctx, "young")
	assert.True(t, ok)
}

func TestValidationCacheConcurrentAccess(t *testing.T) {
	clock := newTestClock()
	cache := newTestCache(clock, 50, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			for j := 0; j < 100; j++ {
				cache.Put(ctx, key, "tenant-a", sampleResult("reports"))
				if res, ok := cache.Fresh(ctx, key); ok {
					assert.Equal(t, []string{"reports"}, res.Features)
				}
				if j%25 == 0 {
					cache.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, cache.Len())
}

// =============================================================================
// Shared Redis Store
// =============================================================================

func TestValidationCacheWithRedisStore(t *testing.T) {
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "guard:")
	clock := newTestClock()
	ctx := context.Background()

	writer := newTestCache(clock, 10, store)
	reader := newTestCache(clock, 10, store)
	key := CacheKey("tenant-a", "token-1")

	cachedAt := writer.Put(ctx, key, "tenant-a", sampleResult("reports"))
	assert.True(t, mr.Exists("guard:license:"+key))
	assert.Equal(t, time.Hour, mr.TTL("guard:license:"+key))

	res, ok := reader.Fresh(ctx, key)
	require.True(t, ok)
	assert.True(t, res.Cached)
	assert.Equal(t, []string{"reports"}, res.Features)
	assert.True(t, cachedAt.Equal(res.CachedAt))
	assert.Equal(t, 1, reader.Len(), "shared entry should populate the local cache")

	writer.InvalidateTenant(ctx, "tenant-a")
	assert.False(t, mr.Exists("guard:license:"+key))
}

func TestValidationCacheRedisCorruptEntry(t *testing.T) {
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "guard:")
	cache := newTestCache(newTestClock(), 10, store)

	require.NoError(t, mr.Set("guard:license:broken", "{not json"))

	_, ok := cache.Fresh(context.Background(), "broken")
	assert.False(t, ok)
	assert.False(t, mr.Exists("guard:license:broken"))
}

func TestRedisStore(t *testing.T) {
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "guard:")
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "a:1", "one", time.Minute))
	require.NoError(t, store.Set(ctx, "a:2", "two", time.Minute))
	require.NoError(t, store.Set(ctx, "b:1", "three", time.Minute))
	require.NoError(t, mr.Set("other:key", "untouched"))

	val, err := store.Get(ctx, "a:1")
	require.NoError(t, err)
	assert.Equal(t, "one", val)

	n, err := store.DelPrefix(ctx, "a:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Del(ctx, "b:1"))
	require.NoError(t, store.Del(ctx))
	_, err = store.Get(ctx, "b:1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.True(t, mr.Exists("other:key"))

	mr.SetError("server down")
	_, err = store.Get(ctx, "a:1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
