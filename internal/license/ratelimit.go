package license

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how often a tenant may reach the license authority
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context) (int, error)
	Len() int
}

// RateLimitEntry is the counter of one key in the current window
type RateLimitEntry struct {
	Count   int
	ResetAt time.Time
}

// WindowLimiter is an in-process fixed-window limiter. A limit of zero
// disables limiting.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*RateLimitEntry
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewWindowLimiter creates a limiter allowing limit calls per window
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		entries: make(map[string]*RateLimitEntry),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.ResetAt) {
		entry = &RateLimitEntry{ResetAt: now.Add(l.window)}
		l.entries[key] = entry
	}
	if entry.Count >= l.limit {
		return false, nil
	}
	entry.Count++
	return true, nil
}

// Reset clears every counter
func (l *WindowLimiter) Reset(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	l.entries = make(map[string]*RateLimitEntry)
	return n, nil
}

// Sweep drops entries whose window has closed
func (l *WindowLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.entries {
		if !now.Before(entry.ResetAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of the live counters
func (l *WindowLimiter) Snapshot() map[string]RateLimitEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]RateLimitEntry, len(l.entries))
	for k, v := range l.entries {
		out[k] = *v
	}
	return out
}

// RedisWindowLimiter shares fixed-window counters across replicas using
// INCR with an expiry set on the first hit of each window
type RedisWindowLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisWindowLimiter creates a Redis-backed limiter
func NewRedisWindowLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		client: client,
		prefix: prefix + "ratelimit:",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	bucket := l.now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, url.QueryEscape(key), bucket)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(l.limit), nil
}

func (l *RedisWindowLimiter) Reset(ctx context.Context) (int, error) {
	return deleteMatching(ctx, l.client, l.prefix+"*")
}

// Len is not tracked locally for the shared limiter
func (l *RedisWindowLimiter) Len() int { return -1 }
