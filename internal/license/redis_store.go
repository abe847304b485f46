package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements CacheStore on Redis so replicas share verdicts
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore namespaces every key under prefix + "license:"
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "license:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.client.Del(ctx, full...).Err()
}

// DelPrefix removes every key starting with prefix. An empty prefix
// clears the whole namespace.
func (s *RedisStore) DelPrefix(ctx context.Context, prefix string) (int, error) {
	return deleteMatching(ctx, s.client, s.prefix+prefix+"*")
}

// deleteMatching scans in batches so large keyspaces never block Redis
func deleteMatching(ctx context.Context, client redis.Cmdable, pattern string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete %s: %w", pattern, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
