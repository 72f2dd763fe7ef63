package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the narrow key-value surface the approval store needs for
// idempotency claims. Misses are reported as redis.Nil regardless of
// backend so callers check one sentinel.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// NewCache returns a Redis-backed cache when the client answers a ping,
// otherwise a process-local one. The fallback weakens idempotency to
// per-replica, which the CAS layer underneath still tolerates.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client == nil {
		return NewMemoryCache()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return NewMemoryCache()
	}
	return &RedisCache{client: client}
}

type RedisCache struct{ client *redis.Client }

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MemoryCache is a mutex-guarded TTL map. Expired entries are dropped
// lazily on access and swept in bulk every sweepEvery writes.
type MemoryCache struct {
	mu     sync.Mutex
	data   map[string]memEntry
	writes int
}

type memEntry struct {
	value    string
	deadline time.Time
}

const sweepEvery = 256

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: map[string]memEntry{}}
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.liveLocked(key); ok {
		return false, nil
	}
	c.putLocked(key, value, ttl)
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.liveLocked(key)
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemoryCache) liveLocked(key string) (string, bool) {
	entry, ok := c.data[key]
	if !ok {
		return "", false
	}
	if !entry.deadline.After(time.Now()) {
		delete(c.data, key)
		return "", false
	}
	return entry.value, true
}

func (c *MemoryCache) putLocked(key, value string, ttl time.Duration) {
	c.writes++
	if c.writes%sweepEvery == 0 {
		now := time.Now()
		for k, e := range c.data {
			if !e.deadline.After(now) {
				delete(c.data, k)
			}
		}
	}
	c.data[key] = memEntry{value: value, deadline: time.Now().Add(ttl)}
}
