package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fileharbor/fileharbor/pkg/permissions"
)

// RedisCache backs the permission cache with Redis, for deployments where
// several file-server processes should share one cache. Expiry is native
// Redis TTL. The delete-wins generation is process-local: a cross-process
// race between a Set and an invalidation is bounded by the entry's TTL,
// which is the consistency the cache promises anyway.
type RedisCache struct {
	client *redis.Client

	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewRedisCache connects to redisURL (redis://...) and verifies the
// connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached set for key, or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, key permissions.Key) (*permissions.PermissionSet, error) {
	data, err := c.client.Get(ctx, key.String()).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var perms permissions.PermissionSet
	if err := json.Unmarshal([]byte(data), &perms); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		c.client.Del(ctx, key.String())
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return &perms, nil
}

// Set stores perms under key with a native TTL. Writes from a stale
// generation are dropped; the generation is checked again after the write
// so an invalidation that bumped and deleted between the first check and
// the SET cannot be resurrected.
func (c *RedisCache) Set(ctx context.Context, key permissions.Key, perms permissions.PermissionSet, ttl time.Duration, gen uint64) error {
	if gen < c.generation.Load() {
		return nil
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal permission set: %w", err)
	}
	if err := c.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if gen < c.generation.Load() {
		if err := c.client.Del(ctx, key.String()).Err(); err != nil {
			return fmt.Errorf("redis del after stale set: %w", err)
		}
	}
	return nil
}

// Generation returns the current invalidation generation.
func (c *RedisCache) Generation() uint64 {
	return c.generation.Load()
}

// Invalidate drops a single entry.
func (c *RedisCache) Invalidate(ctx context.Context, key permissions.Key) error {
	c.generation.Add(1)
	if err := c.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// InvalidateUser drops every entry for a user.
func (c *RedisCache) InvalidateUser(ctx context.Context, userID int64) error {
	c.generation.Add(1)
	return c.deleteMatching(ctx, fmt.Sprintf("perm:%d:*", userID))
}

// InvalidateResource drops every entry for a resource, across all users.
func (c *RedisCache) InvalidateResource(ctx context.Context, resourceType permissions.ResourceType, resourceID int64) error {
	c.generation.Add(1)
	return c.deleteMatching(ctx, fmt.Sprintf("perm:*:%s:%d", resourceType, resourceID))
}

// deleteMatching scans for keys matching pattern and deletes them in
// batches. SCAN keeps the server responsive on large keyspaces where KEYS
// would block.
func (c *RedisCache) deleteMatching(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// PurgeExpired is a no-op: Redis expires entries natively.
func (c *RedisCache) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Stats returns hit/miss counters; Entries counts the perm keyspace.
func (c *RedisCache) Stats() permissions.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entries := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "perm:*", 1000).Result()
		if err != nil {
			break
		}
		entries += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return statsFrom(c.hits.Load(), c.misses.Load(), entries)
}

// Close releases the client's connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
