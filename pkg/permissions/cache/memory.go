package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fileharbor/fileharbor/pkg/permissions"
)

// DefaultMemoryEntries bounds the in-memory backend when no size is given.
const DefaultMemoryEntries = 10000

type memoryEntry struct {
	perms     permissions.PermissionSet
	expiresAt time.Time
}

// MemoryCache is the default single-node backend: an expirable LRU keyed by
// (user, resource-type, id). The LRU's own TTL acts as a backstop; each
// entry additionally carries the deadline its Set requested, checked on
// every read.
type MemoryCache struct {
	cache *lru.LRU[permissions.Key, memoryEntry]

	// mu serializes writes against invalidation bumps: without it a Set
	// could pass the generation check, lose the CPU to a full bump+remove,
	// and then insert the entry the invalidation just deleted.
	mu         sync.Mutex
	generation atomic.Uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries
// entries, each living at most maxTTL.
func NewMemoryCache(maxEntries int, maxTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &MemoryCache{
		cache: lru.NewLRU[permissions.Key, memoryEntry](maxEntries, nil, maxTTL),
	}
}

// Get returns the cached set for key, or (nil, nil) on a miss.
func (c *MemoryCache) Get(ctx context.Context, key permissions.Key) (*permissions.PermissionSet, error) {
	entry, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	perms := entry.perms
	return &perms, nil
}

// Set stores perms under key. A write carrying a generation older than the
// current one raced an invalidation and is dropped.
func (c *MemoryCache) Set(ctx context.Context, key permissions.Key, perms permissions.PermissionSet, ttl time.Duration, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen < c.generation.Load() {
		return nil
	}
	c.cache.Add(key, memoryEntry{perms: perms, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Generation returns the current invalidation generation.
func (c *MemoryCache) Generation() uint64 {
	return c.generation.Load()
}

// Invalidate drops a single entry. The bump and the removal happen under
// the write lock, so no concurrent Set can land between them.
func (c *MemoryCache) Invalidate(ctx context.Context, key permissions.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	c.cache.Remove(key)
	return nil
}

// InvalidateUser drops every entry for a user.
func (c *MemoryCache) InvalidateUser(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	for _, key := range c.cache.Keys() {
		if key.UserID == userID {
			c.cache.Remove(key)
		}
	}
	return nil
}

// InvalidateResource drops every entry for a resource, across all users.
func (c *MemoryCache) InvalidateResource(ctx context.Context, resourceType permissions.ResourceType, resourceID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	for _, key := range c.cache.Keys() {
		if key.ResourceType == resourceType && key.ResourceID == resourceID {
			c.cache.Remove(key)
		}
	}
	return nil
}

// PurgeExpired removes entries whose per-entry deadline passed but which
// the LRU's coarser backstop TTL has not collected yet.
func (c *MemoryCache) PurgeExpired(ctx context.Context) (int, error) {
	now := time.Now()
	purged := 0
	for _, key := range c.cache.Keys() {
		entry, ok := c.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			c.cache.Remove(key)
			purged++
		}
	}
	return purged, nil
}

// Stats returns hit/miss counters.
func (c *MemoryCache) Stats() permissions.Stats {
	return statsFrom(c.hits.Load(), c.misses.Load(), c.cache.Len())
}

// Close is a no-op for the in-memory backend.
func (c *MemoryCache) Close() error {
	return nil
}

// statsFrom derives the rate fields shared by every backend.
func statsFrom(hits, misses uint64, entries int) permissions.Stats {
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return permissions.Stats{
		Hits:          hits,
		Misses:        misses,
		TotalRequests: total,
		HitRate:       rate,
		Entries:       entries,
	}
}
