package permissions

import (
	"context"
	"fmt"
	"time"
)

// Key addresses one cached PermissionSet snapshot.
type Key struct {
	UserID       int64
	ResourceType ResourceType
	ResourceID   int64
}

// String renders the canonical cache key, also used verbatim by the redis
// and badger backends: "perm:{user}:{type}:{id}".
func (k Key) String() string {
	return fmt.Sprintf("perm:%d:%s:%d", k.UserID, k.ResourceType, k.ResourceID)
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
}

// Cache is a keyed TTL store for resolved PermissionSets. It is a
// best-effort accelerator: losing every entry must never change resolved
// answers, only their cost. Implementations must make single-key reads and
// writes atomic; cross-key atomicity is not required.
//
// Invalidation races follow delete-wins: every invalidation bumps the
// generation counter, and Set carries the generation the caller observed
// before computing. A Set with a stale generation is silently dropped, so
// an invalidation can never be overwritten by a result computed from data
// it was meant to retire.
type Cache interface {
	// Get returns the cached set for key, or (nil, nil) on a miss. Entries
	// past their deadline are treated as a miss and purged.
	Get(ctx context.Context, key Key) (*PermissionSet, error)

	// Set stores perms under key for ttl. The write is dropped if gen is
	// older than the current generation.
	Set(ctx context.Context, key Key, perms PermissionSet, ttl time.Duration, gen uint64) error

	// Generation returns the current invalidation generation. Callers
	// snapshot it before resolving and pass it to Set.
	Generation() uint64

	// Invalidate drops a single entry.
	Invalidate(ctx context.Context, key Key) error

	// InvalidateUser drops every entry for a user, across all resources.
	InvalidateUser(ctx context.Context, userID int64) error

	// InvalidateResource drops every entry for a resource, across all users.
	InvalidateResource(ctx context.Context, resourceType ResourceType, resourceID int64) error

	// PurgeExpired removes entries past their deadline and reports how many
	// were dropped. Called by the periodic sweeper.
	PurgeExpired(ctx context.Context) (int, error)

	// Stats returns hit/miss counters for observability.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}
