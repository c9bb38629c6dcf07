package permissions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fileharbor/fileharbor/pkg/observability"
)

// Invalidator evicts cache entries when permissions change out from under
// them. It owns the cascading rules the cache itself cannot know: a
// folder's effective permissions flow into every descendant folder and
// file, so touching a folder evicts its whole subtree.
//
// Eviction failures are logged loudly (they risk stale-permission exposure
// until TTL expiry) but never block the permission mutation itself: the
// cascading hooks only return an error when the affected set cannot be
// enumerated at all.
type Invalidator struct {
	store   *Store
	cache   Cache
	depth   int
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewInvalidator builds an Invalidator over the same database handle and
// cache the resolver uses. maxDepth bounds subtree enumeration; zero means
// DefaultMaxInheritanceDepth.
func NewInvalidator(db *sql.DB, cache Cache, maxDepth int, logger *observability.Logger, metrics *observability.Metrics) *Invalidator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxInheritanceDepth
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Invalidator{
		store:   NewStore(db),
		cache:   cache,
		depth:   maxDepth,
		logger:  logger,
		metrics: metrics,
	}
}

// OnPermissionChange evicts after a direct permission is created, updated
// or deleted on a resource. For folders the eviction cascades to every
// descendant folder and every file directly inside any of them. When the
// mutating operation knows exactly which users were affected it may pass
// them; a user-scoped eviction is strictly narrower and used when the
// backend supports it, otherwise the whole resource is dropped for all
// users.
func (iv *Invalidator) OnPermissionChange(ctx context.Context, resourceType ResourceType, resourceID int64, affectedUserIDs []int64) error {
	if _, err := ParseResourceType(string(resourceType)); err != nil {
		return err
	}
	if resourceID <= 0 {
		return fmt.Errorf("%w: resource id must be positive", ErrInvalidInput)
	}

	folders, files, err := iv.affectedResources(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	evicted := iv.evict(ctx, folders, files, affectedUserIDs)
	iv.metrics.RecordInvalidation("permission_change", evicted)

	iv.logger.WithFields(map[string]interface{}{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"folders":       len(folders),
		"files":         len(files),
	}).Info("cache invalidated after permission change")
	return nil
}

// OnGroupChange evicts every cached entry for a user after their group
// memberships changed. Membership affects every resolution for that user,
// so nothing narrower is safe.
func (iv *Invalidator) OnGroupChange(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	if err := iv.cache.InvalidateUser(ctx, userID); err != nil {
		iv.metrics.RecordCacheError()
		iv.logger.WithError(err).WithField("user_id", userID).
			Error("user cache eviction failed, stale permissions possible until TTL expiry")
		return fmt.Errorf("invalidate user %d: %w", userID, err)
	}
	iv.metrics.RecordInvalidation("group_change", 1)
	iv.logger.WithField("user_id", userID).Info("cache invalidated after group change")
	return nil
}

// OnMove evicts after a resource is reparented. The moved resource's whole
// inheritance chain changed, so the cascade is identical to a permission
// change on it.
func (iv *Invalidator) OnMove(ctx context.Context, resourceType ResourceType, resourceID int64) error {
	if _, err := ParseResourceType(string(resourceType)); err != nil {
		return err
	}
	if resourceID <= 0 {
		return fmt.Errorf("%w: resource id must be positive", ErrInvalidInput)
	}

	folders, files, err := iv.affectedResources(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	evicted := iv.evict(ctx, folders, files, nil)
	iv.metrics.RecordInvalidation("move", evicted)

	iv.logger.WithFields(map[string]interface{}{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"folders":       len(folders),
		"files":         len(files),
	}).Info("cache invalidated after move")
	return nil
}

// affectedResources enumerates everything whose effective permissions can
// depend on the given resource: the resource itself, plus (for folders)
// every descendant folder and the files directly inside any of them.
func (iv *Invalidator) affectedResources(ctx context.Context, resourceType ResourceType, resourceID int64) (folders, files []int64, err error) {
	if resourceType == ResourceFile {
		return nil, []int64{resourceID}, nil
	}

	nodes, err := iv.store.GetSubtreeFolders(ctx, resourceID, iv.depth)
	if err != nil {
		return nil, nil, err
	}
	if len(nodes) == 0 {
		// Already deleted or never existed; evict the id itself anyway in
		// case a stale entry survives the row.
		return []int64{resourceID}, nil, nil
	}
	folders = make([]int64, len(nodes))
	for i, n := range nodes {
		folders[i] = n.ID
	}
	files, err = iv.store.GetFileIDsInFolders(ctx, folders)
	if err != nil {
		return nil, nil, err
	}
	return folders, files, nil
}

// evict issues per-resource (or per user+resource) eviction calls and
// returns how many succeeded. Failures are logged and counted but do not
// stop the rest of the batch.
func (iv *Invalidator) evict(ctx context.Context, folders, files, userIDs []int64) int {
	evicted := 0
	one := func(rt ResourceType, id int64) {
		var err error
		if len(userIDs) > 0 {
			for _, uid := range userIDs {
				key := Key{UserID: uid, ResourceType: rt, ResourceID: id}
				if e := iv.cache.Invalidate(ctx, key); e != nil && err == nil {
					err = e
				}
			}
		} else {
			err = iv.cache.InvalidateResource(ctx, rt, id)
		}
		if err != nil {
			iv.metrics.RecordCacheError()
			iv.logger.WithError(err).WithFields(map[string]interface{}{
				"resource_type": rt,
				"resource_id":   id,
			}).Error("cache eviction failed, stale permissions possible until TTL expiry")
			return
		}
		evicted++
	}

	for _, id := range folders {
		one(ResourceFolder, id)
	}
	for _, id := range files {
		one(ResourceFile, id)
	}
	return evicted
}
