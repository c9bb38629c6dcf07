package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fileharbor/fileharbor/pkg/observability"
)

// Resolution depth and paging bounds. Tree depth is capped server-side so
// a single request cannot enumerate an unbounded subtree.
const (
	DefaultMaxInheritanceDepth = 15
	DefaultTreeDepth           = 3
	MaxTreeDepth               = 10
	DefaultTreeLimit           = 1000
	MaxTreeLimit               = 5000
	DefaultCacheTTL            = 5 * time.Minute
	DefaultWarmupLimit         = 500
)

// Config tunes a Resolver. Zero values fall back to the defaults above.
type Config struct {
	// CacheTTL is how long resolved entries stay fresh.
	CacheTTL time.Duration

	// MaxInheritanceDepth bounds the ancestor walk. The folder tree has no
	// cycles by invariant, but a corrupted parent chain must terminate as
	// "no further inheritance" instead of looping.
	MaxInheritanceDepth int

	// WarmupLimit caps how many resources per type WarmCache resolves.
	WarmupLimit int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxInheritanceDepth <= 0 {
		c.MaxInheritanceDepth = DefaultMaxInheritanceDepth
	}
	if c.WarmupLimit <= 0 {
		c.WarmupLimit = DefaultWarmupLimit
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
}

// Resolver computes effective permissions for users on files and folders.
// Precedence, first match wins: admin role, ownership, direct/group grants
// on the resource itself, then inheritance from the nearest ancestor folder
// that yields any right. Results are read-through cached.
//
// All lookups are set-oriented: a bulk call issues one grant query per
// resource type per inheritance level, never one query per resource.
type Resolver struct {
	store    *Store
	cache    Cache
	ttl      time.Duration
	maxDepth int
	warmup   int
	logger   *observability.Logger
	metrics  *observability.Metrics

	// single collapses concurrent cache-miss resolutions of the same key
	// into one computation.
	single singleflight.Group
}

// NewResolver builds a Resolver over an open database handle and a cache
// backend.
func NewResolver(db *sql.DB, cache Cache, cfg Config) *Resolver {
	cfg.applyDefaults()
	return &Resolver{
		store:    NewStore(db),
		cache:    cache,
		ttl:      cfg.CacheTTL,
		maxDepth: cfg.MaxInheritanceDepth,
		warmup:   cfg.WarmupLimit,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Store exposes the underlying data-access layer, shared with the
// Invalidator so both sides see the same schema.
func (r *Resolver) Store() *Store {
	return r.store
}

// Resolve computes the effective permissions of one user on one resource.
// Concurrent misses for the same (user, type, id) are deduplicated.
func (r *Resolver) Resolve(ctx context.Context, userID int64, resourceType ResourceType, resourceID int64) (PermissionSet, error) {
	start := time.Now()
	if _, err := ParseResourceType(string(resourceType)); err != nil {
		return NonePermissions(), err
	}
	if userID <= 0 || resourceID <= 0 {
		return NonePermissions(), fmt.Errorf("%w: user id and resource id must be positive", ErrInvalidInput)
	}

	key := Key{UserID: userID, ResourceType: resourceType, ResourceID: resourceID}
	if cached := r.cacheGet(ctx, key); cached != nil {
		r.metrics.ObserveResolution("single", "hit", time.Since(start))
		return *cached, nil
	}

	v, err, _ := r.single.Do(key.String(), func() (interface{}, error) {
		// Re-probe: another flight may have filled the entry while this
		// caller waited for the lock.
		if cached := r.cacheGet(ctx, key); cached != nil {
			return *cached, nil
		}
		results, err := r.resolveAndCache(ctx, userID, resourceType, []int64{resourceID})
		if err != nil {
			return nil, err
		}
		return results[resourceID], nil
	})
	if err != nil {
		r.metrics.ObserveResolution("single", "error", time.Since(start))
		return NonePermissions(), err
	}
	r.metrics.ObserveResolution("single", "miss", time.Since(start))
	return v.(PermissionSet), nil
}

// ResolveBulk computes effective permissions for many resources of one type
// in a single pass. The result has exactly one entry per requested id;
// nonexistent resources resolve to source none rather than an error or an
// omitted key. Duplicate ids are collapsed.
func (r *Resolver) ResolveBulk(ctx context.Context, userID int64, resourceType ResourceType, resourceIDs []int64) (map[int64]PermissionSet, error) {
	start := time.Now()
	if _, err := ParseResourceType(string(resourceType)); err != nil {
		return nil, err
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	for _, id := range resourceIDs {
		if id <= 0 {
			return nil, fmt.Errorf("%w: resource id %d must be positive", ErrInvalidInput, id)
		}
	}

	results := make(map[int64]PermissionSet, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return results, nil
	}

	var missing []int64
	seen := make(map[int64]struct{}, len(resourceIDs))
	for _, id := range resourceIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		key := Key{UserID: userID, ResourceType: resourceType, ResourceID: id}
		if cached := r.cacheGet(ctx, key); cached != nil {
			results[id] = *cached
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		computed, err := r.resolveAndCache(ctx, userID, resourceType, missing)
		if err != nil {
			r.metrics.ObserveResolution("bulk", "error", time.Since(start))
			return nil, err
		}
		for id, p := range computed {
			results[id] = p
		}
	}

	outcome := "miss"
	if len(missing) == 0 {
		outcome = "hit"
	}
	r.metrics.ObserveResolution("bulk", outcome, time.Since(start))
	return results, nil
}

// TreeNode is one folder of a resolved subtree.
type TreeNode struct {
	FolderID    int64         `json:"folder_id"`
	ParentID    *int64        `json:"parent_id,omitempty"`
	Depth       int           `json:"depth"`
	Permissions PermissionSet `json:"permissions"`
}

// TreePage is one page of a ResolveTree result. Total counts the whole
// enumerated subtree regardless of paging.
type TreePage struct {
	RootID int64      `json:"root_id"`
	Depth  int        `json:"depth"`
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
	Nodes  []TreeNode `json:"nodes"`
}

// ResolveTree resolves a folder and all its descendants down to maxDepth in
// one bulk pass. Nodes are ordered breadth-first (depth, then id) and paged
// with limit/offset over that ordering. A nonexistent root is ErrNotFound.
//
// maxDepth defaults to DefaultTreeDepth and is capped at MaxTreeDepth;
// limit defaults to DefaultTreeLimit and is capped at MaxTreeLimit.
func (r *Resolver) ResolveTree(ctx context.Context, userID, rootFolderID int64, maxDepth, limit, offset int) (*TreePage, error) {
	start := time.Now()
	if userID <= 0 || rootFolderID <= 0 {
		return nil, fmt.Errorf("%w: user id and root folder id must be positive", ErrInvalidInput)
	}
	if maxDepth < 0 || limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: depth, limit and offset must not be negative", ErrInvalidInput)
	}
	if maxDepth == 0 {
		maxDepth = DefaultTreeDepth
	}
	if maxDepth > MaxTreeDepth {
		maxDepth = MaxTreeDepth
	}
	if limit == 0 {
		limit = DefaultTreeLimit
	}
	if limit > MaxTreeLimit {
		limit = MaxTreeLimit
	}

	nodes, err := r.store.GetSubtreeFolders(ctx, rootFolderID, maxDepth)
	if err != nil {
		r.metrics.ObserveResolution("tree", "error", time.Since(start))
		return nil, err
	}
	if len(nodes) == 0 {
		r.metrics.ObserveResolution("tree", "error", time.Since(start))
		return nil, fmt.Errorf("%w: folder %d", ErrNotFound, rootFolderID)
	}

	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	// Every ancestor inside the page is part of the batch, so inheritance
	// below the root is resolved from the shared memo; only the root's own
	// chain walks above the subtree.
	resolved, err := r.ResolveBulk(ctx, userID, ResourceFolder, ids)
	if err != nil {
		r.metrics.ObserveResolution("tree", "error", time.Since(start))
		return nil, err
	}

	page := &TreePage{
		RootID: rootFolderID,
		Depth:  maxDepth,
		Total:  len(nodes),
		Offset: offset,
		Limit:  limit,
	}
	if offset > len(nodes) {
		offset = len(nodes)
	}
	end := offset + limit
	if end > len(nodes) {
		end = len(nodes)
	}
	for _, n := range nodes[offset:end] {
		page.Nodes = append(page.Nodes, TreeNode{
			FolderID:    n.ID,
			ParentID:    n.ParentID,
			Depth:       n.Depth,
			Permissions: resolved[n.ID],
		})
	}

	r.metrics.ObserveResolution("tree", "miss", time.Since(start))
	return page, nil
}

// WarmCache pre-resolves the resources a user is most likely to touch:
// everything they own or hold a direct grant on, per resource type, up to
// the configured limit. Returns how many entries were resolved.
func (r *Resolver) WarmCache(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}

	total := 0
	for _, rt := range []ResourceType{ResourceFolder, ResourceFile} {
		ids, err := r.store.GetOwnedOrGrantedIDs(ctx, rt, userID, r.warmup)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := r.ResolveBulk(ctx, userID, rt, ids); err != nil {
			return total, err
		}
		total += len(ids)
	}

	r.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"entries": total,
	}).Debug("cache warmed")
	return total, nil
}

// CacheStats reports the cache's hit/miss counters.
func (r *Resolver) CacheStats() Stats {
	return r.cache.Stats()
}

// cacheGet probes the cache, treating backend failures as a miss. The
// cache is an accelerator, never a dependency for correctness.
func (r *Resolver) cacheGet(ctx context.Context, key Key) *PermissionSet {
	cached, err := r.cache.Get(ctx, key)
	if err != nil {
		r.metrics.RecordCacheError()
		r.logger.WithError(err).WithField("key", key.String()).Warn("cache read failed, treating as miss")
		return nil
	}
	if cached == nil {
		r.metrics.RecordCacheMiss()
		return nil
	}
	r.metrics.RecordCacheHit()
	return cached
}

// resolveAndCache computes permissions for ids not served from cache and
// writes the results back. The generation token is snapshotted before any
// relational read so an invalidation racing with this computation wins.
func (r *Resolver) resolveAndCache(ctx context.Context, userID int64, resourceType ResourceType, resourceIDs []int64) (map[int64]PermissionSet, error) {
	gen := r.cache.Generation()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var groupIDs []int64
	if !user.IsAdmin() {
		groupIDs, err = r.store.GetUserGroupIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	memo := make(map[int64]folderMemo)
	var results map[int64]PermissionSet
	switch resourceType {
	case ResourceFolder:
		results, err = r.resolveFolders(ctx, user, groupIDs, resourceIDs, memo)
	case ResourceFile:
		results, err = r.resolveFiles(ctx, user, groupIDs, resourceIDs, memo)
	default:
		return nil, fmt.Errorf("%w: resource type %q", ErrInvalidInput, resourceType)
	}
	if err != nil {
		return nil, err
	}

	for id, p := range results {
		key := Key{UserID: userID, ResourceType: resourceType, ResourceID: id}
		if err := r.cache.Set(ctx, key, p, r.ttl, gen); err != nil {
			r.metrics.RecordCacheError()
			r.logger.WithError(err).WithField("key", key.String()).Warn("cache write failed")
		}
	}
	return results, nil
}

// folderMemo is a settled per-call resolution: perms plus how many hops up
// the chain the answer settled. The hop count gates reuse, so a batch
// sibling entering the chain at a different depth gets exactly the answer
// its own depth budget allows.
type folderMemo struct {
	perms  PermissionSet
	settle int
}

// resolveFolders computes effective permissions for a set of folders,
// walking the ancestor chain level by level. Each distinct ancestor is
// fetched and resolved at most once per call via memo; the walk stops at
// maxDepth and treats the cutoff as "no further inheritance".
func (r *Resolver) resolveFolders(ctx context.Context, user *User, groupIDs []int64, folderIDs []int64, memo map[int64]folderMemo) (map[int64]PermissionSet, error) {
	results := make(map[int64]PermissionSet, len(folderIDs))

	// level[id] is the folder's own-level permission (owner/direct/group,
	// possibly none); parentOf[id] its parent link. Both grow as the
	// frontier climbs.
	level := make(map[int64]PermissionSet)
	parentOf := make(map[int64]*int64)
	exists := make(map[int64]bool)

	frontier := make([]int64, 0, len(folderIDs))
	queued := make(map[int64]struct{}, len(folderIDs))
	for _, id := range folderIDs {
		if _, ok := memo[id]; ok {
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		frontier = append(frontier, id)
	}

	for depth := 0; len(frontier) > 0 && depth <= r.maxDepth; depth++ {
		grants, err := r.store.GetGrantRows(ctx, ResourceFolder, user.ID, groupIDs, frontier)
		if err != nil {
			return nil, err
		}

		var next []int64
		for _, id := range frontier {
			rg, ok := grants[id]
			if !ok {
				// Nonexistent folder: resolves to none, inherits nothing.
				continue
			}
			exists[id] = true
			parentOf[id] = rg.ParentID
			p := r.levelPermissions(user, rg)
			level[id] = p
			if p.HasAny() || rg.ParentID == nil {
				continue
			}
			pid := *rg.ParentID
			if _, done := memo[pid]; done {
				continue
			}
			if _, known := level[pid]; known {
				continue
			}
			if _, ok := queued[pid]; ok {
				continue
			}
			queued[pid] = struct{}{}
			next = append(next, pid)
		}
		frontier = next
	}

	// Walk each folder's recorded chain upward to the nearest level with
	// any right, memoizing every settled node on the way down. The memo is
	// reused only when the caller's remaining depth budget covers the hops
	// to the memoized settle point, and walks truncated by the budget are
	// never memoized; a batch sibling entering the chain at any depth
	// therefore resolves exactly as a one-at-a-time call would.
	var effective func(id int64, depth int) (PermissionSet, int, bool)
	effective = func(id int64, depth int) (perms PermissionSet, settle int, settled bool) {
		if e, ok := memo[id]; ok {
			if depth+e.settle > r.maxDepth {
				// The memoized answer settles beyond this entry point's
				// budget; an individual walk from here truncates first.
				return NonePermissions(), 0, false
			}
			return e.perms, e.settle, true
		}
		if !exists[id] {
			p := NonePermissions()
			memo[id] = folderMemo{perms: p}
			return p, 0, true
		}
		own := level[id]
		if own.HasAny() {
			memo[id] = folderMemo{perms: own}
			return own, 0, true
		}
		parent := parentOf[id]
		if parent == nil {
			p := NonePermissions()
			memo[id] = folderMemo{perms: p}
			return p, 0, true
		}
		if depth >= r.maxDepth {
			return NonePermissions(), 0, false
		}
		inherited, parentSettle, parentSettled := effective(*parent, depth+1)
		p := NonePermissions()
		if inherited.HasAny() {
			p = inherited.Inherited()
		}
		if !parentSettled {
			return p, 0, false
		}
		settle = parentSettle + 1
		memo[id] = folderMemo{perms: p, settle: settle}
		return p, settle, true
	}

	for _, id := range folderIDs {
		p, _, _ := effective(id, 0)
		results[id] = p
	}
	return results, nil
}

// resolveFiles computes effective permissions for a set of files: one grant
// query for the files themselves, then one folder resolution pass for the
// distinct containing folders of files that yielded nothing at file level.
func (r *Resolver) resolveFiles(ctx context.Context, user *User, groupIDs []int64, fileIDs []int64, memo map[int64]folderMemo) (map[int64]PermissionSet, error) {
	results := make(map[int64]PermissionSet, len(fileIDs))

	grants, err := r.store.GetGrantRows(ctx, ResourceFile, user.ID, groupIDs, fileIDs)
	if err != nil {
		return nil, err
	}

	// Files not settled at their own level inherit from their folder.
	needFolder := make(map[int64][]int64) // folder id -> file ids
	var folderIDs []int64
	for _, id := range fileIDs {
		rg, ok := grants[id]
		if !ok {
			results[id] = NonePermissions()
			continue
		}
		p := r.levelPermissions(user, rg)
		if p.HasAny() || rg.ParentID == nil {
			results[id] = p
			continue
		}
		fid := *rg.ParentID
		if _, ok := needFolder[fid]; !ok {
			folderIDs = append(folderIDs, fid)
		}
		needFolder[fid] = append(needFolder[fid], id)
	}

	if len(folderIDs) > 0 {
		folderPerms, err := r.resolveFolders(ctx, user, groupIDs, folderIDs, memo)
		if err != nil {
			return nil, err
		}
		for fid, files := range needFolder {
			fp := folderPerms[fid]
			resolved := NonePermissions()
			if fp.HasAny() {
				resolved = fp.Inherited()
			}
			for _, id := range files {
				results[id] = resolved
			}
		}
	}
	return results, nil
}

// levelPermissions evaluates a single resource's own level: admin and
// ownership first, then the user's direct row merged with group rows at the
// same level. Rows with no right set behave like no row at all. Source is
// direct when the user's own row contributed, group otherwise.
func (r *Resolver) levelPermissions(user *User, rg *resourceGrants) PermissionSet {
	if user.IsAdmin() || rg.OwnerID == user.ID {
		return OwnerPermissions()
	}

	p := NonePermissions()
	if rg.UserGrant != nil && rg.UserGrant.any() {
		p = PermissionSet{
			CanRead:   rg.UserGrant.CanRead,
			CanWrite:  rg.UserGrant.CanWrite,
			CanDelete: rg.UserGrant.CanDelete,
			CanShare:  rg.UserGrant.CanShare,
			Source:    SourceDirect,
		}
	}
	for _, g := range rg.GroupGrant {
		if !g.any() {
			continue
		}
		p = p.Merge(PermissionSet{
			CanRead:   g.CanRead,
			CanWrite:  g.CanWrite,
			CanDelete: g.CanDelete,
			CanShare:  g.CanShare,
			Source:    SourceGroup,
		})
	}
	return p
}
