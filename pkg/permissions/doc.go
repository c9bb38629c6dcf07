// Package permissions implements FileHarbor's effective-permission
// resolution engine: given a user and one or more files or folders, it
// computes the access rights that apply after combining ownership, direct
// grants, group grants, and inheritance from ancestor folders.
//
// # Overview
//
// The package has four parts:
//
//   1. PermissionSet: the resolved rights plus provenance (value type).
//   2. Cache: a keyed TTL store of resolved sets, with in-memory, Redis
//      and Badger backends under permissions/cache.
//   3. Resolver: the resolution algorithms (single, bulk, tree).
//   4. Invalidator: eviction hooks for permission-mutating collaborators,
//      including the descendant cascade for folders.
//
// # Resolution Precedence
//
// Evaluated in strict order, first match wins:
//
//	1. Admin role            -> full rights, owner semantics
//	2. resource.owner_id     -> full rights, source=owner
//	3. direct grant for user -> that row, source=direct
//	4. grants for the user's groups -> merged union, source=group
//	5. nearest ancestor folder with any right -> source=inherited
//	6. nothing               -> source=none
//
// A user row and group rows on the same resource merge (union of rights,
// source=direct when the user row contributed). A grant on the resource
// itself never merges with an ancestor's: the closer level wins outright.
// Rows with no right set behave as if absent.
//
// # Bulk and Tree Resolution
//
// ResolveBulk computes N resources with one grant query per inheritance
// level, not one per resource; each distinct ancestor folder is resolved at
// most once per call. ResolveTree enumerates a folder subtree with a single
// recursive query, resolves every node against a shared memo, and pages the
// ordered result.
//
//	resolver := permissions.NewResolver(db, cache, permissions.Config{
//		CacheTTL: 5 * time.Minute,
//	})
//	perms, err := resolver.Resolve(ctx, userID, permissions.ResourceFile, fileID)
//	if perms.CanWrite {
//		// ...
//	}
//
// # Caching
//
// Resolution is read-through cached under (user, resource-type, id). The
// cache is a best-effort accelerator: backend failures are logged and
// treated as misses, and losing every entry never changes an answer. Writes
// carry a generation token snapshotted before computation, so an
// invalidation racing with a slow resolution always wins.
//
// # Invalidation
//
// Collaborators that mutate permissions call the hooks:
//
//	inv.OnPermissionChange(ctx, permissions.ResourceFolder, folderID, nil)
//	inv.OnGroupChange(ctx, userID)
//	inv.OnMove(ctx, permissions.ResourceFile, fileID)
//
// A folder eviction cascades to every descendant folder and the files
// directly inside any of them, because their effective permissions may
// derive from the changed grant. Eviction failures are logged loudly but
// never block the underlying mutation.
//
// # Errors
//
// Failures are classified by sentinel, matched with errors.Is:
//
//	ErrNotFound     - referenced user or root folder does not exist
//	ErrInvalidInput - bad resource type, non-positive ids, negative paging
//	ErrDataAccess   - the relational store could not be queried
//
// A data-access failure always surfaces as an error, never as an empty
// PermissionSet, so callers can tell "no access" from "could not determine
// access". Only the user and a tree's root folder are existence-checked;
// a nonexistent resource id, in single and bulk resolution alike, folds to
// source=none rather than ErrNotFound.
//
// # HTTP API
//
// Handlers expose the engine to the rest of the file server:
//
//	POST /permissions/check
//	POST /permissions/bulk
//	GET  /permissions/tree/{id}
//	POST /permissions/invalidate/resource
//	POST /permissions/invalidate/group-change
//	POST /permissions/invalidate/move
//	GET  /permissions/cache/stats
//	POST /permissions/cache/warm
//
// RequireRight wraps any route with an effective-permission guard.
//
// # Related Packages
//
//   - pkg/permissions/cache: cache backends (memory, redis, badger)
//   - pkg/database: connection management (primary + read replicas)
//   - pkg/observability: logging and Prometheus metrics
package permissions
