package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store is the resolver's read-only view of the relational model: users,
// group memberships, files, folders and direct permission rows. All
// lookups are set-oriented; callers pass every id they need at once and
// get one query, never an id-per-round-trip loop.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// rights mirrors one direct-permission row's boolean columns.
type rights struct {
	CanRead   bool
	CanWrite  bool
	CanDelete bool
	CanShare  bool
}

func (r rights) any() bool {
	return r.CanRead || r.CanWrite || r.CanDelete || r.CanShare
}

// resourceGrants aggregates everything a single resolution step needs to
// know about one resource: ownership, position in the tree, the user's
// direct grant (at most one row) and every grant from the user's groups.
type resourceGrants struct {
	ID         int64
	OwnerID    int64
	ParentID   *int64 // containing folder for files, parent folder for folders
	UserGrant  *rights
	GroupGrant []rights
}

// subtreeNode is one folder in an enumerated subtree.
type subtreeNode struct {
	ID       int64
	ParentID *int64
	Depth    int
}

// GetUser loads a user's identity and role.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT id, username, COALESCE(email, ''), role FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Username, &u.Email, &u.Role)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, dataAccessErr("get user", err)
	}
	return &u, nil
}

// GetUserGroupIDs returns the ids of every group the user belongs to.
func (s *Store) GetUserGroupIDs(ctx context.Context, userID int64) ([]int64, error) {
	query := `SELECT group_id FROM user_groups WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, dataAccessErr("get user groups", err)
	}
	defer rows.Close()

	var groupIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dataAccessErr("scan group id", err)
		}
		groupIDs = append(groupIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dataAccessErr("iterate user groups", err)
	}
	return groupIDs, nil
}

// GetGrantRows fetches, in one query, ownership, tree position and all
// direct-permission rows relevant to the user (their own rows plus their
// groups' rows) for every requested resource. Requested ids with no
// matching table row are simply absent from the result map.
func (s *Store) GetGrantRows(ctx context.Context, resourceType ResourceType, userID int64, groupIDs, resourceIDs []int64) (map[int64]*resourceGrants, error) {
	if len(resourceIDs) == 0 {
		return map[int64]*resourceGrants{}, nil
	}

	var table, permTable, permFK, parentCol string
	switch resourceType {
	case ResourceFile:
		table, permTable, permFK, parentCol = "files", "file_permissions", "file_id", "folder_id"
	case ResourceFolder:
		table, permTable, permFK, parentCol = "folders", "folder_permissions", "folder_id", "parent_id"
	default:
		return nil, fmt.Errorf("%w: resource type %q", ErrInvalidInput, resourceType)
	}

	// args: user id, then group ids, then resource ids.
	args := make([]interface{}, 0, 1+len(groupIDs)+len(resourceIDs))
	args = append(args, userID)
	for _, g := range groupIDs {
		args = append(args, g)
	}
	groupClause := ""
	if len(groupIDs) > 0 {
		groupClause = fmt.Sprintf(" OR p.group_id IN (%s)", placeholders(2, len(groupIDs)))
	}
	idClause := placeholders(2+len(groupIDs), len(resourceIDs))
	for _, id := range resourceIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.owner_id, r.%s,
		       p.user_id, p.group_id,
		       p.can_read, p.can_write, p.can_delete, p.can_share
		FROM %s r
		LEFT JOIN %s p ON p.%s = r.id AND (p.user_id = $1%s)
		WHERE r.id IN (%s)`,
		parentCol, table, permTable, permFK, groupClause, idClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dataAccessErr("get grant rows", err)
	}
	defer rows.Close()

	result := make(map[int64]*resourceGrants, len(resourceIDs))
	for rows.Next() {
		var (
			id, ownerID    int64
			parentID       sql.NullInt64
			grantUser      sql.NullInt64
			grantGroup     sql.NullInt64
			cr, cw, cd, cs sql.NullBool
		)
		if err := rows.Scan(&id, &ownerID, &parentID, &grantUser, &grantGroup, &cr, &cw, &cd, &cs); err != nil {
			return nil, dataAccessErr("scan grant row", err)
		}

		rg, ok := result[id]
		if !ok {
			rg = &resourceGrants{ID: id, OwnerID: ownerID}
			if parentID.Valid {
				pid := parentID.Int64
				rg.ParentID = &pid
			}
			result[id] = rg
		}

		if !grantUser.Valid && !grantGroup.Valid {
			continue // resource row with no matching permission row
		}
		r := rights{
			CanRead:   cr.Valid && cr.Bool,
			CanWrite:  cw.Valid && cw.Bool,
			CanDelete: cd.Valid && cd.Bool,
			CanShare:  cs.Valid && cs.Bool,
		}
		if grantUser.Valid {
			rg.UserGrant = &r
		} else {
			rg.GroupGrant = append(rg.GroupGrant, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dataAccessErr("iterate grant rows", err)
	}
	return result, nil
}

// GetSubtreeFolders enumerates a folder and its descendants down to
// maxDepth, breadth-ordered, recording each node's parent so callers can
// rebuild paths without further queries. Returns an empty slice when the
// root folder does not exist.
func (s *Store) GetSubtreeFolders(ctx context.Context, rootID int64, maxDepth int) ([]subtreeNode, error) {
	query := `
		WITH RECURSIVE folder_tree AS (
			SELECT id, parent_id, 0 AS depth
			FROM folders
			WHERE id = $1

			UNION ALL

			SELECT f.id, f.parent_id, ft.depth + 1
			FROM folders f
			INNER JOIN folder_tree ft ON f.parent_id = ft.id
			WHERE ft.depth < $2
		)
		SELECT id, parent_id, depth FROM folder_tree ORDER BY depth, id`

	rows, err := s.db.QueryContext(ctx, query, rootID, maxDepth)
	if err != nil {
		return nil, dataAccessErr("enumerate subtree", err)
	}
	defer rows.Close()

	var nodes []subtreeNode
	for rows.Next() {
		var n subtreeNode
		var parentID sql.NullInt64
		if err := rows.Scan(&n.ID, &parentID, &n.Depth); err != nil {
			return nil, dataAccessErr("scan subtree node", err)
		}
		if parentID.Valid {
			pid := parentID.Int64
			n.ParentID = &pid
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, dataAccessErr("iterate subtree", err)
	}
	return nodes, nil
}

// GetFileIDsInFolders returns the ids of every file directly inside any of
// the given folders. Used by the invalidation cascade.
func (s *Store) GetFileIDsInFolders(ctx context.Context, folderIDs []int64) ([]int64, error) {
	if len(folderIDs) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(folderIDs))
	for i, id := range folderIDs {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id FROM files WHERE folder_id IN (%s)`,
		placeholders(1, len(folderIDs)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dataAccessErr("get files in folders", err)
	}
	defer rows.Close()

	var fileIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dataAccessErr("scan file id", err)
		}
		fileIDs = append(fileIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dataAccessErr("iterate files in folders", err)
	}
	return fileIDs, nil
}

// GetOwnedOrGrantedIDs returns up to limit resource ids the user owns or
// holds a direct grant on, used for cache warm-up.
func (s *Store) GetOwnedOrGrantedIDs(ctx context.Context, resourceType ResourceType, userID int64, limit int) ([]int64, error) {
	var query string
	switch resourceType {
	case ResourceFile:
		query = `
			SELECT DISTINCT f.id
			FROM files f
			LEFT JOIN folders fo ON f.folder_id = fo.id
			WHERE f.owner_id = $1
			   OR fo.owner_id = $1
			   OR EXISTS (SELECT 1 FROM file_permissions fp WHERE fp.file_id = f.id AND fp.user_id = $1)
			   OR EXISTS (SELECT 1 FROM folder_permissions fop WHERE fop.folder_id = f.folder_id AND fop.user_id = $1)
			ORDER BY f.id
			LIMIT $2`
	case ResourceFolder:
		query = `
			SELECT DISTINCT f.id
			FROM folders f
			WHERE f.owner_id = $1
			   OR EXISTS (SELECT 1 FROM folder_permissions fp WHERE fp.folder_id = f.id AND fp.user_id = $1)
			ORDER BY f.id
			LIMIT $2`
	default:
		return nil, fmt.Errorf("%w: resource type %q", ErrInvalidInput, resourceType)
	}

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, dataAccessErr("get warmup candidates", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dataAccessErr("scan warmup id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dataAccessErr("iterate warmup ids", err)
	}
	return ids, nil
}

// placeholders renders "$start,$start+1,...,$start+n-1" for IN clauses.
// Positional $N markers work with both lib/pq and go-sqlite3, which keeps
// the store testable against an in-memory database.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}
