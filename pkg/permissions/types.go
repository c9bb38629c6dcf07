package permissions

import (
	"fmt"
)

// ResourceType identifies the kind of resource a permission applies to.
type ResourceType string

const (
	ResourceFile   ResourceType = "file"
	ResourceFolder ResourceType = "folder"
)

// ParseResourceType validates a raw resource type string.
func ParseResourceType(raw string) (ResourceType, error) {
	switch ResourceType(raw) {
	case ResourceFile:
		return ResourceFile, nil
	case ResourceFolder:
		return ResourceFolder, nil
	default:
		return "", fmt.Errorf("%w: resource type %q (must be %q or %q)",
			ErrInvalidInput, raw, ResourceFile, ResourceFolder)
	}
}

// Source records which rule produced a PermissionSet.
type Source string

const (
	SourceNone      Source = "none"
	SourceOwner     Source = "owner"
	SourceDirect    Source = "direct"
	SourceGroup     Source = "group"
	SourceInherited Source = "inherited"
)

// Role values for User.Role. Admins bypass all permission checks.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// PermissionSet is the resolved access a user has on a single resource,
// tagged with the rule that produced it. It is a value type: construct,
// pass around, never mutate.
//
// Invariants: IsOwner implies all four rights are granted and Source is
// SourceOwner; Source none implies no right is granted.
type PermissionSet struct {
	CanRead   bool   `json:"can_read"`
	CanWrite  bool   `json:"can_write"`
	CanDelete bool   `json:"can_delete"`
	CanShare  bool   `json:"can_share"`
	IsOwner   bool   `json:"is_owner"`
	Source    Source `json:"source"`
}

// NonePermissions returns the empty set: no rights, source none.
func NonePermissions() PermissionSet {
	return PermissionSet{Source: SourceNone}
}

// OwnerPermissions returns the full set granted to a resource owner.
// Admins receive the same set (owner-equivalent).
func OwnerPermissions() PermissionSet {
	return PermissionSet{
		CanRead:   true,
		CanWrite:  true,
		CanDelete: true,
		CanShare:  true,
		IsOwner:   true,
		Source:    SourceOwner,
	}
}

// HasAny reports whether the set grants at least one right.
func (p PermissionSet) HasAny() bool {
	return p.CanRead || p.CanWrite || p.CanDelete || p.CanShare
}

// Merge returns the most-permissive union of two sets. Each boolean is
// ORed; Source keeps the non-none side, preferring the receiver. Merge is
// commutative on the boolean fields and idempotent.
func (p PermissionSet) Merge(other PermissionSet) PermissionSet {
	source := p.Source
	if source == SourceNone || source == "" {
		source = other.Source
	}
	return PermissionSet{
		CanRead:   p.CanRead || other.CanRead,
		CanWrite:  p.CanWrite || other.CanWrite,
		CanDelete: p.CanDelete || other.CanDelete,
		CanShare:  p.CanShare || other.CanShare,
		IsOwner:   p.IsOwner || other.IsOwner,
		Source:    source,
	}
}

// Inherited returns a copy of the set relabeled as inherited. Used when a
// file or folder adopts its ancestor folder's effective permissions.
func (p PermissionSet) Inherited() PermissionSet {
	p.Source = SourceInherited
	return p
}

// HasRight reports whether the set grants a specific right.
func (p PermissionSet) HasRight(right Right) bool {
	switch right {
	case RightRead:
		return p.CanRead
	case RightWrite:
		return p.CanWrite
	case RightDelete:
		return p.CanDelete
	case RightShare:
		return p.CanShare
	default:
		return false
	}
}

// Right names one of the four grantable access rights.
type Right string

const (
	RightRead   Right = "read"
	RightWrite  Right = "write"
	RightDelete Right = "delete"
	RightShare  Right = "share"
)

// User is the subject of a resolution. Group memberships are loaded by the
// store when needed; only identity and role travel with the value.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the user bypasses permission checks entirely.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Resource is the object of a resolution: a file or a folder. ParentID is
// the containing folder for files, or the parent folder for folders; nil
// at the root.
type Resource struct {
	ID       int64        `json:"id"`
	Type     ResourceType `json:"type"`
	OwnerID  int64        `json:"owner_id"`
	ParentID *int64       `json:"parent_id,omitempty"`
}
