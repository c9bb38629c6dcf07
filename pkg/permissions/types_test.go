package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceType(t *testing.T) {
	rt, err := ParseResourceType("file")
	require.NoError(t, err)
	assert.Equal(t, ResourceFile, rt)

	rt, err = ParseResourceType("folder")
	require.NoError(t, err)
	assert.Equal(t, ResourceFolder, rt)

	_, err = ParseResourceType("bucket")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseResourceType("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPermissionSetMerge(t *testing.T) {
	direct := PermissionSet{CanRead: true, Source: SourceDirect}
	group := PermissionSet{CanWrite: true, CanShare: true, Source: SourceGroup}

	merged := direct.Merge(group)
	assert.True(t, merged.CanRead)
	assert.True(t, merged.CanWrite)
	assert.True(t, merged.CanShare)
	assert.False(t, merged.CanDelete)
	assert.Equal(t, SourceDirect, merged.Source, "source prefers the receiver's non-none side")

	// Commutative on the boolean fields.
	flipped := group.Merge(direct)
	assert.Equal(t, merged.CanRead, flipped.CanRead)
	assert.Equal(t, merged.CanWrite, flipped.CanWrite)
	assert.Equal(t, merged.CanDelete, flipped.CanDelete)
	assert.Equal(t, merged.CanShare, flipped.CanShare)
	assert.Equal(t, SourceGroup, flipped.Source)

	// Idempotent.
	assert.Equal(t, merged, merged.Merge(merged))
}

func TestPermissionSetMergeNoneSource(t *testing.T) {
	none := NonePermissions()
	group := PermissionSet{CanRead: true, Source: SourceGroup}

	merged := none.Merge(group)
	assert.Equal(t, SourceGroup, merged.Source, "none receiver adopts the other side's source")
	assert.True(t, merged.CanRead)
}

func TestOwnerPermissionsInvariant(t *testing.T) {
	p := OwnerPermissions()
	assert.True(t, p.CanRead)
	assert.True(t, p.CanWrite)
	assert.True(t, p.CanDelete)
	assert.True(t, p.CanShare)
	assert.True(t, p.IsOwner)
	assert.Equal(t, SourceOwner, p.Source)
}

func TestNonePermissionsInvariant(t *testing.T) {
	p := NonePermissions()
	assert.False(t, p.HasAny())
	assert.Equal(t, SourceNone, p.Source)
}

func TestPermissionSetInherited(t *testing.T) {
	p := PermissionSet{CanRead: true, CanWrite: true, Source: SourceGroup}
	inherited := p.Inherited()
	assert.Equal(t, SourceInherited, inherited.Source)
	assert.True(t, inherited.CanRead)
	assert.True(t, inherited.CanWrite)
	// Original is untouched; PermissionSet is a value type.
	assert.Equal(t, SourceGroup, p.Source)
}

func TestHasRight(t *testing.T) {
	p := PermissionSet{CanRead: true, CanDelete: true}
	assert.True(t, p.HasRight(RightRead))
	assert.False(t, p.HasRight(RightWrite))
	assert.True(t, p.HasRight(RightDelete))
	assert.False(t, p.HasRight(RightShare))
	assert.False(t, p.HasRight(Right("unknown")))
}

func TestUserIsAdmin(t *testing.T) {
	assert.True(t, User{Role: RoleAdmin}.IsAdmin())
	assert.False(t, User{Role: RoleUser}.IsAdmin())
	assert.False(t, User{}.IsAdmin())
}

func TestKeyString(t *testing.T) {
	key := Key{UserID: 7, ResourceType: ResourceFolder, ResourceID: 42}
	assert.Equal(t, "perm:7:folder:42", key.String())
}
