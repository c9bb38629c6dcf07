package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetUser(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	rows := sqlmock.NewRows([]string{"id", "username", "email", "role"}).
		AddRow(int64(7), "alice", "alice@example.com", "admin")
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(int64(7)).WillReturnRows(rows)

	user, err := store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, user.IsAdmin())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetUserNotFound(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "role"}))

	_, err = store.GetUser(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetUserDataAccessError(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WillReturnError(errors.New("connection refused"))

	_, err = store.GetUser(ctx, 1)
	assert.ErrorIs(t, err, ErrDataAccess,
		"store failures must be distinguishable from a legitimate denial")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetGrantRowsAggregation(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	// One file with a user row and two group rows, one file with a bare
	// resource row (LEFT JOIN produced NULL permission columns).
	cols := []string{"id", "owner_id", "folder_id", "user_id", "group_id", "can_read", "can_write", "can_delete", "can_share"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(10), int64(1), int64(5), int64(2), nil, true, false, false, false).
		AddRow(int64(10), int64(1), int64(5), nil, int64(3), false, true, false, false).
		AddRow(int64(10), int64(1), int64(5), nil, int64(4), false, false, false, true).
		AddRow(int64(11), int64(1), nil, nil, nil, nil, nil, nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM files r").
		WithArgs(int64(2), int64(3), int64(4), int64(10), int64(11)).
		WillReturnRows(rows)

	grants, err := store.GetGrantRows(ctx, ResourceFile, 2, []int64{3, 4}, []int64{10, 11})
	require.NoError(t, err)
	require.Len(t, grants, 2)

	first := grants[10]
	require.NotNil(t, first.UserGrant)
	assert.True(t, first.UserGrant.CanRead)
	assert.Len(t, first.GroupGrant, 2)
	require.NotNil(t, first.ParentID)
	assert.Equal(t, int64(5), *first.ParentID)

	second := grants[11]
	assert.Nil(t, second.UserGrant)
	assert.Empty(t, second.GroupGrant)
	assert.Nil(t, second.ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetGrantRowsEmptyIDs(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	grants, err := NewStore(db).GetGrantRows(context.Background(), ResourceFolder, 1, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, grants, "no ids means no query")
}

func TestStoreGetGrantRowsInvalidType(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db).GetGrantRows(context.Background(), ResourceType("bucket"), 1, nil, []int64{1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStoreGetFileIDsInFoldersEmpty(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ids, err := NewStore(db).GetFileIDsInFolders(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$2,$3,$4", placeholders(2, 3))
	assert.Equal(t, "", placeholders(5, 0))
}
