package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileharbor/fileharbor/pkg/permissions"
)

func newMiniredisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client)
	t.Cleanup(func() { c.Close() })
	return c
}

func newBadgerTestCache(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := NewBadgerCache("") // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// Every backend must satisfy the same contract; the suite runs once per
// implementation.
func TestCacheContract(t *testing.T) {
	backends := map[string]func(t *testing.T) permissions.Cache{
		"memory": func(t *testing.T) permissions.Cache { return NewMemoryCache(100, time.Hour) },
		"redis":  func(t *testing.T) permissions.Cache { return newMiniredisCache(t) },
		"badger": func(t *testing.T) permissions.Cache { return newBadgerTestCache(t) },
	}

	for name, newCache := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("GetSetRoundtrip", func(t *testing.T) { testRoundtrip(t, newCache(t)) })
			t.Run("MissOnAbsent", func(t *testing.T) { testMiss(t, newCache(t)) })
			t.Run("InvalidateKey", func(t *testing.T) { testInvalidateKey(t, newCache(t)) })
			t.Run("InvalidateUser", func(t *testing.T) { testInvalidateUser(t, newCache(t)) })
			t.Run("InvalidateResource", func(t *testing.T) { testInvalidateResource(t, newCache(t)) })
			t.Run("StaleGenerationDropped", func(t *testing.T) { testStaleGeneration(t, newCache(t)) })
			t.Run("SetInvalidateRace", func(t *testing.T) { testSetInvalidateRace(t, newCache(t)) })
			t.Run("Stats", func(t *testing.T) { testStats(t, newCache(t)) })
		})
	}
}

var testPerms = permissions.PermissionSet{
	CanRead:  true,
	CanWrite: true,
	Source:   permissions.SourceDirect,
}

func testKey(userID, resourceID int64) permissions.Key {
	return permissions.Key{UserID: userID, ResourceType: permissions.ResourceFile, ResourceID: resourceID}
}

func testRoundtrip(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	key := testKey(1, 10)

	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, c.Generation()))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testPerms, *got)
}

func testMiss(t *testing.T, c permissions.Cache) {
	got, err := c.Get(context.Background(), testKey(1, 10))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testInvalidateKey(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	key := testKey(1, 10)
	other := testKey(1, 11)

	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, other, testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Invalidate(ctx, key))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func testInvalidateUser(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	folderKey := permissions.Key{UserID: 1, ResourceType: permissions.ResourceFolder, ResourceID: 5}

	require.NoError(t, c.Set(ctx, testKey(1, 10), testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, folderKey, testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, testKey(2, 10), testPerms, time.Minute, c.Generation()))

	require.NoError(t, c.InvalidateUser(ctx, 1))

	got, err := c.Get(ctx, testKey(1, 10))
	require.NoError(t, err)
	assert.Nil(t, got, "user 1 file entry dropped")

	got, err = c.Get(ctx, folderKey)
	require.NoError(t, err)
	assert.Nil(t, got, "user 1 folder entry dropped")

	got, err = c.Get(ctx, testKey(2, 10))
	require.NoError(t, err)
	assert.NotNil(t, got, "user 2 untouched")
}

func testInvalidateResource(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	folderKey := permissions.Key{UserID: 1, ResourceType: permissions.ResourceFolder, ResourceID: 10}

	require.NoError(t, c.Set(ctx, testKey(1, 10), testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, testKey(2, 10), testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, testKey(1, 11), testPerms, time.Minute, c.Generation()))
	require.NoError(t, c.Set(ctx, folderKey, testPerms, time.Minute, c.Generation()))

	require.NoError(t, c.InvalidateResource(ctx, permissions.ResourceFile, 10))

	for _, uid := range []int64{1, 2} {
		got, err := c.Get(ctx, testKey(uid, 10))
		require.NoError(t, err)
		assert.Nil(t, got, "file 10 dropped for user %d", uid)
	}

	got, err := c.Get(ctx, testKey(1, 11))
	require.NoError(t, err)
	assert.NotNil(t, got, "other file untouched")

	got, err = c.Get(ctx, folderKey)
	require.NoError(t, err)
	assert.NotNil(t, got, "same id different type untouched")
}

func testStaleGeneration(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	key := testKey(1, 10)

	// Snapshot the generation, then let an invalidation race in before the
	// write: the write must be dropped.
	gen := c.Generation()
	require.NoError(t, c.Invalidate(ctx, key))
	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, gen))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "a write from before the invalidation must not resurrect data")

	// A write observing the bumped generation lands.
	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, c.Generation()))
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// testSetInvalidateRace drives a Set whose generation was snapshotted
// before a concurrent Invalidate, over many interleavings. Whichever side
// wins the race, the invalidation completed after the snapshot, so the
// entry must never be visible once both return.
func testSetInvalidateRace(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	key := testKey(1, 10)

	for i := 0; i < 100; i++ {
		gen := c.Generation()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, key, testPerms, time.Minute, gen)
		}()
		go func() {
			defer wg.Done()
			_ = c.Invalidate(ctx, key)
		}()
		wg.Wait()

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got, "iteration %d: invalidated entry resurrected", i)
	}
}

func testStats(t *testing.T, c permissions.Cache) {
	ctx := context.Background()
	key := testKey(1, 10)

	_, err := c.Get(ctx, key) // miss
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, c.Generation()))
	_, err = c.Get(ctx, key) // hit
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.Entries)
}
