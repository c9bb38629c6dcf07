package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCacheNativeTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()

	key := testKey(1, 10)
	require.NoError(t, c.Set(ctx, key, testPerms, time.Minute, c.Generation()))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)

	mr.FastForward(2 * time.Minute)

	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "redis expired the entry")
}

func TestRedisCacheCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()

	key := testKey(1, 10)
	require.NoError(t, mr.Set(key.String(), "not json"))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(key.String()), "corrupt entry purged")
}

func TestRedisCacheBackendDownSurfacesError(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()

	mr.Close()

	_, err := c.Get(ctx, testKey(1, 10))
	assert.Error(t, err, "callers treat this as a miss, but the error must surface")
}
