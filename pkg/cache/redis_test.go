package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewRedisCache(Config{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr(), RedisDB: -1})
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create redis cache: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return c, mr
}

func TestRedisCache_GetSet(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "rbac:user:1:scope:global", []byte(`["task.view"]`), time.Hour))
	got, err := c.Get(ctx, "rbac:user:1:scope:global")
	require.NoError(t, err)
	assert.Equal(t, `["task.view"]`, string(got))
	assert.Equal(t, time.Hour, mr.TTL("rbac:user:1:scope:global"))

	require.NoError(t, c.Delete(ctx, "rbac:user:1:scope:global"))
	assert.False(t, mr.Exists("rbac:user:1:scope:global"))
}

func TestRedisCache_SetNX(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "audit:dedup:task:1:create", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "audit:dedup:task:1:create", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err = c.SetNX(ctx, "audit:dedup:task:1:create", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache_DeletePrefix(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("rbac:user:1:scope:global", "[]"))
	require.NoError(t, mr.Set("rbac:user:1:scope:repo:org/name", "[]"))
	require.NoError(t, mr.Set("rbac:user:12:scope:global", "[]"))
	require.NoError(t, mr.Set("other", "x"))

	n, err := c.DeletePrefix(ctx, "rbac:user:1:scope:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("rbac:user:12:scope:global"))

	n, err = c.DeletePrefix(ctx, "rbac:user:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("other"))
}

func TestRedisCache_DeletePrefixQuotesGlobSyntax(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("rbac:user:1:scope:team:*", "[]"))
	require.NoError(t, mr.Set("rbac:user:1:scope:team:core", "[]"))

	n, err := c.DeletePrefix(ctx, "rbac:user:1:scope:team:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("rbac:user:1:scope:team:core"))
}

func TestRedisCache_Unavailable(t *testing.T) {
	c, mr := setupRedisCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.SetNX(context.Background(), "k", []byte("1"), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache(Config{RedisURL: "not a url"})
	assert.Error(t, err)
}
