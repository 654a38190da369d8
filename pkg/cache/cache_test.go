package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheRoundTrip(t *testing.T) {
	c, err := NewInMemoryCache()
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, c.Del(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryCacheZeroTTLNotStored(t *testing.T) {
	c, err := NewInMemoryCache()
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryCacheClear(t *testing.T) {
	c, err := NewInMemoryCache()
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Put(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Clear(ctx))

	for _, key := range []string{"a", "b"} {
		_, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestInMemoryCacheCloseIsIdempotent(t *testing.T) {
	c, err := NewInMemoryCache(WithMaxCacheSize(10))
	require.NoError(t, err)
	c.Close()
	c.Close()
}

func newRedisFixture(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr(), "", "test")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return mr, c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	_, c := newRedisFixture(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, c.Del(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheTTLExpires(t *testing.T) {
	mr, c := newRedisFixture(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheClearOnlyOwnPrefix(t *testing.T) {
	mr, c := newRedisFixture(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, mr.Set("foreign:key", "keep"))

	require.NoError(t, c.Clear(ctx))

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists("foreign:key"))
}

func TestRedisCacheConnectFailure(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1", "", "test")
	require.Error(t, err)
}
