package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	key, err := c.CacheResult(ctx, PartitionResearch,
		map[string]any{"results": []any{"study-1"}}, time.Hour, "acme", "dental")
	require.NoError(t, err)
	assert.Len(t, key, 64)

	payload, err := c.GetCached(ctx, PartitionResearch, "acme", "dental")
	require.NoError(t, err)
	assert.Equal(t, []any{"study-1"}, payload["results"])

	_, err = c.GetCached(ctx, PartitionResearch, "acme", "wellness")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Same material in another partition is a distinct entry.
	_, err = c.GetCached(ctx, PartitionExecution, "acme", "dental")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	_, err := c.CacheResult(ctx, PartitionExecution, map[string]any{"ok": true}, time.Minute, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = c.GetCached(ctx, PartitionExecution, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheCorruptEntryBehavesAsMiss(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	hash := hashKey([]string{"bad"})
	require.NoError(t, mr.Set("reportflow:execution_cache:"+hash, "{not json"))

	_, err := c.GetCached(ctx, PartitionExecution, "bad")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, mr.Exists("reportflow:execution_cache:"+hash), "corrupt entry is deleted")
}

func TestRedisCachePing(t *testing.T) {
	c, mr := newTestRedisCache(t)
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}
