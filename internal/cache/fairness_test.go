package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServeCountCache(t *testing.T, window time.Duration) *redisServeCountCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewServeCountCache(client, window, "served").(*redisServeCountCache)
}

func TestServeCountsFollowRollingWindow(t *testing.T) {
	c := newServeCountCache(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Incr(ctx, "u1"))
	}
	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	require.NoError(t, c.Incr(ctx, "u1"))
	require.NoError(t, c.Incr(ctx, "u2"))

	counts, ok, err := c.Counts(ctx, []string{"u1", "u2", "ghost"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, counts["u1"])
	assert.Equal(t, 1, counts["u2"])
	assert.Equal(t, 0, counts["ghost"])

	// 90 minutes in, the serves at base have aged out of the window even
	// though u1 was served again since.
	c.now = func() time.Time { return base.Add(90 * time.Minute) }
	counts, ok, err = c.Counts(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, counts["u1"])
	assert.Equal(t, 1, counts["u2"])
}

func TestServeCountsExpireForContinuouslyActiveUser(t *testing.T) {
	c := newServeCountCache(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// One serve every 10 minutes for two hours. A counter whose TTL is
	// refreshed on each serve would report all 13; the rolling window
	// holds only the last hour's worth.
	for i := 0; i <= 12; i++ {
		at := base.Add(time.Duration(i) * 10 * time.Minute)
		c.now = func() time.Time { return at }
		require.NoError(t, c.Incr(ctx, "u1"))
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	counts, ok, err := c.Counts(ctx, []string{"u1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, counts["u1"], "serves older than the window must not count")
}

func TestServeCountsUnavailableCacheReportsMiss(t *testing.T) {
	var c *redisServeCountCache
	counts, ok, err := c.Counts(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.False(t, ok, "callers must fall back to the durable serve log")
	assert.Nil(t, counts)
	assert.NoError(t, c.Incr(context.Background(), "u1"))
}
