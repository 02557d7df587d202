package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ServeCountCache mirrors the durable serve log as per-user counters so
// fairness boosts avoid a durable aggregate query per enqueue.
type ServeCountCache interface {
	Incr(ctx context.Context, userID string) error
	Counts(ctx context.Context, userIDs []string) (map[string]int, bool, error)
}

// redisServeCountCache keeps one sorted set per user with serve
// timestamps as scores, so counting is an exact rolling-window query
// rather than a counter whose TTL resets on every serve.
type redisServeCountCache struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewServeCountCache builds serve counters over the rolling fairness
// window.
func NewServeCountCache(client *redis.Client, window time.Duration, prefix string) ServeCountCache {
	if window <= 0 {
		window = 6 * time.Hour
	}
	if prefix == "" {
		prefix = "served"
	}
	return &redisServeCountCache{client: client, window: window, prefix: prefix, now: time.Now}
}

func (c *redisServeCountCache) key(userID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, userID)
}

func (c *redisServeCountCache) Incr(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	now := c.now()
	key := c.key(userID)
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	// Trim strictly before the window start; counting is >= window start,
	// matching the durable serve log.
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.Add(-c.window).UnixMilli(), 10))
	// GC for users that stop being served entirely; counting never
	// depends on this TTL.
	pipe.Expire(ctx, key, c.window)
	_, err := pipe.Exec(ctx)
	return err
}

// Counts returns rolling-window serve counts for the given users. The
// second return is false when the cache could not answer and the caller
// should fall back to the durable serve log.
func (c *redisServeCountCache) Counts(ctx context.Context, userIDs []string) (map[string]int, bool, error) {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return nil, false, nil
	}
	cutoff := strconv.FormatInt(c.now().Add(-c.window).UnixMilli(), 10)
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.ZCount(ctx, c.key(id), cutoff, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, false, err
	}
	out := make(map[string]int, len(userIDs))
	for i, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, false, err
		}
		out[userIDs[i]] = int(n)
	}
	return out, true, nil
}
