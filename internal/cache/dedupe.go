package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hetulpatel/distributor/internal/hashutil"
)

// DedupeCache remembers recently enqueued (opportunity, user) pairs so
// the scheduler can skip the durable dedupe guard on the hot path. The
// durable guard remains authoritative; a cache miss is never a grant.
type DedupeCache interface {
	Seen(ctx context.Context, opportunityID, userID string) (bool, error)
	Mark(ctx context.Context, opportunityID, userID string) error
}

type redisDedupeCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewDedupeCache builds a dedupe cache. TTL should cover the longest
// opportunity validity window.
func NewDedupeCache(client *redis.Client, ttl time.Duration, prefix string) DedupeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "enqueued"
	}
	return &redisDedupeCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *redisDedupeCache) key(opportunityID, userID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, hashutil.DeliveryKey(opportunityID, userID))
}

func (c *redisDedupeCache) Seen(ctx context.Context, opportunityID, userID string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, c.key(opportunityID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisDedupeCache) Mark(ctx context.Context, opportunityID, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key(opportunityID, userID), "1", c.ttl).Err()
}
