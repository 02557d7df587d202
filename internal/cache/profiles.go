package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hetulpatel/distributor/internal/models"
)

// ProfileCache keeps directory profiles hot so eligibility checks avoid
// durable reads on every candidate.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (*models.UserAccessProfile, bool, error)
	Set(ctx context.Context, profile models.UserAccessProfile) error
}

type redisProfileCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewProfileCache builds a cache keyed by user ID.
func NewProfileCache(client *redis.Client, ttl time.Duration, prefix string) ProfileCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "profile"
	}
	return &redisProfileCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *redisProfileCache) key(userID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, userID)
}

func (c *redisProfileCache) Get(ctx context.Context, userID string) (*models.UserAccessProfile, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var profile models.UserAccessProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, false, err
	}
	return &profile, true, nil
}

func (c *redisProfileCache) Set(ctx context.Context, profile models.UserAccessProfile) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(profile.UserID), payload, c.ttl).Err()
}

// PreferenceCache keeps notification preferences hot; serves last-known
// values when the durable tier is offline.
type PreferenceCache interface {
	Get(ctx context.Context, userID string) (*models.NotificationPreference, bool, error)
	Set(ctx context.Context, pref models.NotificationPreference) error
}

type redisPreferenceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewPreferenceCache builds a cache keyed by user ID.
func NewPreferenceCache(client *redis.Client, ttl time.Duration, prefix string) PreferenceCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "pref"
	}
	return &redisPreferenceCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *redisPreferenceCache) key(userID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, userID)
}

func (c *redisPreferenceCache) Get(ctx context.Context, userID string) (*models.NotificationPreference, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var pref models.NotificationPreference
	if err := json.Unmarshal(raw, &pref); err != nil {
		return nil, false, err
	}
	return &pref, true, nil
}

func (c *redisPreferenceCache) Set(ctx context.Context, pref models.NotificationPreference) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(pref)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(pref.UserID), payload, c.ttl).Err()
}
