package quota

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hetulpatel/distributor/internal/config"
	"github.com/hetulpatel/distributor/internal/models"
)

const casRetries = 3

// CounterStore is the durable quota state. The conditional consume must
// be atomic per (user, category, day) under concurrent workers.
type CounterStore interface {
	TryConsumeQuota(ctx context.Context, userID string, category models.QuotaCategory, day string, limit int) (bool, error)
	QuotaUsed(ctx context.Context, userID string, category models.QuotaCategory, day string) (int, error)
	ReleaseQuota(ctx context.Context, userID string, category models.QuotaCategory, day string) error
}

// Limiter enforces per-user, per-tier daily quotas. The durable counter
// is the sole source of truth; there is no process-local shared state.
type Limiter struct {
	store CounterStore
	cfg   config.QuotaConfig
	now   func() time.Time
}

// New creates a limiter. nowFn may be nil (uses time.Now).
func New(store CounterStore, cfg config.QuotaConfig, nowFn func() time.Time) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("quota: counter store is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{store: store, cfg: cfg, now: nowFn}, nil
}

// TryConsume atomically grants one unit against the profile's effective
// limit for the category. Denials are expected outcomes, not failures.
func (l *Limiter) TryConsume(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) (bool, error) {
	limit := l.EffectiveLimit(profile, category)
	if limit <= 0 {
		return false, nil
	}
	day := l.dayKey(profile)
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		granted, err := l.store.TryConsumeQuota(ctx, profile.UserID, category, day, limit)
		if err == nil {
			return granted, nil
		}
		lastErr = err
		// SQLITE_BUSY style write conflicts resolve on retry.
		if !strings.Contains(err.Error(), "locked") && !strings.Contains(err.Error(), "busy") {
			return false, err
		}
	}
	return false, fmt.Errorf("quota consume conflict: %w", lastErr)
}

// Release returns one unit; used when enqueue work after the grant was
// suppressed (e.g. the dedupe guard caught a duplicate).
func (l *Limiter) Release(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) error {
	return l.store.ReleaseQuota(ctx, profile.UserID, category, l.dayKey(profile))
}

// Remaining reports the unconsumed units for today. Used by eligibility
// as a non-consuming pre-check.
func (l *Limiter) Remaining(ctx context.Context, profile *models.UserAccessProfile, category models.QuotaCategory) (int, error) {
	limit := l.EffectiveLimit(profile, category)
	if limit <= 0 {
		return 0, nil
	}
	used, err := l.store.QuotaUsed(ctx, profile.UserID, category, l.dayKey(profile))
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

// EffectiveLimit resolves the tier cap, applies the group multiplier to
// free-tier numeric caps, and pro-rates a user's first day.
func (l *Limiter) EffectiveLimit(profile *models.UserAccessProfile, category models.QuotaCategory) int {
	tier, ok := l.cfg.Tiers[profile.Level]
	if !ok {
		return 0
	}
	limit := tier.Limit(category)
	if limit <= 0 {
		return 0
	}
	if profile.Group.IsGroup && !tier.Unlimited && l.cfg.GroupMultiplier > 0 {
		limit = int(math.Round(float64(limit) * l.cfg.GroupMultiplier))
	}
	return l.prorate(profile, limit)
}

// prorate grants new signups the fraction of the cap matching the
// remaining part of their first local day, never less than one unit.
func (l *Limiter) prorate(profile *models.UserAccessProfile, limit int) int {
	if profile.CreatedAt.IsZero() {
		return limit
	}
	loc := profile.Location()
	now := l.now().In(loc)
	created := profile.CreatedAt.In(loc)
	if created.Format("2006-01-02") != now.Format("2006-01-02") {
		return limit
	}
	dayStart := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, loc)
	remaining := 1 - created.Sub(dayStart).Hours()/24
	prorated := int(math.Ceil(float64(limit) * remaining))
	if prorated < 1 {
		prorated = 1
	}
	if prorated > limit {
		prorated = limit
	}
	return prorated
}

// dayKey buckets consumption by the user's local calendar day, giving a
// rolling 24h reset boundary in the user's timezone (default UTC).
func (l *Limiter) dayKey(profile *models.UserAccessProfile) string {
	return l.now().In(profile.Location()).Format("2006-01-02")
}
