package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hetulpatel/distributor/internal/models"
)

// TryConsumeQuota atomically grants one unit of quota for the given
// (user, category, day) when usage is below the limit. The conditional
// UPDATE is the compare-and-swap: concurrent dequeue workers can never
// race a read-then-write past the cap.
func (s *Store) TryConsumeQuota(ctx context.Context, userID string, category models.QuotaCategory, day string, limit int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("quota consume: %w", models.ErrStoreUnavailable)
	}
	if limit <= 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO quota_counters (user_id, category, day, used) VALUES (?, ?, ?, 0)
ON CONFLICT(user_id, category, day) DO NOTHING;`, userID, string(category), day); err != nil {
		return false, fmt.Errorf("quota ensure counter: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE quota_counters SET used = used + 1
WHERE user_id = ? AND category = ? AND day = ? AND used < ?;`, userID, string(category), day, limit)
	if err != nil {
		return false, fmt.Errorf("quota consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QuotaUsed reads the current usage; missing counters read as zero.
func (s *Store) QuotaUsed(ctx context.Context, userID string, category models.QuotaCategory, day string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("quota read: %w", models.ErrStoreUnavailable)
	}
	var used int
	err := s.db.QueryRowContext(ctx, `
SELECT used FROM quota_counters WHERE user_id = ? AND category = ? AND day = ?;`,
		userID, string(category), day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota read: %w", err)
	}
	return used, nil
}

// ReleaseQuota returns one unit, used when an enqueue is rolled back
// after the dedupe guard suppressed the entry.
func (s *Store) ReleaseQuota(ctx context.Context, userID string, category models.QuotaCategory, day string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("quota release: %w", models.ErrStoreUnavailable)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE quota_counters SET used = used - 1
WHERE user_id = ? AND category = ? AND day = ? AND used > 0;`, userID, string(category), day)
	return err
}
