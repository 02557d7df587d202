package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// RecordServe logs that a user was scheduled an opportunity. Serve
// counts inside the rolling window feed the fairness boost.
func (s *Store) RecordServe(ctx context.Context, userID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("serve record: %w", models.ErrStoreUnavailable)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO serve_log (user_id, served_at) VALUES (?, ?);`,
		userID, formatTime(at))
	return err
}

// ServeCounts returns per-user serve counts since the window start.
func (s *Store) ServeCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("serve counts: %w", models.ErrStoreUnavailable)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, COUNT(*) FROM serve_log WHERE served_at >= ? GROUP BY user_id;`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			userID string
			count  int
		)
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		out[userID] = count
	}
	return out, rows.Err()
}

// PruneServeLog drops serve entries older than the cutoff.
func (s *Store) PruneServeLog(ctx context.Context, before time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("serve prune: %w", models.ErrStoreUnavailable)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM serve_log WHERE served_at < ?;`, formatTime(before))
	return err
}
