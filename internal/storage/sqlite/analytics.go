package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// QueuedRecord is an analytics record held in the local fallback queue
// while the primary sink is unavailable.
type QueuedRecord struct {
	Seq    int64
	Record models.DistributionRecord
}

// EnqueueAnalytics appends a record to the durable fallback queue.
func (s *Store) EnqueueAnalytics(ctx context.Context, record models.DistributionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("analytics enqueue: %w", models.ErrStoreUnavailable)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal analytics record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO analytics_fallback (record_json, queued_at) VALUES (?, ?);`,
		string(payload), formatTime(time.Now()))
	return err
}

// PendingAnalytics reads up to limit queued records in arrival order.
func (s *Store) PendingAnalytics(ctx context.Context, limit int) ([]QueuedRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("analytics read: %w", models.ErrStoreUnavailable)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, record_json FROM analytics_fallback ORDER BY seq LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedRecord
	for rows.Next() {
		var (
			qr  QueuedRecord
			raw string
		)
		if err := rows.Scan(&qr.Seq, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &qr.Record); err != nil {
			return nil, fmt.Errorf("decode analytics record: %w", err)
		}
		out = append(out, qr)
	}
	return out, rows.Err()
}

// DeleteAnalytics removes drained records by sequence number.
func (s *Store) DeleteAnalytics(ctx context.Context, seqs []int64) error {
	if s == nil || s.db == nil || len(seqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM analytics_fallback WHERE seq = ?;`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, seq := range seqs {
		if _, err := stmt.ExecContext(ctx, seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}
