package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// InsertOpportunity persists a validated opportunity. Opportunities are
// immutable after validation except for the expired flag.
func (s *Store) InsertOpportunity(ctx context.Context, opp *models.Opportunity) error {
	if s == nil || s.db == nil || opp == nil {
		return fmt.Errorf("opportunity insert: %w", models.ErrStoreUnavailable)
	}
	legsJSON, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO opportunities (id, kind, pair, legs_json, rate_diff, confidence, detected_at, expires_at, source, method, expired)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO NOTHING;`,
		opp.ID, string(opp.Kind), opp.Pair, string(legsJSON), opp.RateDiff, opp.Confidence,
		formatTime(opp.DetectedAt), formatTime(opp.ExpiresAt), string(opp.Source), string(opp.Method))
	return err
}

// Opportunity reads one opportunity; nil when unknown.
func (s *Store) Opportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("opportunity read: %w", models.ErrStoreUnavailable)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, pair, legs_json, rate_diff, confidence, detected_at, expires_at, source, method, expired
FROM opportunities WHERE id = ?;`, id)
	opp, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return opp, nil
}

// MarkExpired flags opportunities whose validity window has passed and
// returns their IDs so pending queue entries can be cancelled.
func (s *Store) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("mark expired: %w", models.ErrStoreUnavailable)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM opportunities WHERE expired = 0 AND expires_at <= ?;`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE opportunities SET expired = 1 WHERE expired = 0 AND expires_at <= ?;`, formatTime(now)); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanOpportunity(row rowScanner) (*models.Opportunity, error) {
	var (
		opp        models.Opportunity
		kind       string
		legsJSON   string
		detectedAt string
		expiresAt  string
		source     string
		method     string
		expired    int
	)
	err := row.Scan(&opp.ID, &kind, &opp.Pair, &legsJSON, &opp.RateDiff, &opp.Confidence,
		&detectedAt, &expiresAt, &source, &method, &expired)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(legsJSON), &opp.Legs); err != nil {
		return nil, fmt.Errorf("decode legs: %w", err)
	}
	opp.Kind = models.Kind(kind)
	opp.Source = models.Source(source)
	opp.Method = models.GenerationMethod(method)
	opp.DetectedAt = parseTime(detectedAt)
	opp.ExpiresAt = parseTime(expiresAt)
	opp.Expired = expired != 0
	return &opp, nil
}
