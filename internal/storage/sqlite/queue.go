package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// InsertEntryUnique inserts a queue entry unless an entry for the same
// (opportunity, user) pair is already pending, sending, or sent. Returns
// false when the insert was suppressed by the dedupe guard.
func (s *Store) InsertEntryUnique(ctx context.Context, entry models.QueueEntry) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("queue insert: %w", models.ErrStoreUnavailable)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO queue_entries (id, opportunity_id, user_id, priority, scheduled_at, batch_key, status, attempts, last_error)
SELECT ?, ?, ?, ?, ?, ?, ?, 0, ''
WHERE NOT EXISTS (
	SELECT 1 FROM queue_entries
	WHERE opportunity_id = ? AND user_id = ? AND status IN ('pending', 'sending', 'sent')
);`,
		entry.ID, entry.OpportunityID, entry.UserID, entry.Priority,
		formatTime(entry.ScheduledAt), entry.BatchKey, string(models.StatusPending),
		entry.OpportunityID, entry.UserID,
	)
	if err != nil {
		return false, fmt.Errorf("queue insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DequeueBatch atomically claims up to limit due pending entries,
// transitioning them to sending. Within one user entries come back in
// ascending (priority, scheduled_at) order; across users no global
// ordering is promised.
func (s *Store) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dequeue: %w", models.ErrStoreUnavailable)
	}
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, opportunity_id, user_id, priority, scheduled_at, batch_key, status, attempts, last_attempt_at, last_error
FROM queue_entries
WHERE status = 'pending' AND scheduled_at <= ?
ORDER BY user_id, priority, scheduled_at
LIMIT ?;`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue select: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	// The claim timestamp bounds how long an entry may sit in sending
	// before the stale-claim reaper hands it back to pending.
	stmt, err := tx.PrepareContext(ctx, `UPDATE queue_entries SET status = 'sending', last_attempt_at = ? WHERE id = ? AND status = 'pending';`)
	if err != nil {
		return nil, fmt.Errorf("dequeue claim prepare: %w", err)
	}
	defer stmt.Close()

	claimed := entries[:0]
	claimedAt := formatTime(now)
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, claimedAt, e.ID)
		if err != nil {
			return nil, fmt.Errorf("dequeue claim: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			e.Status = models.StatusSending
			t := now
			e.LastAttemptAt = &t
			claimed = append(claimed, e)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	return claimed, nil
}

// RequeueStaleSending returns sending entries whose claim is older than
// the cutoff back to pending. A claim can be orphaned by a crash between
// claim and settlement; without this sweep such entries would never be
// dequeued again. Attempts are not incremented: the interrupted attempt
// settles when it is next processed.
func (s *Store) RequeueStaleSending(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("requeue stale: %w", models.ErrStoreUnavailable)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_entries SET status = 'pending', last_error = 'requeued after stalled send'
WHERE status = 'sending' AND last_attempt_at IS NOT NULL AND last_attempt_at <= ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return res.RowsAffected()
}

// MarkSent finalizes a successful delivery.
func (s *Store) MarkSent(ctx context.Context, entryID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_entries SET status = 'sent', attempts = attempts + 1, last_attempt_at = ?, last_error = ''
WHERE id = ? AND status = 'sending';`, formatTime(at), entryID)
	return err
}

// MarkRetry records a failed attempt and reschedules the entry after
// the backoff delay. The entry returns to pending.
func (s *Store) MarkRetry(ctx context.Context, entryID string, at, retryAt time.Time, cause string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_entries
SET status = 'pending', attempts = attempts + 1, last_attempt_at = ?, last_error = ?, scheduled_at = ?
WHERE id = ? AND status = 'sending';`, formatTime(at), cause, formatTime(retryAt), entryID)
	return err
}

// MarkTerminal records a final failed attempt. Terminal entries are
// surfaced to analytics, never silently dropped.
func (s *Store) MarkTerminal(ctx context.Context, entryID string, at time.Time, cause string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_entries
SET status = 'failed_terminal', attempts = attempts + 1, last_attempt_at = ?, last_error = ?
WHERE id = ? AND status = 'sending';`, formatTime(at), cause, entryID)
	return err
}

// MarkCancelled cancels one entry regardless of its current in-flight
// state. Used for entries discovered expired at send time.
func (s *Store) MarkCancelled(ctx context.Context, entryID, cause string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_entries SET status = 'cancelled', last_error = ?
WHERE id = ? AND status IN ('pending', 'sending');`, cause, entryID)
	return err
}

// CancelPendingForOpportunity cancels every still-pending entry of an
// expired opportunity and returns the affected entries. Entries already
// sending complete and are reconciled afterwards.
func (s *Store) CancelPendingForOpportunity(ctx context.Context, opportunityID, cause string) ([]models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, opportunity_id, user_id, priority, scheduled_at, batch_key, status, attempts, last_attempt_at, last_error
FROM queue_entries WHERE opportunity_id = ? AND status = 'pending';`, opportunityID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE queue_entries SET status = 'cancelled', last_error = ?
WHERE opportunity_id = ? AND status = 'pending';`, cause, opportunityID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Status = models.StatusCancelled
		entries[i].LastError = cause
	}
	return entries, nil
}

// EntryByID fetches a single entry.
func (s *Store) EntryByID(ctx context.Context, entryID string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, opportunity_id, user_id, priority, scheduled_at, batch_key, status, attempts, last_attempt_at, last_error
FROM queue_entries WHERE id = ?;`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// EntriesForOpportunity lists all entries of one opportunity.
func (s *Store) EntriesForOpportunity(ctx context.Context, opportunityID string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, opportunity_id, user_id, priority, scheduled_at, batch_key, status, attempts, last_attempt_at, last_error
FROM queue_entries WHERE opportunity_id = ? ORDER BY priority, scheduled_at;`, opportunityID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var (
		e           models.QueueEntry
		scheduledAt string
		lastAttempt sql.NullString
		status      string
	)
	err := row.Scan(&e.ID, &e.OpportunityID, &e.UserID, &e.Priority, &scheduledAt, &e.BatchKey, &status, &e.Attempts, &lastAttempt, &e.LastError)
	if err != nil {
		return e, err
	}
	e.Status = models.EntryStatus(status)
	e.ScheduledAt = parseTime(scheduledAt)
	if lastAttempt.Valid && lastAttempt.String != "" {
		t := parseTime(lastAttempt.String)
		e.LastAttemptAt = &t
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()
	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
