package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultPath = "data/distributor.db"
)

// Store wraps a SQLite DB connection. The durable tier is the sole
// source of truth for quota and queue state; the cache tier is an
// optimization only.
type Store struct {
	path string
	db   *sql.DB
}

// Open creates (if needed) and opens the SQLite database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := ensureWAL(db); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return &Store{path: path, db: db}, nil
}

func ensureWAL(db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("database is locked after retries")
}

// Path returns the path backing the store.
func (s *Store) Path() string {
	return s.path
}

// Close closes the DB.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is reachable; used by the health monitor.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	return s.db.PingContext(ctx)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS opportunities (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	pair TEXT NOT NULL,
	legs_json TEXT NOT NULL,
	rate_diff REAL NOT NULL,
	confidence REAL NOT NULL,
	detected_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	source TEXT NOT NULL,
	method TEXT NOT NULL,
	expired INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS opportunities_expiry_idx ON opportunities(expired, expires_at);

CREATE TABLE IF NOT EXISTS queue_entries (
	id TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	priority REAL NOT NULL,
	scheduled_at TEXT NOT NULL,
	batch_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS queue_dispatch_idx ON queue_entries(status, scheduled_at);
CREATE INDEX IF NOT EXISTS queue_pair_idx ON queue_entries(opportunity_id, user_id);

CREATE TABLE IF NOT EXISTS quota_counters (
	user_id TEXT NOT NULL,
	category TEXT NOT NULL,
	day TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, category, day)
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	profile_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	user_id TEXT PRIMARY KEY,
	pref_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS serve_log (
	user_id TEXT NOT NULL,
	served_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS serve_log_idx ON serve_log(user_id, served_at);

CREATE TABLE IF NOT EXISTS analytics_fallback (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	record_json TEXT NOT NULL,
	queued_at TEXT NOT NULL
);
`

// CreateTables ensures the full schema exists.
func (s *Store) CreateTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// DropTables removes all tables.
func (s *Store) DropTables(ctx context.Context) error {
	stmts := []string{
		`DROP TABLE IF EXISTS opportunities;`,
		`DROP TABLE IF EXISTS queue_entries;`,
		`DROP TABLE IF EXISTS quota_counters;`,
		`DROP TABLE IF EXISTS profiles;`,
		`DROP TABLE IF EXISTS preferences;`,
		`DROP TABLE IF EXISTS serve_log;`,
		`DROP TABLE IF EXISTS analytics_fallback;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ClearTables truncates all tables, keeping the schema.
func (s *Store) ClearTables(ctx context.Context) error {
	stmts := []string{
		`DELETE FROM opportunities;`,
		`DELETE FROM queue_entries;`,
		`DELETE FROM quota_counters;`,
		`DELETE FROM profiles;`,
		`DELETE FROM preferences;`,
		`DELETE FROM serve_log;`,
		`DELETE FROM analytics_fallback;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
