package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hetulpatel/distributor/internal/models"
)

// UpsertProfile stores the directory-synced copy of a user profile.
func (s *Store) UpsertProfile(ctx context.Context, profile models.UserAccessProfile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile upsert: %w", models.ErrStoreUnavailable)
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, profile_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at;`,
		profile.UserID, string(payload), formatTime(time.Now()))
	return err
}

// Profile reads one synced profile; nil when unknown.
func (s *Store) Profile(ctx context.Context, userID string) (*models.UserAccessProfile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("profile read: %w", models.ErrStoreUnavailable)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT profile_json FROM profiles WHERE user_id = ?;`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile read: %w", err)
	}
	var profile models.UserAccessProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

// ListProfiles returns every synced profile, ordered by user ID for
// deterministic iteration.
func (s *Store) ListProfiles(ctx context.Context) ([]models.UserAccessProfile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("profile list: %w", models.ErrStoreUnavailable)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT profile_json FROM profiles ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("profile list: %w", err)
	}
	defer rows.Close()
	var out []models.UserAccessProfile
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var profile models.UserAccessProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

// UpsertPreference stores a notification preference.
func (s *Store) UpsertPreference(ctx context.Context, pref models.NotificationPreference) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("preference upsert: %w", models.ErrStoreUnavailable)
	}
	payload, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("marshal preference: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO preferences (user_id, pref_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET pref_json = excluded.pref_json, updated_at = excluded.updated_at;`,
		pref.UserID, string(payload), formatTime(time.Now()))
	return err
}

// Preference reads one preference; nil when none is stored.
func (s *Store) Preference(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("preference read: %w", models.ErrStoreUnavailable)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT pref_json FROM preferences WHERE user_id = ?;`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("preference read: %w", err)
	}
	var pref models.NotificationPreference
	if err := json.Unmarshal([]byte(raw), &pref); err != nil {
		return nil, fmt.Errorf("decode preference: %w", err)
	}
	return &pref, nil
}
