package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
)

// SettingsStore persists one configuration scope (for example "workspace")
// in the settings table. Values are stored as JSON.
type SettingsStore struct {
	db    *sql.DB
	scope string
	now   func() time.Time
}

var _ config.Store = (*SettingsStore)(nil)

// SettingsStore returns the store for scope.
func (db *DB) SettingsStore(scope string) *SettingsStore {
	return &SettingsStore{db: db.conn, scope: scope, now: time.Now}
}

// ReadAll returns every key persisted for the scope.
func (s *SettingsStore) ReadAll(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE scope = ?`, s.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode setting %s: %w", key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return out, nil
}

// WriteOne upserts key, or deletes it when value is nil.
func (s *SettingsStore) WriteOne(ctx context.Context, key string, value any) error {
	if value == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE scope = ? AND key = ?`, s.scope, key); err != nil {
			return fmt.Errorf("failed to delete setting %s: %w", key, err)
		}
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.scope, key, string(raw), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}
	return nil
}
