package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/tradewire/internal/database"
)

const entitySchema = `
CREATE TABLE IF NOT EXISTS entities (
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
`

// SQLiteEntityStore persists entities in the entities table; values survive
// restarts.
type SQLiteEntityStore struct {
	db *database.DB
}

// NewSQLiteEntityStore opens the store and applies its schema.
func NewSQLiteEntityStore(db *database.DB) (*SQLiteEntityStore, error) {
	if err := db.Migrate(entitySchema); err != nil {
		return nil, err
	}
	return &SQLiteEntityStore{db: db}, nil
}

// Put upserts an entity as stable JSON.
func (s *SQLiteEntityStore) Put(ctx context.Context, kind, id string, value interface{}) error {
	raw, err := stableJSON(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, value, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(kind, id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		kind, id, string(raw))
	if err != nil {
		return fmt.Errorf("failed to store entity %s:%s: %w", kind, id, err)
	}
	return nil
}

// Get loads an entity into out; found is false when absent.
func (s *SQLiteEntityStore) Get(ctx context.Context, kind, id string, out interface{}) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM entities WHERE kind = ? AND id = ?`, kind, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load entity %s:%s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode entity %s:%s: %w", kind, id, err)
	}
	return true, nil
}

// Delete removes an entity; absent rows are not an error.
func (s *SQLiteEntityStore) Delete(ctx context.Context, kind, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("failed to delete entity %s:%s: %w", kind, id, err)
	}
	return nil
}

// List returns the sorted ids stored under a kind.
func (s *SQLiteEntityStore) List(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entities WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities of kind %s: %w", kind, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
