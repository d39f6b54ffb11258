package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/idempotency"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    scoped_key   TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    response     BLOB NOT NULL,
    created_at   TEXT NOT NULL,
    expires_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);
`

// IdempotencyBackend persists idempotency records in SQLite so replay
// detection survives restarts.
type IdempotencyBackend struct {
	db *database.DB
}

// NewIdempotencyBackend opens the backend and applies its schema.
func NewIdempotencyBackend(db *database.DB) (*IdempotencyBackend, error) {
	if err := db.Migrate(idempotencySchema); err != nil {
		return nil, err
	}
	return &IdempotencyBackend{db: db}, nil
}

// Get returns the record, or (nil, nil) when absent.
func (b *IdempotencyBackend) Get(scopedKey string) (*idempotency.Record, error) {
	var (
		rec                  idempotency.Record
		createdAt, expiresAt string
	)
	err := b.db.QueryRowContext(context.Background(), `
		SELECT scoped_key, request_hash, response, created_at, expires_at
		FROM idempotency_records WHERE scoped_key = ?`, scopedKey).
		Scan(&rec.ScopedKey, &rec.RequestHash, &rec.Response, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse record created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse record expires_at: %w", err)
	}
	return &rec, nil
}

// Reserve claims the key in a single statement; the insert wins only over
// absent and expired rows. When it loses, the surviving live record is
// returned.
func (b *IdempotencyBackend) Reserve(rec *idempotency.Record) (*idempotency.Record, error) {
	res, err := b.db.ExecContext(context.Background(), `
		INSERT INTO idempotency_records (scoped_key, request_hash, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scoped_key) DO UPDATE SET
			request_hash = excluded.request_hash,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= excluded.created_at`,
		rec.ScopedKey, rec.RequestHash, []byte{},
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if n > 0 {
		return nil, nil
	}
	return b.Get(rec.ScopedKey)
}

// Put inserts the record; an existing row is replaced only when expired or
// still an empty reservation. The store layer enforces conflict semantics
// before calling Put.
func (b *IdempotencyBackend) Put(rec *idempotency.Record) error {
	// A record may be reserved before its response exists.
	response := rec.Response
	if response == nil {
		response = []byte{}
	}
	_, err := b.db.ExecContext(context.Background(), `
		INSERT INTO idempotency_records (scoped_key, request_hash, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scoped_key) DO UPDATE SET
			request_hash = excluded.request_hash,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= excluded.created_at
			OR length(idempotency_records.response) = 0`,
		rec.ScopedKey, rec.RequestHash, response,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Delete removes a record.
func (b *IdempotencyBackend) Delete(scopedKey string) error {
	if _, err := b.db.ExecContext(context.Background(),
		`DELETE FROM idempotency_records WHERE scoped_key = ?`, scopedKey); err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired removes everything past its TTL.
func (b *IdempotencyBackend) DeleteExpired(now time.Time) (int64, error) {
	res, err := b.db.ExecContext(context.Background(),
		`DELETE FROM idempotency_records WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}
