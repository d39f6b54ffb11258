package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/domain"
)

func decimalFromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS order_events (
    id         TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    old_status TEXT,
    new_status TEXT NOT NULL,
    qty        TEXT,
    px         TEXT,
    reason     TEXT,
    meta       TEXT,
    at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, at);
CREATE INDEX IF NOT EXISTS idx_order_events_at ON order_events(at);
`

// Journal is the append-only transition audit trail. Runs on the ledger
// profile: every append is fsynced, rows are never updated or deleted
// except by retention pruning.
type Journal struct {
	db *database.DB
}

// NewJournal opens the journal and applies its schema.
func NewJournal(db *database.DB) (*Journal, error) {
	if err := db.Migrate(journalSchema); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append writes one transition event. Called under the order's stripe lock,
// so it must not call back into the lifecycle engine.
func (j *Journal) Append(ctx context.Context, event *domain.OrderEvent) error {
	var qty, px interface{}
	if event.Qty != nil {
		qty = event.Qty.String()
	}
	if event.Px != nil {
		px = event.Px.String()
	}
	var meta interface{}
	if len(event.Meta) > 0 {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("failed to serialize event meta: %w", err)
		}
		meta = string(raw)
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, symbol, old_status, new_status, qty, px, reason, meta, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OrderID, event.Symbol,
		string(event.OldStatus), string(event.NewStatus),
		qty, px, event.Reason, meta,
		event.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append order event %s: %w", event.ID, err)
	}
	return nil
}

// Events returns the journaled transitions for one order in append order.
func (j *Journal) Events(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, old_status, new_status, qty, px, reason, meta, at
		FROM order_events WHERE order_id = ? ORDER BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events for %s: %w", orderID, err)
	}
	defer rows.Close()

	events := make([]*domain.OrderEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the cutoff; retention maintenance only.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM order_events WHERE at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune order events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(scan func(...interface{}) error) (*domain.OrderEvent, error) {
	var (
		event        domain.OrderEvent
		oldStatus    string
		qty, px      *string
		reason, meta *string
		at           string
	)
	if err := scan(&event.ID, &event.OrderID, &event.Symbol,
		&oldStatus, (*string)(&event.NewStatus),
		&qty, &px, &reason, &meta, &at); err != nil {
		return nil, fmt.Errorf("failed to scan order event: %w", err)
	}
	event.OldStatus = domain.OrderStatus(oldStatus)
	if qty != nil {
		d, err := decimalFromString(*qty)
		if err != nil {
			return nil, err
		}
		event.Qty = &d
	}
	if px != nil {
		d, err := decimalFromString(*px)
		if err != nil {
			return nil, err
		}
		event.Px = &d
	}
	if reason != nil {
		event.Reason = *reason
	}
	if meta != nil && *meta != "" {
		if err := json.Unmarshal([]byte(*meta), &event.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode event meta: %w", err)
		}
	}
	parsed, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
	}
	event.At = parsed
	return &event, nil
}
