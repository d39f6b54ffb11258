package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/idempotency"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func entityStores(t *testing.T) map[string]domain.EntityStore {
	sqlite, err := NewSQLiteEntityStore(openDB(t))
	require.NoError(t, err)
	return map[string]domain.EntityStore{
		"memory": NewMemoryEntityStore(),
		"sqlite": sqlite,
	}
}

func TestEntityStoreRoundTrip(t *testing.T) {
	for name, s := range entityStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "widget", "w1", &widget{Name: "alpha", Count: 3}))
			require.NoError(t, s.Put(ctx, "widget", "w2", &widget{Name: "beta", Count: 5}))
			require.NoError(t, s.Put(ctx, "gadget", "g1", &widget{Name: "other"}))

			var got widget
			found, err := s.Get(ctx, "widget", "w1", &got)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, widget{Name: "alpha", Count: 3}, got)

			// Overwrite under the same key.
			require.NoError(t, s.Put(ctx, "widget", "w1", &widget{Name: "alpha", Count: 7}))
			found, err = s.Get(ctx, "widget", "w1", &got)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 7, got.Count)

			ids, err := s.List(ctx, "widget")
			require.NoError(t, err)
			assert.Equal(t, []string{"w1", "w2"}, ids)

			require.NoError(t, s.Delete(ctx, "widget", "w1"))
			found, err = s.Get(ctx, "widget", "w1", &got)
			require.NoError(t, err)
			assert.False(t, found)

			found, err = s.Get(ctx, "widget", "missing", &got)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	journal, err := NewJournal(openDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	qty := decimal.NewFromInt(3)
	px := decimal.RequireFromString("10.50")
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	events := []*domain.OrderEvent{
		{ID: "evt_1", OrderID: "ord_1", Symbol: "AAPL", NewStatus: domain.StatusPending, At: base},
		{ID: "evt_2", OrderID: "ord_1", Symbol: "AAPL", OldStatus: domain.StatusPending,
			NewStatus: domain.StatusSubmitted, At: base.Add(time.Second)},
		{ID: "evt_3", OrderID: "ord_1", Symbol: "AAPL", OldStatus: domain.StatusSubmitted,
			NewStatus: domain.StatusPartiallyFilled, Qty: &qty, Px: &px,
			Reason: "venue fill", Meta: map[string]string{"broker": "paper"},
			At: base.Add(2 * time.Second)},
		{ID: "evt_9", OrderID: "ord_2", Symbol: "MSFT", NewStatus: domain.StatusPending, At: base},
	}
	for _, ev := range events {
		require.NoError(t, journal.Append(ctx, ev))
	}

	got, err := journal.Events(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "evt_1", got[0].ID)
	assert.Equal(t, "evt_3", got[2].ID)
	assert.Equal(t, domain.StatusPartiallyFilled, got[2].NewStatus)
	require.NotNil(t, got[2].Qty)
	assert.True(t, got[2].Qty.Equal(qty))
	require.NotNil(t, got[2].Px)
	assert.True(t, got[2].Px.Equal(px))
	assert.Equal(t, "paper", got[2].Meta["broker"])
	assert.True(t, got[2].At.Equal(base.Add(2*time.Second)))

	none, err := journal.Events(ctx, "ord_unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalPrune(t *testing.T) {
	journal, err := NewJournal(openDB(t))
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	require.NoError(t, journal.Append(ctx, &domain.OrderEvent{
		ID: "evt_old", OrderID: "ord_1", Symbol: "AAPL",
		NewStatus: domain.StatusFilled, At: base.Add(-48 * time.Hour),
	}))
	require.NoError(t, journal.Append(ctx, &domain.OrderEvent{
		ID: "evt_new", OrderID: "ord_1", Symbol: "AAPL",
		NewStatus: domain.StatusFilled, At: base,
	}))

	pruned, err := journal.Prune(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	remaining, err := journal.Events(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "evt_new", remaining[0].ID)
}

func TestIdempotencyBackendLifecycle(t *testing.T) {
	backend, err := NewIdempotencyBackend(openDB(t))
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	rec := &idempotency.Record{
		ScopedKey:   "u1|acct1|key-1",
		RequestHash: "hash-a",
		Response:    []byte(`{"success":true}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, backend.Put(rec))

	got, err := backend.Get("u1|acct1|key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hash-a", got.RequestHash)
	assert.Equal(t, rec.Response, got.Response)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))

	missing, err := backend.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A live record is not silently replaced.
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey:   "u1|acct1|key-1",
		RequestHash: "hash-b",
		Response:    []byte(`{}`),
		CreatedAt:   now.Add(time.Minute),
		ExpiresAt:   now.Add(2 * time.Hour),
	}))
	got, err = backend.Get("u1|acct1|key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hash-a", got.RequestHash)

	require.NoError(t, backend.Delete("u1|acct1|key-1"))
	got, err = backend.Get("u1|acct1|key-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyBackendPutWithoutResponse(t *testing.T) {
	backend, err := NewIdempotencyBackend(openDB(t))
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey: "reserved", RequestHash: "h", CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := backend.Get("reserved")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Response)
}

func TestIdempotencyBackendReserve(t *testing.T) {
	backend, err := NewIdempotencyBackend(openDB(t))
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	reservation := &idempotency.Record{
		ScopedKey: "k1", RequestHash: "h1", CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Second),
	}

	existing, err := backend.Reserve(reservation)
	require.NoError(t, err)
	assert.Nil(t, existing, "an absent key is claimed")

	// The loser of the race sees the winner's live record.
	existing, err = backend.Reserve(reservation)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "h1", existing.RequestHash)
	assert.Empty(t, existing.Response)

	// Completing the reservation replaces the empty response.
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey: "k1", RequestHash: "h1", Response: []byte("body"),
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	got, err := backend.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got.Response)

	// A stored response survives later same-hash writes.
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey: "k1", RequestHash: "h1", Response: []byte("other"),
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	got, err = backend.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got.Response)

	// Expired rows are reclaimed.
	later := now.Add(2 * time.Hour)
	existing, err = backend.Reserve(&idempotency.Record{
		ScopedKey: "k1", RequestHash: "h2", CreatedAt: later,
		ExpiresAt: later.Add(30 * time.Second),
	})
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestIdempotencyBackendDeleteExpired(t *testing.T) {
	backend, err := NewIdempotencyBackend(openDB(t))
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey: "expired", RequestHash: "h", CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, backend.Put(&idempotency.Record{
		ScopedKey: "live", RequestHash: "h", CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	removed, err := backend.DeleteExpired(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := backend.Get("live")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
