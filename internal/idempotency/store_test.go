package idempotency

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itesting "github.com/aristath/tradewire/internal/testing"
)

func newTestStore(t *testing.T) (*Store, *itesting.FakeClock) {
	t.Helper()
	clk := itesting.NewFakeClock(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	return New(NewMemoryBackend(), clk, 24*time.Hour, zerolog.Nop()), clk
}

func TestCheckMissThenHit(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{UserID: "u1", AccountID: "a1"}

	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)

	require.NoError(t, store.Store("k1", "h1", []byte(`{"ok":true}`), scope, 0))

	res, err = store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Response))
}

func TestCheckConflictOnHashMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{UserID: "u1"}

	require.NoError(t, store.Store("k1", "h1", []byte("r1"), scope, 0))

	res, err := store.Check("k1", "h2", scope)
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Status)
}

func TestStoreSameHashIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{}

	require.NoError(t, store.Store("k1", "h1", []byte("first"), scope, 0))
	require.NoError(t, store.Store("k1", "h1", []byte("second"), scope, 0))

	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	// First response wins; repeats never overwrite.
	assert.Equal(t, "first", string(res.Response))
}

func TestStoreDifferentHashConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{}

	require.NoError(t, store.Store("k1", "h1", []byte("r1"), scope, 0))
	assert.ErrorIs(t, store.Store("k1", "h2", []byte("r2"), scope, 0), ErrConflict)
}

func TestScopeSeparatesKeys(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Store("k1", "h1", []byte("u1"), Scope{UserID: "u1"}, 0))

	res, err := store.Check("k1", "h1", Scope{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status, "another user's scope must not see the record")

	res, err = store.Check("k1", "h1", Scope{UserID: "u1", AccountID: "a9"})
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status, "adding an account segment changes the key")
}

func TestScopedKeyComposition(t *testing.T) {
	assert.Equal(t, "k1", Scope{}.ScopedKey("k1"))
	assert.Equal(t, "k1|user:u1", Scope{UserID: "u1"}.ScopedKey("k1"))
	assert.Equal(t, "k1|user:u1|account:a1", Scope{UserID: "u1", AccountID: "a1"}.ScopedKey("k1"))
	assert.Equal(t, "k1|account:a1", Scope{AccountID: "a1"}.ScopedKey("k1"))
}

func TestExpiryLazyAndSwept(t *testing.T) {
	store, clk := newTestStore(t)
	scope := Scope{UserID: "u1"}

	require.NoError(t, store.Store("k1", "h1", []byte("r1"), scope, time.Hour))
	require.NoError(t, store.Store("k2", "h2", []byte("r2"), scope, 3*time.Hour))

	clk.Advance(2 * time.Hour)

	// k1 expired: the read misses and re-reserves the key.
	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)

	// k2 still live.
	res, err = store.Check("k2", "h2", scope)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)

	clk.Advance(2 * time.Hour)
	n, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "sweep takes k2 and the lapsed k1 reservation")
}

func TestCheckReservesKeyInFlight(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{UserID: "u1"}

	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)

	// An identical retry lands while the first execution is running.
	res, err = store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, InFlight, res.Status)

	// A different body under the reserved key is a conflict.
	res, err = store.Check("k1", "h2", scope)
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Status)

	require.NoError(t, store.Store("k1", "h1", []byte("done"), scope, 0))
	res, err = store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	assert.Equal(t, "done", string(res.Response))
}

func TestReleaseMakesKeyRetryable(t *testing.T) {
	store, _ := newTestStore(t)
	scope := Scope{}

	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)

	store.Release("k1", scope)

	res, err = store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)
}

func TestAbandonedReservationExpires(t *testing.T) {
	store, clk := newTestStore(t)
	scope := Scope{}

	res, err := store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)

	clk.Advance(time.Minute)

	// A dead owner never blocks retries past the reservation window.
	res, err = store.Check("k1", "h1", scope)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)
}

func TestExpiredKeyReusableWithNewHash(t *testing.T) {
	store, clk := newTestStore(t)
	scope := Scope{}

	require.NoError(t, store.Store("k1", "h1", []byte("r1"), scope, time.Hour))
	clk.Advance(2 * time.Hour)

	// TTL elapsed: the key may be reused with a different body.
	require.NoError(t, store.Store("k1", "h2", []byte("r2"), scope, time.Hour))

	res, err := store.Check("k1", "h2", scope)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	assert.Equal(t, "r2", string(res.Response))
}

func TestHashRequestCanonical(t *testing.T) {
	type req struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}

	h1, err := HashRequest(req{Symbol: "AAPL", Qty: 10})
	require.NoError(t, err)

	// Same content arriving as a map with different key order.
	h2, err := HashRequest(map[string]interface{}{"qty": 10, "symbol": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := HashRequest(req{Symbol: "AAPL", Qty: 11})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashBytesStable(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("payload")), HashBytes([]byte("payload")))
	assert.NotEqual(t, HashBytes([]byte("a")), HashBytes([]byte("b")))
	assert.Len(t, HashBytes([]byte("a")), 64)
}
