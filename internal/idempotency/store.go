// Package idempotency provides the request-fingerprint store that makes
// order placement safe to retry: first execution wins, identical retries
// replay the stored response, and key reuse with a different body is
// rejected as a conflict.
package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/clock"
)

// ErrBackendUnavailable is returned by backends that cannot currently serve
// reads or writes. Callers treat an unavailable backend as a miss; every
// other backend error surfaces.
var ErrBackendUnavailable = errors.New("idempotency backend unavailable")

// ErrConflict is returned by Store when a live record under the same scoped
// key carries a different request hash.
var ErrConflict = errors.New("idempotency key reused with different request")

// Scope binds a key to the user and account it was issued under.
type Scope struct {
	UserID    string
	AccountID string
}

// ScopedKey composes the stored key: key|user:U|account:A, omitting empty
// segments.
func (s Scope) ScopedKey(key string) string {
	out := key
	if s.UserID != "" {
		out += "|user:" + s.UserID
	}
	if s.AccountID != "" {
		out += "|account:" + s.AccountID
	}
	return out
}

// Status classifies a Check outcome.
type Status int

const (
	Miss Status = iota
	Hit
	Conflict
	InFlight
)

// reservationTTL bounds how long a reserved key with no response blocks
// identical retries when its owner dies without releasing it.
const reservationTTL = 30 * time.Second

// Result is the outcome of a Check.
type Result struct {
	Status   Status
	Response []byte // stored response on Hit
}

// Record is one stored fingerprint.
type Record struct {
	ScopedKey   string    `json:"scoped_key"`
	RequestHash string    `json:"request_hash"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Backend is the storage surface. Get returns (nil, nil) when the key is
// absent. Put must keep an existing live record that already carries a
// response; expired rows and empty reservations are overwritten. Reserve
// must claim the key atomically with respect to concurrent Reserve calls.
type Backend interface {
	Get(scopedKey string) (*Record, error)
	// Reserve inserts rec when no live record holds the key and returns
	// nil; otherwise it returns the surviving live record untouched.
	Reserve(rec *Record) (*Record, error)
	Put(rec *Record) error
	Delete(scopedKey string) error
	DeleteExpired(now time.Time) (int64, error)
}

// Store implements the check/store contract over a pluggable backend.
type Store struct {
	backend    Backend
	clock      clock.Clock
	defaultTTL time.Duration
	log        zerolog.Logger
}

// New creates a store. ttl <= 0 falls back to 24h.
func New(backend Backend, clk clock.Clock, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		backend:    backend,
		clock:      clk,
		defaultTTL: ttl,
		log:        log.With().Str("component", "idempotency").Logger(),
	}
}

// Check looks up a key within a scope. A miss atomically reserves the key,
// so a concurrent identical request reads InFlight instead of racing the
// first execution; callers must Store or Release the key afterwards. An
// explicitly unavailable backend reads as a miss; other errors surface.
func (s *Store) Check(key, requestHash string, scope Scope) (Result, error) {
	scopedKey := scope.ScopedKey(key)
	now := s.clock.Now()

	existing, err := s.backend.Reserve(&Record{
		ScopedKey:   scopedKey,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(reservationTTL),
	})
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			s.log.Warn().Str("key", scopedKey).Msg("Backend unavailable, treating as miss")
			return Result{Status: Miss}, nil
		}
		return Result{}, fmt.Errorf("idempotency check failed: %w", err)
	}
	if existing == nil {
		return Result{Status: Miss}, nil
	}
	if existing.RequestHash != requestHash {
		return Result{Status: Conflict}, nil
	}
	if len(existing.Response) == 0 {
		return Result{Status: InFlight}, nil
	}
	return Result{Status: Hit, Response: existing.Response}, nil
}

// Release drops a reservation so a failed execution leaves the key
// retryable.
func (s *Store) Release(key string, scope Scope) {
	scopedKey := scope.ScopedKey(key)
	if err := s.backend.Delete(scopedKey); err != nil && !errors.Is(err, ErrBackendUnavailable) {
		s.log.Warn().Err(err).Str("key", scopedKey).Msg("Failed to release idempotency reservation")
	}
}

// Store persists the response for a key. Repeated stores with the same hash
// are no-ops; a differing hash under a live record returns ErrConflict.
func (s *Store) Store(key, requestHash string, response []byte, scope Scope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	scopedKey := scope.ScopedKey(key)
	now := s.clock.Now()

	existing, err := s.backend.Get(scopedKey)
	if err != nil && !errors.Is(err, ErrBackendUnavailable) {
		return fmt.Errorf("idempotency store failed: %w", err)
	}
	if existing != nil && !existing.Expired(now) {
		if existing.RequestHash != requestHash {
			return ErrConflict
		}
		if len(existing.Response) > 0 {
			return nil
		}
		// Empty response: a reservation from Check, completed below.
	}

	rec := &Record{
		ScopedKey:   scopedKey,
		RequestHash: requestHash,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.backend.Put(rec); err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			s.log.Warn().Str("key", scopedKey).Msg("Backend unavailable, response not recorded")
			return nil
		}
		return fmt.Errorf("idempotency store failed: %w", err)
	}
	return nil
}

// Sweep removes expired records. Run periodically by the scheduler.
func (s *Store) Sweep() (int64, error) {
	n, err := s.backend.DeleteExpired(s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep failed: %w", err)
	}
	if n > 0 {
		s.log.Debug().Int64("deleted", n).Msg("Swept expired idempotency records")
	}
	return n, nil
}

// DefaultTTL exposes the configured TTL (the HTTP layer stores with it).
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}
