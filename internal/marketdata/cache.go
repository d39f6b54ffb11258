package marketdata

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradewire/internal/domain"
)

// SnapshotCache holds recent asset snapshots msgpack-encoded, so cached
// entries are compact and readers always decode a private copy.
type SnapshotCache struct {
	c   *cache.Cache
	log zerolog.Logger
}

// NewSnapshotCache builds a snapshot cache with the given TTL.
func NewSnapshotCache(ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SnapshotCache{
		c:   cache.New(ttl, 2*ttl),
		log: log.With().Str("component", "snapshot_cache").Logger(),
	}
}

func snapshotKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Get returns a decoded copy of the cached snapshot, if present and fresh.
func (s *SnapshotCache) Get(symbol, timeframe string) (*domain.AssetSnapshot, bool) {
	v, ok := s.c.Get(snapshotKey(symbol, timeframe))
	if !ok {
		return nil, false
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, false
	}
	var snap domain.AssetSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Dropping undecodable cached snapshot")
		s.c.Delete(snapshotKey(symbol, timeframe))
		return nil, false
	}
	return &snap, true
}

// Put stores a snapshot under its symbol and timeframe.
func (s *SnapshotCache) Put(snap *domain.AssetSnapshot) {
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Snapshot encode failed")
		return
	}
	s.c.Set(snapshotKey(snap.Symbol, snap.Timeframe), raw, cache.DefaultExpiration)
}

// Flush drops every cached snapshot.
func (s *SnapshotCache) Flush() {
	s.c.Flush()
}

// Len returns the number of cached entries, expired ones included.
func (s *SnapshotCache) Len() int {
	return s.c.ItemCount()
}

// DeleteExpired evicts expired entries eagerly. Called by the cache prune
// job between go-cache's own janitor runs.
func (s *SnapshotCache) DeleteExpired() {
	s.c.DeleteExpired()
}
