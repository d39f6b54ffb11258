package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/domain"
)

// Service is the provider registry plus the read-through snapshot cache.
// The scanner and the paper venue both read market data through it.
type Service struct {
	mu        sync.RWMutex
	providers map[domain.AssetType]domain.MarketDataProvider
	cache     *SnapshotCache
	log       zerolog.Logger
}

// NewService builds an empty registry around the given cache.
func NewService(cache *SnapshotCache, log zerolog.Logger) *Service {
	return &Service{
		providers: make(map[domain.AssetType]domain.MarketDataProvider),
		cache:     cache,
		log:       log.With().Str("component", "marketdata").Logger(),
	}
}

// Register installs a provider for its asset type, replacing any previous
// registration.
func (s *Service) Register(p domain.MarketDataProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.AssetType()] = p
}

// Provider returns the provider registered for an asset type.
func (s *Service) Provider(assetType domain.AssetType) (domain.MarketDataProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[assetType]
	return p, ok
}

// Snapshot fetches one symbol's snapshot cache-first, falling through to the
// asset type's provider and caching the result.
func (s *Service) Snapshot(ctx context.Context, assetType domain.AssetType, symbol, timeframe string) (*domain.AssetSnapshot, error) {
	if timeframe == "" {
		timeframe = "1d"
	}
	if snap, ok := s.cache.Get(symbol, timeframe); ok {
		return snap, nil
	}

	provider, ok := s.Provider(assetType)
	if !ok {
		return nil, fmt.Errorf("no provider registered for asset type %q", assetType)
	}
	snap, err := provider.Get(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	s.cache.Put(snap)
	return snap, nil
}

// Universe returns the union of the registered universes for the given asset
// types, sorted and deduplicated. Unregistered types contribute nothing.
func (s *Service) Universe(ctx context.Context, assetTypes []domain.AssetType) ([]string, error) {
	seen := make(map[string]bool)
	for _, at := range assetTypes {
		provider, ok := s.Provider(at)
		if !ok {
			s.log.Debug().Str("asset_type", string(at)).Msg("No provider for asset type, skipping")
			continue
		}
		symbols, err := provider.Universe(ctx)
		if err != nil {
			return nil, fmt.Errorf("universe for %s: %w", at, err)
		}
		for _, sym := range symbols {
			seen[sym] = true
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// AssetTypeOf resolves which registered provider claims a symbol. Used when
// a universe override mixes asset classes.
func (s *Service) AssetTypeOf(ctx context.Context, symbol string) (domain.AssetType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for at, p := range s.providers {
		symbols, err := p.Universe(ctx)
		if err != nil {
			continue
		}
		for _, sym := range symbols {
			if sym == symbol {
				return at, true
			}
		}
	}
	return "", false
}
