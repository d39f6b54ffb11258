// Package scanner evaluates declarative filter configs against an asset
// universe: cache lookup, bounded parallel snapshot fetches, fixed-order
// filter evaluation, scoring and ranking, plus interval-driven streaming.
package scanner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/marketdata"
	"github.com/aristath/tradewire/internal/metrics"
)

// Engine runs scans. One fetch pool is shared across runs so concurrent
// scans cannot multiply upstream pressure past the configured bound.
type Engine struct {
	cfg     *config.ScannerConfig
	market  *marketdata.Service
	bus     *events.Bus
	clock   clock.Clock
	pool    *ants.Pool
	results *cache.Cache
	log     zerolog.Logger

	mu       sync.Mutex
	streams  map[string]*stream
	presence Presence
}

// New builds the engine. The pool is sized at the configured fetch
// concurrency (default 50).
func New(cfg *config.ScannerConfig, market *marketdata.Service, bus *events.Bus, clk clock.Clock, log zerolog.Logger) (*Engine, error) {
	size := cfg.FetchConcurrency
	if size <= 0 {
		size = 50
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		market:  market,
		bus:     bus,
		clock:   clk,
		pool:    pool,
		results: cache.New(ttl, 2*ttl),
		log:     log.With().Str("component", "scanner").Logger(),
		streams: make(map[string]*stream),
	}, nil
}

// Close releases the fetch pool and stops every stream.
func (e *Engine) Close() {
	e.mu.Lock()
	for id, s := range e.streams {
		s.stop()
		delete(e.streams, id)
	}
	e.mu.Unlock()
	e.pool.Release()
}

// ConfigHash fingerprints a config with canonical JSON + SHA-256. Force is
// excluded so a forced run refreshes the same cache slot.
func ConfigHash(cfg *domain.ScannerConfig) (string, error) {
	keyed := *cfg
	keyed.Force = false
	return idempotency.HashRequest(&keyed)
}

// Run executes one scan. A caller deadline cancels outstanding fetches and
// returns a partial result; per-symbol fetch failures drop the symbol and
// never fail the run.
func (e *Engine) Run(ctx context.Context, cfg *domain.ScannerConfig) (*domain.ScannerResponse, error) {
	started := e.clock.Instant()

	hash, err := ConfigHash(cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.Force {
		if v, ok := e.results.Get(hash); ok {
			cached := v.(*domain.ScannerResponse)
			out := *cached
			out.CacheHit = true
			metrics.ScanRuns.WithLabelValues("hit").Inc()
			return &out, nil
		}
	}

	universe, err := e.buildUniverse(ctx, cfg)
	if err != nil {
		return nil, err
	}

	snapshots, completed := e.fetchAll(ctx, cfg, universe)

	results := make([]domain.ScanResult, 0, len(snapshots))
	for _, snap := range snapshots {
		if res, ok := e.evaluate(cfg, snap); ok {
			results = append(results, res)
		}
	}

	sortResults(results, cfg.SortBy, cfg.SortDir)

	limit := cfg.Limit
	if max := e.cfg.MaxLimit; max > 0 && (limit <= 0 || limit > max) {
		limit = max
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	resp := &domain.ScannerResponse{
		Results:      results,
		TotalScanned: completed,
		TotalMatches: len(results),
		ExecutionMs:  e.clock.Since(started).Milliseconds(),
		ConfigHash:   hash,
		At:           e.clock.Now(),
	}

	if ctx.Err() == nil {
		e.results.SetDefault(hash, resp)
	}
	if cfg.Force {
		metrics.ScanRuns.WithLabelValues("forced").Inc()
	} else {
		metrics.ScanRuns.WithLabelValues("miss").Inc()
	}

	e.log.Debug().
		Str("config_hash", hash).
		Int("scanned", completed).
		Int("matches", len(results)).
		Int64("execution_ms", resp.ExecutionMs).
		Msg("Scan completed")
	return resp, nil
}

// buildUniverse unions configured symbols with each requested provider's
// universe, subtracts exclusions, resolves asset types and sorts.
func (e *Engine) buildUniverse(ctx context.Context, cfg *domain.ScannerConfig) (map[string]domain.AssetType, error) {
	out := make(map[string]domain.AssetType)

	for _, at := range cfg.AssetTypes {
		provider, ok := e.market.Provider(at)
		if !ok {
			e.log.Debug().Str("asset_type", string(at)).Msg("No provider for requested asset type")
			continue
		}
		symbols, err := provider.Universe(ctx)
		if err != nil {
			// A provider outage narrows the universe, never fails the run.
			e.log.Warn().Err(err).Str("asset_type", string(at)).Msg("Provider universe unavailable")
			continue
		}
		for _, sym := range symbols {
			out[sym] = at
		}
	}

	for _, sym := range cfg.Universe {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := out[sym]; ok {
			continue
		}
		if at, ok := e.market.AssetTypeOf(ctx, sym); ok {
			out[sym] = at
		} else if len(cfg.AssetTypes) > 0 {
			out[sym] = cfg.AssetTypes[0]
		}
	}

	for _, sym := range cfg.Exclude {
		delete(out, strings.ToUpper(strings.TrimSpace(sym)))
	}
	return out, nil
}

// fetchAll pulls snapshots through the bounded pool. It returns completed
// snapshots and how many fetches finished before the context ended.
func (e *Engine) fetchAll(ctx context.Context, cfg *domain.ScannerConfig, universe map[string]domain.AssetType) ([]*domain.AssetSnapshot, int) {
	symbols := make([]string, 0, len(universe))
	for sym := range universe {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var (
		mu        sync.Mutex
		snapshots []*domain.AssetSnapshot
		completed int
		wg        sync.WaitGroup
	)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		symbol := sym
		assetType := universe[symbol]
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			snap, err := e.market.Snapshot(ctx, assetType, symbol, cfg.Timeframe)
			if err != nil {
				metrics.ScanFetchFailures.Inc()
				e.log.Debug().Err(err).Str("symbol", symbol).Msg("Snapshot fetch failed, dropping symbol")
				return
			}
			mu.Lock()
			snapshots = append(snapshots, snap)
			completed++
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	return snapshots, completed
}

// sortResults orders by the configured key, falling back to match score
// descending. Ties break on volume ratio (the activity discriminator), then
// symbol ascending for determinism.
func sortResults(results []domain.ScanResult, sortBy string, dir domain.SortDir) {
	desc := dir != domain.SortAsc

	if sortBy == "symbol" {
		sort.SliceStable(results, func(i, j int) bool {
			if desc {
				return results[i].Symbol > results[j].Symbol
			}
			return results[i].Symbol < results[j].Symbol
		})
		return
	}

	key := func(r *domain.ScanResult) float64 {
		switch sortBy {
		case "", "match_score", "matchScore":
			return r.MatchScore
		case "price", "px":
			return r.Px
		case "change_pct", "changePct":
			return r.ChangePct
		case "volume":
			return float64(r.Volume)
		default:
			return r.MatchScore
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := key(&results[i]), key(&results[j])
		if a != b {
			if desc {
				return a > b
			}
			return a < b
		}
		if vi, vj := results[i].IndicatorValues["volume_ratio"], results[j].IndicatorValues["volume_ratio"]; vi != vj {
			return vi > vj
		}
		return results[i].Symbol < results[j].Symbol
	})
}
