package aggregation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aristath/tradewire/internal/domain"
)

// StaticWatchlist is an env-seeded watchlist. Membership checks are
// case-insensitive.
type StaticWatchlist struct {
	symbols map[string]struct{}
}

// NewStaticWatchlist builds a watchlist from a symbol list.
func NewStaticWatchlist(symbols []string) *StaticWatchlist {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &StaticWatchlist{symbols: set}
}

// Watches reports watchlist membership.
func (w *StaticWatchlist) Watches(symbol string) bool {
	_, ok := w.symbols[strings.ToUpper(symbol)]
	return ok
}

// PositionLister is the slice of a broker adapter the portfolio source
// needs.
type PositionLister interface {
	Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error)
}

// BrokerPortfolio answers held-symbol checks from a broker adapter's
// positions, with a short TTL so aggregation bursts do not hammer the
// adapter.
type BrokerPortfolio struct {
	lister    PositionLister
	accountID string
	ttl       time.Duration

	mu      sync.Mutex
	held    map[string]struct{}
	fetched time.Time
}

// NewBrokerPortfolio builds a portfolio source over an adapter.
func NewBrokerPortfolio(lister PositionLister, accountID string, ttl time.Duration) *BrokerPortfolio {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BrokerPortfolio{lister: lister, accountID: accountID, ttl: ttl}
}

// Holds reports whether the portfolio currently holds a symbol. A failed
// refresh keeps the previous answer.
func (p *BrokerPortfolio) Holds(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.fetched) > p.ttl {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		positions, err := p.lister.Positions(ctx, p.accountID, "")
		cancel()
		if err == nil {
			held := make(map[string]struct{}, len(positions))
			for _, pos := range positions {
				if !pos.Qty.IsZero() {
					held[strings.ToUpper(pos.Symbol)] = struct{}{}
				}
			}
			p.held = held
			p.fetched = time.Now()
		}
	}
	_, ok := p.held[strings.ToUpper(symbol)]
	return ok
}
