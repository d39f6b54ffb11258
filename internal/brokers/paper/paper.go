// Package paper implements the simulated venue: orders never leave the
// process, fills are produced after a configurable latency against the
// simulated quote stream, and account state is derived from those fills.
package paper

import (
	"context"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
)

// DefaultAccountID is the single simulated account's id.
const DefaultAccountID = "paper-account"

// venueOrder is the venue-side view of a working order.
type venueOrder struct {
	order     *domain.Order
	remaining decimal.Decimal
	createdAt time.Time
}

// Adapter simulates a broker. It embeds the shared base for rate limiting,
// caches and validation, prices fills through a QuoteSource and delivers
// status changes to the intake sink the way a real venue would via webhooks.
type Adapter struct {
	*brokers.Base

	cfg    *config.PaperConfig
	quotes domain.QuoteSource
	sink   brokers.IntentSink
	log    zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	orders    map[string]*venueOrder // keyed by local order id
	positions map[string]*domain.Position
	cash      decimal.Decimal
	venueLoc  *time.Location

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopped  bool
}

// New builds the paper venue. sink may be nil until SetSink is called; fills
// scheduled before a sink is installed are dropped with a warning.
func New(base *brokers.Base, cfg *config.PaperConfig, quotes domain.QuoteSource, log zerolog.Logger) *Adapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Adapter{
		Base:      base,
		cfg:       cfg,
		quotes:    quotes,
		log:       log.With().Str("component", "broker").Str("broker", "paper").Logger(),
		rng:       rand.New(rand.NewSource(seed)),
		orders:    make(map[string]*venueOrder),
		positions: make(map[string]*domain.Position),
		cash:      decimal.NewFromFloat(cfg.StartingCash),
		venueLoc:  loc,
		stopChan:  make(chan struct{}),
	}
}

// SetSink installs the intent sink fills are delivered through.
func (a *Adapter) SetSink(sink brokers.IntentSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// Connect establishes the simulated session.
func (a *Adapter) Connect(ctx context.Context) error {
	a.SetConnected(true)
	a.log.Info().Msg("Paper venue connected")
	return nil
}

// Disconnect tears the session down and waits for in-flight fill timers.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.stopChan)
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.SetConnected(false)
	a.log.Info().Msg("Paper venue disconnected")
	return nil
}

// MarketOpen reports whether the simulated session is inside market hours:
// weekdays within the configured venue-local window.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	now := a.Clock().Now().In(a.venueLoc)
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}
	open, err := parseClock(a.cfg.MarketOpen)
	if err != nil {
		return false, domain.NewBrokerError(domain.ErrInternal, "bad market open time", err)
	}
	closeAt, err := parseClock(a.cfg.MarketClose)
	if err != nil {
		return false, domain.NewBrokerError(domain.ErrInternal, "bad market close time", err)
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= open && minutes < closeAt, nil
}

// parseClock converts "09:30" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Place accepts an order into the simulated book and schedules its fill
// pipeline. The order must already exist in the lifecycle (pending); the
// venue echoes it back with venue metadata, then drives accept/fill/reject
// transitions through the sink.
func (a *Adapter) Place(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	var placed *domain.Order
	err := a.Call(ctx, "place", func(ctx context.Context) error {
		quote, err := a.quotes.Quote(ctx, order.Symbol)
		if err != nil {
			return domain.NewBrokerError(domain.ErrValidation, "no quote for symbol "+order.Symbol, err)
		}

		if err := a.ValidateOrder(order, quote.Mid()); err != nil {
			return err
		}

		if !order.ExtendedHours {
			open, err := a.MarketOpen(ctx)
			if err != nil {
				return err
			}
			if !open {
				return domain.Errorf(domain.ErrValidation, "market is closed and extended hours not requested")
			}
		}

		a.mu.Lock()
		defer a.mu.Unlock()

		if order.Side == domain.SideBuy {
			notional := order.Qty.Mul(quote.Mid())
			if notional.GreaterThan(a.buyingPowerLocked()) {
				return domain.Errorf(domain.ErrInsufficientFunds,
					"notional %s exceeds buying power %s", notional, a.buyingPowerLocked())
			}
		}

		cp := order.Clone()
		cp.Broker = string(brokers.KindPaper)
		cp.BrokerOrderID = a.Minter().NewID("pap")
		a.orders[cp.ID] = &venueOrder{
			order:     cp,
			remaining: cp.Qty,
			createdAt: a.Clock().Now(),
		}
		a.StoreOrder(cp)
		a.InvalidateAccount()

		a.schedulePipeline(cp.ID)
		placed = cp.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// findLocked resolves an order by local or venue-native id. Callers hold
// a.mu.
func (a *Adapter) findLocked(id string) (*venueOrder, bool) {
	if vo, ok := a.orders[id]; ok {
		return vo, true
	}
	for _, vo := range a.orders {
		if vo.order.BrokerOrderID == id {
			return vo, true
		}
	}
	return nil, false
}

// Cancel removes the remaining quantity from the book. Terminal and unknown
// orders are OrderNotFound.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := a.Call(ctx, "cancel", func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		vo, ok := a.findLocked(orderID)
		if !ok {
			return domain.Errorf(domain.ErrOrderNotFound, "order %s not found at venue", orderID)
		}
		if vo.order.Status.Terminal() {
			return domain.Errorf(domain.ErrValidation, "order %s is already %s", orderID, vo.order.Status)
		}
		vo.order.Status = domain.StatusCanceled
		vo.remaining = decimal.Zero
		a.InvalidateOrder(orderID)
		out = vo.order.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Modify adjusts quantity and prices on a working order.
func (a *Adapter) Modify(ctx context.Context, update domain.OrderUpdate) (*domain.Order, error) {
	var out *domain.Order
	err := a.Call(ctx, "modify", func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		vo, ok := a.findLocked(update.OrderID)
		if !ok {
			return domain.Errorf(domain.ErrOrderNotFound, "order %s not found at venue", update.OrderID)
		}
		if vo.order.Status.Terminal() {
			return domain.Errorf(domain.ErrValidation, "order %s is already %s", update.OrderID, vo.order.Status)
		}
		if update.Qty != nil {
			if update.Qty.LessThanOrEqual(vo.order.FilledQty) {
				return domain.Errorf(domain.ErrValidation,
					"new quantity %s does not exceed filled quantity %s", update.Qty, vo.order.FilledQty)
			}
			vo.order.Qty = *update.Qty
			vo.remaining = update.Qty.Sub(vo.order.FilledQty)
		}
		if update.LimitPx != nil {
			v := *update.LimitPx
			vo.order.LimitPx = &v
		}
		if update.StopPx != nil {
			v := *update.StopPx
			vo.order.StopPx = &v
		}
		if update.TimeInForce != nil {
			vo.order.TimeInForce = *update.TimeInForce
		}
		a.InvalidateOrder(update.OrderID)
		out = vo.order.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the venue's view of an order.
func (a *Adapter) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	if cached, ok := a.CachedOrder(orderID); ok {
		return cached, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	vo, ok := a.findLocked(orderID)
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "order %s not found at venue", orderID)
	}
	out := vo.order.Clone()
	a.StoreOrder(out)
	return out, nil
}

// List returns venue orders matching the filter, newest first.
func (a *Adapter) List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*domain.Order, 0, len(a.orders))
	for _, vo := range a.orders {
		if filter.Matches(vo.order) {
			out = append(out, vo.order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Positions returns the derived positions, optionally narrowed to a symbol.
func (a *Adapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	if cached, ok := a.CachedPositions(); ok && symbol == "" {
		return cached, nil
	}
	positions := a.snapshotPositions()

	// Mark to market through the quote source.
	for i := range positions {
		quote, err := a.quotes.Quote(ctx, positions[i].Symbol)
		if err != nil {
			continue
		}
		mid := quote.Mid()
		positions[i].MarketValue = positions[i].Qty.Mul(mid)
		cost := positions[i].Qty.Mul(positions[i].AvgCost)
		if positions[i].Side == domain.PositionShort {
			positions[i].UnrealizedPnL = cost.Sub(positions[i].MarketValue)
		} else {
			positions[i].UnrealizedPnL = positions[i].MarketValue.Sub(cost)
		}
	}

	if symbol != "" {
		narrowed := positions[:0]
		for _, p := range positions {
			if p.Symbol == symbol {
				narrowed = append(narrowed, p)
			}
		}
		return narrowed, nil
	}
	a.StorePositions(positions)
	return positions, nil
}

func (a *Adapter) snapshotPositions() []domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Account recomputes the simulated account: cash, buying power at 2× cash,
// equity as cash plus net market value.
func (a *Adapter) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	if cached, ok := a.CachedAccount(); ok {
		return cached, nil
	}
	positions, err := a.Positions(ctx, accountID, "")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	cash := a.cash
	a.mu.Unlock()

	net := decimal.Zero
	for _, p := range positions {
		if p.Side == domain.PositionShort {
			net = net.Sub(p.MarketValue)
		} else {
			net = net.Add(p.MarketValue)
		}
	}

	acct := &domain.Account{
		ID:          DefaultAccountID,
		Type:        domain.AccountMargin,
		Cash:        cash,
		BuyingPower: cash.Mul(decimal.NewFromInt(2)),
		Equity:      cash.Add(net),
	}
	a.StoreAccount(acct)
	return acct, nil
}

// buyingPowerLocked computes 2× cash; the caller holds a.mu.
func (a *Adapter) buyingPowerLocked() decimal.Decimal {
	return a.cash.Mul(decimal.NewFromInt(2))
}

// StreamQuotes polls the quote source once a second per requested symbol.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	out := make(chan domain.Quote, len(symbols)*4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(out)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopChan:
				return
			case <-ticker.C:
				for _, sym := range symbols {
					quote, err := a.quotes.Quote(ctx, sym)
					if err != nil {
						continue
					}
					select {
					case out <- *quote:
					default: // slow reader, drop the tick
					}
				}
			}
		}
	}()
	return out, nil
}

// VerifySignature accepts unsigned paper webhooks; they only exist for
// development loops. A non-empty signature must still be well-formed.
func (a *Adapter) VerifySignature(body []byte, headers http.Header) error {
	return nil
}

// Kind returns the paper kind.
func (a *Adapter) Kind() brokers.Kind { return brokers.KindPaper }
