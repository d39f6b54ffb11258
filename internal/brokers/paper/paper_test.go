package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
	testingpkg "github.com/aristath/tradewire/internal/testing"
)

type fixedQuotes struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
}

func (q *fixedQuotes) Quote(_ context.Context, symbol string) (*domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	quote, ok := q.quotes[symbol]
	if !ok {
		return nil, domain.Errorf(domain.ErrValidation, "no quote for %s", symbol)
	}
	return &quote, nil
}

func (q *fixedQuotes) set(symbol, bid, ask string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quotes == nil {
		q.quotes = make(map[string]domain.Quote)
	}
	q.quotes[symbol] = domain.Quote{
		Symbol: symbol,
		Bid:    decimal.RequireFromString(bid),
		Ask:    decimal.RequireFromString(ask),
	}
}

type sinkRecorder struct {
	mu      sync.Mutex
	intents []brokers.TransitionIntent
}

func (s *sinkRecorder) Deliver(_ brokers.Kind, intents []brokers.TransitionIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, intents...)
}

func (s *sinkRecorder) all() []brokers.TransitionIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]brokers.TransitionIntent, len(s.intents))
	copy(out, s.intents)
	return out
}

func (s *sinkRecorder) last() (brokers.TransitionIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.intents) == 0 {
		return brokers.TransitionIntent{}, false
	}
	return s.intents[len(s.intents)-1], true
}

func newTestAdapter(t *testing.T, cfg *config.PaperConfig) (*Adapter, *fixedQuotes, *sinkRecorder) {
	t.Helper()
	if cfg == nil {
		cfg = &config.PaperConfig{
			FillLatency:  time.Millisecond,
			SlippageBps:  5,
			StartingCash: 100000,
			MarketOpen:   "09:30",
			MarketClose:  "16:00",
			Seed:         1,
		}
	}

	// Monday 10:30 in New York, inside market hours.
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	base := brokers.NewBase(brokers.KindPaper, &config.BrokerConfig{RateLimitPerMinute: 600},
		clk, testingpkg.NewSequenceMinter(), zerolog.Nop())

	quotes := &fixedQuotes{}
	sink := &sinkRecorder{}
	adapter := New(base, cfg, quotes, zerolog.Nop())
	adapter.SetSink(sink)
	require.NoError(t, adapter.Connect(context.Background()))
	t.Cleanup(func() { _ = adapter.Disconnect(context.Background()) })
	return adapter, quotes, sink
}

func marketBuy(qty int64) *domain.Order {
	return &domain.Order{
		ID:          "ord_test",
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		TimeInForce: domain.TIFDay,
		Status:      domain.StatusPending,
		Qty:         decimal.NewFromInt(qty),
	}
}

func TestMarketBuyFillsWithSlippage(t *testing.T) {
	adapter, quotes, sink := newTestAdapter(t, nil)
	quotes.set("AAPL", "149.95", "150.05")

	placed, err := adapter.Place(context.Background(), marketBuy(10))
	require.NoError(t, err)
	assert.Equal(t, "paper", placed.Broker)
	assert.NotEmpty(t, placed.BrokerOrderID)

	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	intents := sink.all()
	require.Len(t, intents, 2)
	assert.Equal(t, domain.StatusAccepted, intents[0].Target)

	fill := intents[1]
	require.NotNil(t, fill.Qty)
	require.NotNil(t, fill.Px)
	assert.True(t, fill.Qty.Equal(decimal.NewFromInt(10)))
	// Mid 150.00 plus 5 bps of slippage on the buy side.
	assert.True(t, fill.Px.Equal(decimal.RequireFromString("150.075")), "got %s", fill.Px)
}

func TestMarketSellSlipsDown(t *testing.T) {
	adapter, quotes, sink := newTestAdapter(t, nil)
	quotes.set("AAPL", "149.95", "150.05")

	// Establish a long position first so the sell reduces it.
	_, err := adapter.Place(context.Background(), marketBuy(10))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	sell := marketBuy(10)
	sell.ID = "ord_sell"
	sell.Side = domain.SideSell
	_, err = adapter.Place(context.Background(), sell)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, in := range sink.all() {
			if in.OrderID == "ord_sell" && in.Target == domain.StatusFilled {
				return in.Px != nil && in.Px.Equal(decimal.RequireFromString("149.925"))
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Round trip flattens the position.
	positions, err := adapter.Positions(context.Background(), DefaultAccountID, "")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestBuyExceedingBuyingPowerRejected(t *testing.T) {
	adapter, quotes, _ := newTestAdapter(t, &config.PaperConfig{
		FillLatency:  time.Millisecond,
		StartingCash: 1000,
		MarketOpen:   "09:30",
		MarketClose:  "16:00",
		Seed:         1,
	})
	quotes.set("AAPL", "149.95", "150.05")

	// Notional 15000 against 2000 of buying power.
	_, err := adapter.Place(context.Background(), marketBuy(100))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInsufficientFunds, domain.KindOf(err))
}

func TestUnmarketableIOCCancels(t *testing.T) {
	adapter, quotes, sink := newTestAdapter(t, nil)
	quotes.set("AAPL", "149.95", "150.05")

	order := marketBuy(10)
	order.Type = domain.TypeLimit
	order.TimeInForce = domain.TIFIOC
	px := decimal.RequireFromString("140")
	order.LimitPx = &px

	_, err := adapter.Place(context.Background(), order)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusCanceled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRestingLimitFillsWhenMarketable(t *testing.T) {
	adapter, quotes, sink := newTestAdapter(t, nil)
	quotes.set("AAPL", "149.95", "150.05")

	order := marketBuy(10)
	order.Type = domain.TypeLimit
	order.TimeInForce = domain.TIFGTC
	px := decimal.RequireFromString("149.00")
	order.LimitPx = &px

	_, err := adapter.Place(context.Background(), order)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusAccepted
	}, 2*time.Second, 5*time.Millisecond)

	// The book moves inside the limit; the resting order crosses at the ask.
	quotes.set("AAPL", "148.90", "148.95")
	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusFilled
	}, 3*time.Second, 10*time.Millisecond)

	last, _ := sink.last()
	require.NotNil(t, last.Px)
	assert.True(t, last.Px.Equal(decimal.RequireFromString("148.95")))
}

func TestCancelByVenueOrderID(t *testing.T) {
	adapter, quotes, _ := newTestAdapter(t, &config.PaperConfig{
		FillLatency:  time.Minute, // keep the pipeline asleep
		StartingCash: 100000,
		MarketOpen:   "09:30",
		MarketClose:  "16:00",
		Seed:         1,
	})
	quotes.set("AAPL", "149.95", "150.05")

	placed, err := adapter.Place(context.Background(), marketBuy(10))
	require.NoError(t, err)

	canceled, err := adapter.Cancel(context.Background(), placed.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)

	_, err = adapter.Cancel(context.Background(), placed.BrokerOrderID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = adapter.Cancel(context.Background(), "nope")
	assert.Equal(t, domain.ErrOrderNotFound, domain.KindOf(err))
}

func TestAccountReflectsFills(t *testing.T) {
	adapter, quotes, sink := newTestAdapter(t, &config.PaperConfig{
		FillLatency:        time.Millisecond,
		CommissionPerShare: 0.01,
		CommissionMin:      1,
		StartingCash:       100000,
		MarketOpen:         "09:30",
		MarketClose:        "16:00",
		Seed:               1,
	})
	quotes.set("AAPL", "150", "150")

	_, err := adapter.Place(context.Background(), marketBuy(10))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		last, ok := sink.last()
		return ok && last.Target == domain.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	acct, err := adapter.Account(context.Background(), DefaultAccountID)
	require.NoError(t, err)

	// 10 × 150 notional plus the 1.00 commission floor.
	assert.True(t, acct.Cash.Equal(decimal.RequireFromString("98499")), "got %s", acct.Cash)
	assert.True(t, acct.BuyingPower.Equal(acct.Cash.Mul(decimal.NewFromInt(2))))

	positions, err := adapter.Positions(context.Background(), DefaultAccountID, "AAPL")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(decimal.NewFromInt(10)))
	assert.True(t, positions[0].AvgCost.Equal(decimal.NewFromInt(150)))
}

func TestMarketClosedWithoutExtendedHours(t *testing.T) {
	cfg := &config.PaperConfig{
		FillLatency:  time.Millisecond,
		StartingCash: 100000,
		MarketOpen:   "09:30",
		MarketClose:  "10:00",
		Seed:         1,
	}
	adapter, quotes, _ := newTestAdapter(t, cfg)
	quotes.set("AAPL", "149.95", "150.05")

	_, err := adapter.Place(context.Background(), marketBuy(10))
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
	assert.Contains(t, err.Error(), "market is closed")
}
