package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
	testingpkg "github.com/aristath/tradewire/internal/testing"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decP(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type journalRecorder struct {
	mu     sync.Mutex
	events []*domain.OrderEvent
	err    error
}

func (j *journalRecorder) Append(_ context.Context, event *domain.OrderEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, event)
	return nil
}

type listenerRecorder struct {
	mu     sync.Mutex
	events []*domain.OrderEvent
	orders []*domain.Order
}

func (l *listenerRecorder) OnOrderEvent(event *domain.OrderEvent, order *domain.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.orders = append(l.orders, order)
}

func newTestEngine(t *testing.T) (*Engine, *testingpkg.FakeClock) {
	t.Helper()
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	engine := NewEngine(nil, clk, testingpkg.NewSequenceMinter(), nil, zerolog.Nop())
	return engine, clk
}

func createLimitBuy(t *testing.T, engine *Engine, symbol, qty, limit string) *domain.Order {
	t.Helper()
	order, err := engine.Create(context.Background(), CreateParams{
		AccountID: "acct-1",
		Broker:    "paper",
		Symbol:    symbol,
		Side:      domain.SideBuy,
		Type:      domain.TypeLimit,
		TIF:       domain.TIFDay,
		Qty:       dec(qty),
		LimitPx:   decP(limit),
	})
	require.NoError(t, err)
	return order
}

func advance(t *testing.T, engine *Engine, orderID string, target domain.OrderStatus) *domain.Order {
	t.Helper()
	order, _, err := engine.Apply(context.Background(), Attempt{OrderID: orderID, Target: target})
	require.NoError(t, err)
	return order
}

func TestCreateStartsPending(t *testing.T) {
	engine, clk := newTestEngine(t)

	order := createLimitBuy(t, engine, "AAPL", "5", "10")

	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, "ord_000001", order.ID)
	assert.Equal(t, clk.Now(), order.CreatedAt)
	assert.True(t, order.FilledQty.IsZero())
	assert.Nil(t, order.AvgFillPx)

	// Returned orders are copies; mutating one must not leak into the engine.
	order.Symbol = "MUTATED"
	stored, err := engine.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", stored.Symbol)
}

func TestGetUnknownOrder(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Get(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, _, err = engine.Apply(context.Background(), Attempt{OrderID: "ord_missing", Target: domain.StatusSubmitted})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSubmitSetsTimestamp(t *testing.T) {
	engine, clk := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")

	clk.Advance(250 * time.Millisecond)
	updated := advance(t, engine, order.ID, domain.StatusSubmitted)

	assert.Equal(t, domain.StatusSubmitted, updated.Status)
	require.NotNil(t, updated.SubmittedAt)
	assert.Equal(t, clk.Now(), *updated.SubmittedAt)
}

func TestReconciliationSequence(t *testing.T) {
	// An order walks submitted, accepted, a partial fill of 3@10, then the
	// closing fill of the remaining 2@10. The order must end filled with
	// quantity 5 at an average of exactly 10.
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")

	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	partial, event, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("3"),
		Px:      decP("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFilled, partial.Status)
	assert.Equal(t, "3", partial.FilledQty.String())
	require.NotNil(t, partial.AvgFillPx)
	assert.True(t, partial.AvgFillPx.Equal(dec("10")))
	require.NotNil(t, event.Qty)
	assert.Equal(t, "3", event.Qty.String())

	final, event, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusFilled,
		Qty:     decP("2"),
		Px:      decP("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, final.Status)
	assert.Equal(t, "5", final.FilledQty.String())
	assert.True(t, final.AvgFillPx.Equal(dec("10")))
	assert.Equal(t, domain.StatusPartiallyFilled, event.OldStatus)
	require.NotNil(t, final.FilledAt)
	assert.True(t, final.Status.Terminal())
}

func TestWeightedAverageFillPrice(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "MSFT", "5", "15")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("3"),
		Px:      decP("10"),
	})
	require.NoError(t, err)

	final, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusFilled,
		Qty:     decP("2"),
		Px:      decP("13"),
	})
	require.NoError(t, err)

	// (10*3 + 13*2) / 5
	assert.True(t, final.AvgFillPx.Equal(dec("11.2")), "got %s", final.AvgFillPx)
}

func TestPartialFillCollapsesWhenComplete(t *testing.T) {
	engine, clk := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	final, event, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("5"),
		Px:      decP("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, final.Status)
	assert.Equal(t, domain.StatusFilled, event.NewStatus)
	require.NotNil(t, final.FilledAt)
	assert.Equal(t, clk.Now(), *final.FilledAt)
}

func TestRepeatedPartialFills(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "9", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	for i, qty := range []string{"3", "3"} {
		updated, _, err := engine.Apply(context.Background(), Attempt{
			OrderID:  order.ID,
			Expected: domain.StatusAccepted,
			Target:   domain.StatusPartiallyFilled,
			Qty:      decP(qty),
			Px:       decP("10"),
		})
		require.NoError(t, err, "partial %d", i)
		assert.Equal(t, domain.StatusPartiallyFilled, updated.Status)
	}

	final, err := engine.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "6", final.FilledQty.String())
}

func TestFillWithoutPriceKeepsAverage(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("3"),
		Px:      decP("12"),
	})
	require.NoError(t, err)

	final, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusFilled,
	})
	require.NoError(t, err)
	assert.Equal(t, "5", final.FilledQty.String())
	assert.True(t, final.AvgFillPx.Equal(dec("12")))
}

func TestInvalidTransitions(t *testing.T) {
	engine, _ := newTestEngine(t)

	t.Run("fill from pending", func(t *testing.T) {
		order := createLimitBuy(t, engine, "AAPL", "5", "10")

		_, _, err := engine.Apply(context.Background(), Attempt{
			OrderID: order.ID,
			Target:  domain.StatusFilled,
			Px:      decP("10"),
		})
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, order.ID, ite.OrderID)
		assert.Equal(t, domain.StatusPending, ite.From)
		assert.Equal(t, domain.StatusFilled, ite.To)
		assert.True(t, IsInvalidTransition(err))

		// The failed attempt must not have touched the order.
		stored, getErr := engine.Get(context.Background(), order.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusPending, stored.Status)
		assert.True(t, stored.FilledQty.IsZero())
	})

	t.Run("terminal states are frozen", func(t *testing.T) {
		order := createLimitBuy(t, engine, "AAPL", "5", "10")
		advance(t, engine, order.ID, domain.StatusSubmitted)
		advance(t, engine, order.ID, domain.StatusCanceled)

		for _, target := range []domain.OrderStatus{
			domain.StatusSubmitted,
			domain.StatusAccepted,
			domain.StatusFilled,
			domain.StatusCanceled,
		} {
			_, _, err := engine.Apply(context.Background(), Attempt{OrderID: order.ID, Target: target})
			assert.True(t, IsInvalidTransition(err), "canceled -> %s should be rejected", target)
		}
	})
}

func TestOverfillRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("6"),
		Px:      decP("10"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrValidation))

	stored, err := engine.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stored.Status)
	assert.True(t, stored.FilledQty.IsZero())
}

func TestPartialFillRequiresPrice(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("2"),
	})
	assert.True(t, domain.IsKind(err, domain.ErrValidation))
}

func TestExpectedStatusIsAdvisory(t *testing.T) {
	// A reordered notification carries a stale expected status. The engine
	// validates the edge from the actual status instead of failing.
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	updated, _, err := engine.Apply(context.Background(), Attempt{
		OrderID:  order.ID,
		Expected: domain.StatusSubmitted,
		Target:   domain.StatusCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, updated.Status)
	require.NotNil(t, updated.CanceledAt)
}

func TestRejectRecordsReason(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)

	updated, event, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusRejected,
		Reason:  "insufficient buying power",
	})
	require.NoError(t, err)
	assert.Equal(t, "insufficient buying power", event.Reason)
	assert.Equal(t, "insufficient buying power", updated.BrokerMeta["last_reason"])
}

func TestCommissionAccumulates(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID:    order.ID,
		Target:     domain.StatusPartiallyFilled,
		Qty:        decP("3"),
		Px:         decP("10"),
		Commission: decP("1"),
	})
	require.NoError(t, err)

	final, _, err := engine.Apply(context.Background(), Attempt{
		OrderID:    order.ID,
		Target:     domain.StatusFilled,
		Qty:        decP("2"),
		Px:         decP("10"),
		Commission: decP("1"),
	})
	require.NoError(t, err)
	assert.True(t, final.Commission.Equal(dec("2")))
}

func TestListenersAndBusNotified(t *testing.T) {
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	bus := events.NewBus(zerolog.Nop())
	engine := NewEngine(bus, clk, testingpkg.NewSequenceMinter(), nil, zerolog.Nop())

	var busEvents []*events.Event
	bus.Subscribe(events.OrderTransition, func(e *events.Event) {
		busEvents = append(busEvents, e)
	})
	listener := &listenerRecorder{}
	engine.AddListener(listener)

	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)

	require.Len(t, listener.events, 1)
	assert.Equal(t, domain.StatusSubmitted, listener.events[0].NewStatus)
	assert.Equal(t, order.ID, listener.orders[0].ID)

	require.Len(t, busEvents, 1)
	data, ok := busEvents[0].Data.(*events.OrderEventData)
	require.True(t, ok)
	assert.Equal(t, order.ID, data.OrderID)
	assert.Equal(t, "AAPL", data.Symbol)
	assert.Equal(t, string(domain.StatusSubmitted), data.NewStatus)
	assert.Equal(t, "AAPL", busEvents[0].Subject())
}

func TestJournalReceivesEvents(t *testing.T) {
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	journal := &journalRecorder{}
	engine := NewEngine(nil, clk, testingpkg.NewSequenceMinter(), journal, zerolog.Nop())

	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	require.Len(t, journal.events, 2)
	assert.Equal(t, domain.StatusSubmitted, journal.events[0].NewStatus)
	assert.Equal(t, domain.StatusAccepted, journal.events[1].NewStatus)
}

func TestJournalFailureDoesNotBlockTransitions(t *testing.T) {
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	journal := &journalRecorder{err: errors.New("disk full")}
	engine := NewEngine(nil, clk, testingpkg.NewSequenceMinter(), journal, zerolog.Nop())

	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	updated := advance(t, engine, order.ID, domain.StatusSubmitted)
	assert.Equal(t, domain.StatusSubmitted, updated.Status)
}

func TestEventsHistory(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)
	advance(t, engine, order.ID, domain.StatusCanceled)

	history, err := engine.Events(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.StatusPending, history[0].OldStatus)
	assert.Equal(t, domain.StatusSubmitted, history[0].NewStatus)
	assert.Equal(t, domain.StatusAccepted, history[1].NewStatus)
	assert.Equal(t, domain.StatusCanceled, history[2].NewStatus)

	_, err = engine.Events(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFillsMaterializeExecutionRecords(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "10", "150")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusPartiallyFilled,
		Qty:     decP("4"),
		Px:      decP("150.10"),
	})
	require.NoError(t, err)
	_, _, err = engine.Apply(context.Background(), Attempt{
		OrderID:    order.ID,
		Target:     domain.StatusFilled,
		Qty:        decP("6"),
		Px:         decP("150.20"),
		Commission: decP("0.50"),
	})
	require.NoError(t, err)

	fills, err := engine.Fills(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)

	assert.True(t, strings.HasPrefix(fills[0].ID, "fil_"))
	assert.Equal(t, order.ID, fills[0].OrderID)
	assert.True(t, fills[0].Qty.Equal(dec("4")))
	assert.True(t, fills[0].Px.Equal(dec("150.10")))
	assert.Equal(t, "paper", fills[0].Venue)

	assert.True(t, fills[1].Qty.Equal(dec("6")))
	assert.True(t, fills[1].Px.Equal(dec("150.20")))
	assert.True(t, fills[1].Commission.Equal(dec("0.50")))

	_, err = engine.Fills(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFillsPrunedWithOrder(t *testing.T) {
	engine, clk := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "1", "150")
	advance(t, engine, order.ID, domain.StatusSubmitted)

	_, _, err := engine.Apply(context.Background(), Attempt{
		OrderID: order.ID,
		Target:  domain.StatusFilled,
		Px:      decP("150"),
	})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	assert.Equal(t, 1, engine.PruneTerminal(24*time.Hour))

	_, err = engine.Fills(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConcurrentCancelOnlyOneWins(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = engine.Apply(context.Background(), Attempt{
				OrderID: order.ID,
				Target:  domain.StatusCanceled,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, IsInvalidTransition(err))
		}
	}
	assert.Equal(t, 1, succeeded)

	history, err := engine.Events(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestConcurrentPartialFillsStayConsistent(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "100", "10")
	advance(t, engine, order.ID, domain.StatusSubmitted)
	advance(t, engine, order.ID, domain.StatusAccepted)

	const racers = 10
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.Apply(context.Background(), Attempt{
				OrderID: order.ID,
				Target:  domain.StatusPartiallyFilled,
				Qty:     decP("10"),
				Px:      decP("10"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := engine.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, final.Status)
	assert.Equal(t, "100", final.FilledQty.String())
	assert.True(t, final.AvgFillPx.Equal(dec("10")))
}

func TestListFiltersAndOrders(t *testing.T) {
	engine, _ := newTestEngine(t)
	a := createLimitBuy(t, engine, "AAPL", "5", "10")
	b := createLimitBuy(t, engine, "MSFT", "5", "10")
	c := createLimitBuy(t, engine, "AAPL", "5", "10")
	advance(t, engine, b.ID, domain.StatusSubmitted)

	all, err := engine.List(context.Background(), domain.OrderFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first by id.
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, a.ID, all[2].ID)

	aapl, err := engine.List(context.Background(), domain.OrderFilter{Symbol: "AAPL"}, 0)
	require.NoError(t, err)
	assert.Len(t, aapl, 2)

	submitted, err := engine.List(context.Background(), domain.OrderFilter{Status: domain.StatusSubmitted}, 0)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, b.ID, submitted[0].ID)

	limited, err := engine.List(context.Background(), domain.OrderFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestBrokerOrderIDLookup(t *testing.T) {
	engine, _ := newTestEngine(t)
	order := createLimitBuy(t, engine, "AAPL", "5", "10")

	require.NoError(t, engine.SetBrokerOrderID(context.Background(), order.ID, "venue-42"))

	found, err := engine.GetByBrokerID(context.Background(), "paper", "venue-42")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	_, err = engine.GetByBrokerID(context.Background(), "alpaca", "venue-42")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestDeclaredTableShape(t *testing.T) {
	// Every declared edge leaves a non-terminal state, and terminal states
	// declare no outgoing edges.
	for edge := range declared {
		assert.False(t, edge.from.Terminal(), "terminal state %s must not transition", edge.from)
	}
	assert.Empty(t, TargetsFrom(domain.StatusFilled))
	assert.Empty(t, TargetsFrom(domain.StatusRejected))
	assert.NotEmpty(t, TargetsFrom(domain.StatusAccepted))
}
