package paper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
)

// pollInterval is how often resting limit/stop orders are re-evaluated
// against the simulated quote stream.
const pollInterval = 500 * time.Millisecond

// schedulePipeline starts the fill pipeline for a placed order. The caller
// holds a.mu.
func (a *Adapter) schedulePipeline(orderID string) {
	if a.stopped {
		return
	}
	a.wg.Add(1)
	go a.runPipeline(orderID)
}

// runPipeline drives one order through the simulated venue: latency, then a
// Bernoulli rejection trial, then acceptance, then fills against the quote
// stream. Status changes leave through the intent sink, the same door real
// venues use via webhooks.
func (a *Adapter) runPipeline(orderID string) {
	defer a.wg.Done()

	select {
	case <-a.stopChan:
		return
	case <-time.After(a.cfg.FillLatency):
	}

	a.mu.Lock()
	vo, ok := a.orders[orderID]
	if !ok || vo.order.Status.Terminal() {
		a.mu.Unlock()
		return
	}
	rejected := a.rng.Float64() < a.cfg.RejectProb
	if rejected {
		vo.order.Status = domain.StatusRejected
	} else {
		vo.order.Status = domain.StatusAccepted
	}
	order := vo.order.Clone()
	a.mu.Unlock()
	a.InvalidateOrder(orderID)

	if rejected {
		a.deliver([]brokers.TransitionIntent{{
			OrderID:       order.ID,
			BrokerOrderID: order.BrokerOrderID,
			Target:        domain.StatusRejected,
			Reason:        "simulated venue rejection",
			At:            a.Clock().Now(),
		}})
		return
	}

	a.deliver([]brokers.TransitionIntent{{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Target:        domain.StatusAccepted,
		At:            a.Clock().Now(),
	}})

	a.fillLoop(orderID)
}

// fillLoop evaluates the order against quotes until it terminates. Market
// orders cross immediately; limit and stop orders rest and are re-evaluated
// every poll; IOC and FOK orders that cannot cross cancel on the first look.
func (a *Adapter) fillLoop(orderID string) {
	for {
		a.mu.Lock()
		vo, ok := a.orders[orderID]
		if !ok || vo.order.Status.Terminal() || vo.remaining.IsZero() {
			a.mu.Unlock()
			return
		}
		order := vo.order.Clone()
		a.mu.Unlock()

		quote, err := a.quotes.Quote(context.Background(), order.Symbol)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", order.Symbol).Msg("Quote failed during fill evaluation")
			return
		}

		px, crossable := a.crossPrice(order, quote)
		if crossable {
			done := a.executeFill(orderID, px)
			if done {
				return
			}
			// Partial fill: loop for the remainder after another latency.
			select {
			case <-a.stopChan:
				return
			case <-time.After(a.cfg.FillLatency):
			}
			continue
		}

		// Immediate-or-cancel semantics terminate on the first miss.
		if order.TimeInForce == domain.TIFIOC || order.TimeInForce == domain.TIFFOK {
			a.terminate(orderID, domain.StatusCanceled, "unmarketable "+string(order.TimeInForce)+" order")
			return
		}

		select {
		case <-a.stopChan:
			return
		case <-time.After(pollInterval):
		}
	}
}

// crossPrice decides whether the order can trade against the quote and at
// what price. Market orders cross at mid ± slippage; limit orders need the
// far side inside the limit; stop orders convert once the stop triggers.
func (a *Adapter) crossPrice(order *domain.Order, quote *domain.Quote) (decimal.Decimal, bool) {
	mid := quote.Mid()
	slip := mid.Mul(decimal.NewFromFloat(a.cfg.SlippageBps)).Div(decimal.NewFromInt(10000))

	marketPx := mid.Add(slip)
	if order.Side == domain.SideSell {
		marketPx = mid.Sub(slip)
	}

	switch order.Type {
	case domain.TypeMarket, domain.TypeTrailingStop:
		return marketPx, true
	case domain.TypeLimit:
		if order.Side == domain.SideBuy && quote.Ask.LessThanOrEqual(*order.LimitPx) {
			return quote.Ask, true
		}
		if order.Side == domain.SideSell && quote.Bid.GreaterThanOrEqual(*order.LimitPx) {
			return quote.Bid, true
		}
	case domain.TypeStop:
		if a.stopTriggered(order, mid) {
			return marketPx, true
		}
	case domain.TypeStopLimit:
		if a.stopTriggered(order, mid) {
			if order.Side == domain.SideBuy && quote.Ask.LessThanOrEqual(*order.LimitPx) {
				return quote.Ask, true
			}
			if order.Side == domain.SideSell && quote.Bid.GreaterThanOrEqual(*order.LimitPx) {
				return quote.Bid, true
			}
		}
	}
	return decimal.Zero, false
}

func (a *Adapter) stopTriggered(order *domain.Order, mid decimal.Decimal) bool {
	if order.StopPx == nil {
		return false
	}
	if order.Side == domain.SideBuy {
		return mid.GreaterThanOrEqual(*order.StopPx)
	}
	return mid.LessThanOrEqual(*order.StopPx)
}

// executeFill books a fill at px, possibly partial per the configured
// Bernoulli trial, updates cash and positions, and delivers the intent.
// Returns true when the order is complete.
func (a *Adapter) executeFill(orderID string, px decimal.Decimal) bool {
	a.mu.Lock()
	vo, ok := a.orders[orderID]
	if !ok || vo.order.Status.Terminal() || vo.remaining.IsZero() {
		a.mu.Unlock()
		return true
	}

	qty := vo.remaining
	partial := a.rng.Float64() < a.cfg.PartialFillProb
	if partial && qty.GreaterThan(decimal.NewFromInt(1)) {
		// Fill an integer fraction of the remainder, at least one unit.
		half := qty.Div(decimal.NewFromInt(2)).Floor()
		if half.IsPositive() {
			qty = half
		}
	}

	commission := a.commission(qty)
	a.applyFillLocked(vo, qty, px, commission)
	complete := vo.remaining.IsZero()
	target := domain.StatusPartiallyFilled
	if complete {
		target = domain.StatusFilled
		vo.order.Status = domain.StatusFilled
	} else {
		vo.order.Status = domain.StatusPartiallyFilled
	}
	order := vo.order.Clone()
	a.mu.Unlock()

	a.InvalidateOrder(orderID)
	a.InvalidatePositions()
	a.InvalidateAccount()

	q, p, c := qty, px, commission
	a.deliver([]brokers.TransitionIntent{{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Target:        target,
		Qty:           &q,
		Px:            &p,
		Commission:    &c,
		At:            a.Clock().Now(),
	}})
	return complete
}

// applyFillLocked mutates venue order, cash and positions for one fill. The
// caller holds a.mu.
func (a *Adapter) applyFillLocked(vo *venueOrder, qty, px, commission decimal.Decimal) {
	vo.remaining = vo.remaining.Sub(qty)
	vo.order.FilledQty = vo.order.FilledQty.Add(qty)
	vo.order.Commission = vo.order.Commission.Add(commission)

	notional := qty.Mul(px)
	if vo.order.Side == domain.SideBuy {
		a.cash = a.cash.Sub(notional).Sub(commission)
		a.bookPosition(vo.order.Symbol, qty, px)
	} else {
		a.cash = a.cash.Add(notional).Sub(commission)
		a.bookPosition(vo.order.Symbol, qty.Neg(), px)
	}
}

// bookPosition nets a signed fill quantity into the symbol's position.
func (a *Adapter) bookPosition(symbol string, signedQty, px decimal.Decimal) {
	pos, ok := a.positions[symbol]
	if !ok {
		side := domain.PositionLong
		if signedQty.IsNegative() {
			side = domain.PositionShort
		}
		a.positions[symbol] = &domain.Position{
			AccountID: DefaultAccountID,
			Symbol:    symbol,
			Side:      side,
			Qty:       signedQty.Abs(),
			AvgCost:   px,
		}
		return
	}

	current := pos.Qty
	if pos.Side == domain.PositionShort {
		current = current.Neg()
	}
	next := current.Add(signedQty)

	switch {
	case next.IsZero():
		delete(a.positions, symbol)
	case current.Sign() == next.Sign() && signedQty.Sign() == current.Sign():
		// Same-direction add: blend the average cost.
		total := pos.AvgCost.Mul(current.Abs()).Add(px.Mul(signedQty.Abs()))
		pos.Qty = next.Abs()
		pos.AvgCost = total.Div(next.Abs())
	default:
		// Reduce or flip. A flip resets cost basis at the fill price.
		pos.Qty = next.Abs()
		if current.Sign() != next.Sign() {
			pos.AvgCost = px
		}
		if next.IsNegative() {
			pos.Side = domain.PositionShort
		} else {
			pos.Side = domain.PositionLong
		}
	}
}

// commission prices one fill: per-share with a floor.
func (a *Adapter) commission(qty decimal.Decimal) decimal.Decimal {
	c := qty.Mul(decimal.NewFromFloat(a.cfg.CommissionPerShare))
	floor := decimal.NewFromFloat(a.cfg.CommissionMin)
	if c.LessThan(floor) {
		return floor
	}
	return c
}

// terminate ends a working order at the venue and announces it.
func (a *Adapter) terminate(orderID string, target domain.OrderStatus, reason string) {
	a.mu.Lock()
	vo, ok := a.orders[orderID]
	if !ok || vo.order.Status.Terminal() {
		a.mu.Unlock()
		return
	}
	vo.order.Status = target
	vo.remaining = decimal.Zero
	order := vo.order.Clone()
	a.mu.Unlock()

	a.InvalidateOrder(orderID)
	a.deliver([]brokers.TransitionIntent{{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Target:        target,
		Reason:        reason,
		At:            a.Clock().Now(),
	}})
}

// deliver hands intents to the sink. Without a sink the venue state is still
// consistent; only the announcement is lost.
func (a *Adapter) deliver(intents []brokers.TransitionIntent) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		a.log.Warn().Msg("No intent sink installed, dropping venue events")
		return
	}
	sink.Deliver(brokers.KindPaper, intents)
}
