package lifecycle

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/metrics"
)

// lockStripes bounds the number of mutexes used to serialize per-order
// transitions. Orders hash onto a stripe, so two orders may share a lock,
// but a single order is always serialized and there is no global lock on
// the transition path.
const lockStripes = 64

// JournalSink receives every applied transition for durable audit. Append
// runs while the order's stripe lock is held, so implementations should be
// quick and must not call back into the Engine.
type JournalSink interface {
	Append(ctx context.Context, event *domain.OrderEvent) error
}

// Listener observes applied transitions after the order lock is released.
// Both arguments are private copies.
type Listener interface {
	OnOrderEvent(event *domain.OrderEvent, order *domain.Order)
}

// Attempt describes one requested transition. Expected is advisory: when it
// disagrees with the order's actual status (webhooks arrive out of order) the
// engine still validates the declared edge from the actual status.
type Attempt struct {
	OrderID  string
	Expected domain.OrderStatus
	Target   domain.OrderStatus

	// Fill details, required when Target implies a fill.
	Qty        *decimal.Decimal
	Px         *decimal.Decimal
	Commission *decimal.Decimal

	Reason string
	Meta   map[string]string
}

// CreateParams carries the caller-supplied fields of a new order. The engine
// assigns the ID, timestamps and the pending status.
type CreateParams struct {
	ClientRef     string
	UserID        string
	AccountID     string
	Broker        string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	TIF           domain.TimeInForce
	Qty           decimal.Decimal
	LimitPx       *decimal.Decimal
	StopPx        *decimal.Decimal
	TrailAmt      *decimal.Decimal
	TrailPct      *decimal.Decimal
	ExtendedHours bool
	BrokerMeta    map[string]string
}

// Engine owns every order and serializes its transitions. All returned
// orders and events are copies; callers never share memory with the engine.
type Engine struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
	hist   map[string][]*domain.OrderEvent
	fills  map[string][]*domain.Fill

	stripes [lockStripes]sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener

	bus     *events.Bus
	clock   clock.Clock
	minter  clock.Minter
	journal JournalSink
	log     zerolog.Logger
}

// NewEngine builds an engine. bus and journal may be nil.
func NewEngine(bus *events.Bus, clk clock.Clock, minter clock.Minter, journal JournalSink, log zerolog.Logger) *Engine {
	return &Engine{
		orders:  make(map[string]*domain.Order),
		hist:    make(map[string][]*domain.OrderEvent),
		fills:   make(map[string][]*domain.Fill),
		bus:     bus,
		clock:   clk,
		minter:  minter,
		journal: journal,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// AddListener registers a transition observer. Listeners run synchronously
// after the order lock is released, in registration order.
func (e *Engine) AddListener(l Listener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) stripe(orderID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &e.stripes[h.Sum32()%lockStripes]
}

// Create materializes a new order in the pending state and records its
// creation event.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*domain.Order, error) {
	now := e.clock.Now()
	order := &domain.Order{
		ID:            e.minter.NewID(clock.PrefixOrder),
		ClientRef:     p.ClientRef,
		UserID:        p.UserID,
		AccountID:     p.AccountID,
		Broker:        p.Broker,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		TimeInForce:   p.TIF,
		Status:        domain.StatusPending,
		Qty:           p.Qty,
		FilledQty:     decimal.Zero,
		Commission:    decimal.Zero,
		LimitPx:       p.LimitPx,
		StopPx:        p.StopPx,
		TrailAmt:      p.TrailAmt,
		TrailPct:      p.TrailPct,
		ExtendedHours: p.ExtendedHours,
		BrokerMeta:    p.BrokerMeta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	e.mu.Lock()
	e.orders[order.ID] = order
	e.mu.Unlock()

	e.log.Debug().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", order.Qty.String()).
		Msg("Order created")

	return order.Clone(), nil
}

// Get returns a copy of the order.
func (e *Engine) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	e.mu.RLock()
	order, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

// GetByBrokerID resolves an order through the broker-assigned identifier
// stored at creation or submit time.
func (e *Engine) GetByBrokerID(ctx context.Context, broker, brokerOrderID string) (*domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, order := range e.orders {
		if order.Broker == broker && order.BrokerOrderID == brokerOrderID {
			return order.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

// List returns copies of orders matching the filter, newest first. A
// non-positive limit returns everything.
func (e *Engine) List(ctx context.Context, filter domain.OrderFilter, limit int) ([]*domain.Order, error) {
	e.mu.RLock()
	matched := make([]*domain.Order, 0, len(e.orders))
	for _, order := range e.orders {
		if filter.Matches(order) {
			matched = append(matched, order.Clone())
		}
	}
	e.mu.RUnlock()

	// IDs carry a time-sortable prefix, so lexicographic descent is
	// newest-first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Events returns copies of the order's applied transitions in order.
func (e *Engine) Events(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.orders[orderID]; !ok {
		return nil, ErrOrderNotFound
	}
	hist := e.hist[orderID]
	out := make([]*domain.OrderEvent, len(hist))
	for i, ev := range hist {
		c := *ev
		out[i] = &c
	}
	return out, nil
}

// Fills returns the execution records of one order, oldest first.
func (e *Engine) Fills(ctx context.Context, orderID string) ([]*domain.Fill, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.orders[orderID]; !ok {
		return nil, ErrOrderNotFound
	}
	fills := e.fills[orderID]
	out := make([]*domain.Fill, len(fills))
	for i, f := range fills {
		c := *f
		out[i] = &c
	}
	return out, nil
}

// SetBrokerOrderID records the broker-assigned identifier on an order.
// Called once by adapters after a successful submit.
func (e *Engine) SetBrokerOrderID(ctx context.Context, orderID, brokerOrderID string) error {
	lock := e.stripe(orderID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	current, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}

	order := current.Clone()
	order.BrokerOrderID = brokerOrderID
	order.UpdatedAt = e.clock.Now()

	e.mu.Lock()
	e.orders[orderID] = order
	e.mu.Unlock()
	return nil
}

// Apply executes one transition. It validates the declared edge from the
// order's actual status, applies fill accounting to a private copy under the
// order's stripe lock, publishes the copy, journals the event, and notifies
// listeners and the event bus after the lock is released. Invalid
// transitions return *InvalidTransitionError.
//
// Published orders are never mutated in place, so readers only need the map
// lock.
func (e *Engine) Apply(ctx context.Context, att Attempt) (*domain.Order, *domain.OrderEvent, error) {
	lock := e.stripe(att.OrderID)
	lock.Lock()

	e.mu.RLock()
	current, ok := e.orders[att.OrderID]
	e.mu.RUnlock()
	if !ok {
		lock.Unlock()
		return nil, nil, ErrOrderNotFound
	}

	from := current.Status
	target := att.Target

	if att.Expected != "" && att.Expected != from {
		e.log.Debug().
			Str("order_id", current.ID).
			Str("expected", string(att.Expected)).
			Str("actual", string(from)).
			Msg("Transition expectation mismatch, validating from actual status")
	}

	if !Declared(from, target) {
		lock.Unlock()
		metrics.InvalidTransitions.WithLabelValues(string(from), string(target)).Inc()
		e.log.Warn().
			Str("order_id", current.ID).
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("Invalid order transition rejected")
		return nil, nil, &InvalidTransitionError{OrderID: current.ID, From: from, To: target}
	}

	now := e.clock.Now()
	order := current.Clone()

	var fillQty, fillPx *decimal.Decimal
	var fill *domain.Fill
	label, _ := LabelFor(from, target)
	switch label {
	case LabelSubmit:
		t := now
		order.SubmittedAt = &t
	case LabelPartialFill, LabelFill:
		q, p, err := e.applyFill(order, att, target == domain.StatusFilled, now)
		if err != nil {
			lock.Unlock()
			return nil, nil, err
		}
		fillQty, fillPx = q, p
		// A partial that completes the order collapses to filled.
		target = order.Status

		px := decimal.Zero
		if fillPx != nil {
			px = *fillPx
		} else if order.AvgFillPx != nil {
			px = *order.AvgFillPx
		}
		commission := decimal.Zero
		if att.Commission != nil {
			commission = *att.Commission
		}
		fill = &domain.Fill{
			ID:         e.minter.NewID(clock.PrefixFill),
			OrderID:    order.ID,
			Qty:        *fillQty,
			Px:         px,
			Commission: commission,
			At:         now,
			Venue:      order.Broker,
		}
	case LabelCancel:
		t := now
		order.CanceledAt = &t
	case LabelReject, LabelExpire, LabelAccept:
	}

	order.Status = target
	order.UpdatedAt = now
	if att.Reason != "" {
		if order.BrokerMeta == nil {
			order.BrokerMeta = map[string]string{}
		}
		order.BrokerMeta["last_reason"] = att.Reason
	}

	event := &domain.OrderEvent{
		ID:        e.minter.NewID(clock.PrefixEvent),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		OldStatus: from,
		NewStatus: target,
		Qty:       fillQty,
		Px:        fillPx,
		Reason:    att.Reason,
		At:        now,
		Meta:      att.Meta,
	}

	e.mu.Lock()
	e.orders[order.ID] = order
	e.hist[order.ID] = append(e.hist[order.ID], event)
	if fill != nil {
		e.fills[order.ID] = append(e.fills[order.ID], fill)
	}
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.Append(ctx, event); err != nil {
			e.log.Warn().Err(err).Str("order_id", order.ID).Msg("Journal append failed")
		}
	}

	orderCopy := order.Clone()
	eventCopy := *event
	lock.Unlock()

	metrics.OrderTransitions.WithLabelValues(string(from), string(target)).Inc()
	e.log.Info().
		Str("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("filled_qty", orderCopy.FilledQty.String()).
		Msg("Order transition applied")

	e.notify(&eventCopy, orderCopy)

	return orderCopy, &eventCopy, nil
}

// applyFill mutates fill accounting and sets the resulting status. The
// caller holds the order's stripe lock. complete means the attempt targeted
// the filled state, so the remaining quantity fills even when Qty is absent.
func (e *Engine) applyFill(order *domain.Order, att Attempt, complete bool, now time.Time) (*decimal.Decimal, *decimal.Decimal, error) {
	remaining := order.Remaining()

	qty := remaining
	if att.Qty != nil {
		qty = *att.Qty
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil, domain.Errorf(domain.ErrValidation, "fill quantity must be positive, got %s", qty)
	}
	if qty.GreaterThan(remaining) {
		return nil, nil, domain.Errorf(domain.ErrValidation, "fill quantity %s exceeds remaining %s on order %s", qty, remaining, order.ID)
	}
	if complete && !qty.Equal(remaining) {
		return nil, nil, domain.Errorf(domain.ErrValidation, "fill quantity %s leaves order %s incomplete", qty, order.ID)
	}
	if !complete && att.Px == nil {
		return nil, nil, domain.Errorf(domain.ErrValidation, "partial fill requires a price")
	}

	newFilled := order.FilledQty.Add(qty)

	if att.Px != nil {
		px := *att.Px
		if px.LessThanOrEqual(decimal.Zero) {
			return nil, nil, domain.Errorf(domain.ErrValidation, "fill price must be positive, got %s", px)
		}
		prevNotional := decimal.Zero
		if order.AvgFillPx != nil {
			prevNotional = order.AvgFillPx.Mul(order.FilledQty)
		}
		avg := prevNotional.Add(px.Mul(qty)).Div(newFilled)
		order.AvgFillPx = &avg
	}

	order.FilledQty = newFilled
	if att.Commission != nil {
		order.Commission = order.Commission.Add(*att.Commission)
	}

	if complete || newFilled.Equal(order.Qty) {
		order.Status = domain.StatusFilled
		t := now
		order.FilledAt = &t
	} else {
		order.Status = domain.StatusPartiallyFilled
	}

	fq := qty
	var fp *decimal.Decimal
	if att.Px != nil {
		p := *att.Px
		fp = &p
	}
	return &fq, fp, nil
}

func (e *Engine) notify(event *domain.OrderEvent, order *domain.Order) {
	e.lmu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.lmu.RUnlock()

	for _, l := range listeners {
		l.OnOrderEvent(event, order)
	}

	if e.bus != nil {
		e.bus.EmitData("lifecycle", toEventData(event, order))
	}
}

// PruneTerminal drops terminal orders untouched for at least the retention
// window, along with their event history, and returns how many were removed.
// The journal keeps the durable record.
func (e *Engine) PruneTerminal(retention time.Duration) int {
	cutoff := e.clock.Now().Add(-retention)

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, order := range e.orders {
		if order.Status.Terminal() && order.UpdatedAt.Before(cutoff) {
			delete(e.orders, id)
			delete(e.hist, id)
			delete(e.fills, id)
			removed++
		}
	}
	return removed
}

// toEventData converts a transition into its wire payload. Decimal fields
// travel as strings to keep precision intact across transports.
func toEventData(event *domain.OrderEvent, order *domain.Order) *events.OrderEventData {
	d := &events.OrderEventData{
		EventID:   event.ID,
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		OldStatus: string(event.OldStatus),
		NewStatus: string(event.NewStatus),
		FilledQty: order.FilledQty.String(),
		At:        event.At,
	}
	if event.Qty != nil {
		d.Qty = event.Qty.String()
	}
	if event.Px != nil {
		d.Px = event.Px.String()
	}
	if order.AvgFillPx != nil {
		d.AvgFillPx = order.AvgFillPx.String()
	}
	return d
}
