// Package domain provides core domain models and types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Valid reports whether the side is a known value.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType represents the pricing policy of an order
type OrderType string

const (
	TypeMarket       OrderType = "market"
	TypeLimit        OrderType = "limit"
	TypeStop         OrderType = "stop"
	TypeStopLimit    OrderType = "stopLimit"
	TypeTrailingStop OrderType = "trailingStop"
)

// Valid reports whether the order type is a known value.
func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit, TypeTrailingStop:
		return true
	}
	return false
}

// TimeInForce represents how long an order remains working
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Valid reports whether the TIF is a known value.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partiallyFilled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status has no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is a normalized client intent to buy or sell. Created on place,
// mutated only by the lifecycle engine.
type Order struct {
	ID            string            `json:"id"`
	ClientRef     string            `json:"client_ref,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	AccountID     string            `json:"account_id"`
	Broker        string            `json:"broker"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Qty           decimal.Decimal   `json:"qty"`
	Type          OrderType         `json:"type"`
	TimeInForce   TimeInForce       `json:"time_in_force"`
	LimitPx       *decimal.Decimal  `json:"limit_px,omitempty"`
	StopPx        *decimal.Decimal  `json:"stop_px,omitempty"`
	TrailAmt      *decimal.Decimal  `json:"trail_amt,omitempty"`
	TrailPct      *decimal.Decimal  `json:"trail_pct,omitempty"`
	ExtendedHours bool              `json:"extended_hours,omitempty"`
	Status        OrderStatus       `json:"status"`
	FilledQty     decimal.Decimal   `json:"filled_qty"`
	AvgFillPx     *decimal.Decimal  `json:"avg_fill_px,omitempty"`
	Commission    decimal.Decimal   `json:"commission"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	FilledAt      *time.Time        `json:"filled_at,omitempty"`
	CanceledAt    *time.Time        `json:"canceled_at,omitempty"`
	BrokerMeta    map[string]string `json:"broker_meta,omitempty"`
}

// Clone returns a deep copy. Callers outside the lifecycle engine only ever
// see copies.
func (o *Order) Clone() *Order {
	cp := *o
	if o.LimitPx != nil {
		v := *o.LimitPx
		cp.LimitPx = &v
	}
	if o.StopPx != nil {
		v := *o.StopPx
		cp.StopPx = &v
	}
	if o.TrailAmt != nil {
		v := *o.TrailAmt
		cp.TrailAmt = &v
	}
	if o.TrailPct != nil {
		v := *o.TrailPct
		cp.TrailPct = &v
	}
	if o.AvgFillPx != nil {
		v := *o.AvgFillPx
		cp.AvgFillPx = &v
	}
	if o.SubmittedAt != nil {
		v := *o.SubmittedAt
		cp.SubmittedAt = &v
	}
	if o.FilledAt != nil {
		v := *o.FilledAt
		cp.FilledAt = &v
	}
	if o.CanceledAt != nil {
		v := *o.CanceledAt
		cp.CanceledAt = &v
	}
	if o.BrokerMeta != nil {
		cp.BrokerMeta = make(map[string]string, len(o.BrokerMeta))
		for k, v := range o.BrokerMeta {
			cp.BrokerMeta[k] = v
		}
	}
	return &cp
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is an execution event reporting quantity traded at a price. Immutable.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Qty        decimal.Decimal `json:"qty"`
	Px         decimal.Decimal `json:"px"`
	Commission decimal.Decimal `json:"commission"`
	At         time.Time       `json:"at"`
	Venue      string          `json:"venue,omitempty"`
}

// OrderEvent is produced on every lifecycle transition. Append-only.
type OrderEvent struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Symbol    string            `json:"symbol"`
	OldStatus OrderStatus       `json:"old_status,omitempty"`
	NewStatus OrderStatus       `json:"new_status"`
	Qty       *decimal.Decimal  `json:"qty,omitempty"`
	Px        *decimal.Decimal  `json:"px,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	At        time.Time         `json:"at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// OrderUpdate carries the modifiable fields of a working order.
type OrderUpdate struct {
	OrderID     string           `json:"order_id"`
	AccountID   string           `json:"account_id"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	LimitPx     *decimal.Decimal `json:"limit_px,omitempty"`
	StopPx      *decimal.Decimal `json:"stop_px,omitempty"`
	TimeInForce *TimeInForce     `json:"time_in_force,omitempty"`
}

// OrderFilter narrows list queries. Zero values match everything.
type OrderFilter struct {
	AccountID string
	Symbol    string
	Status    OrderStatus
	Limit     int
}

// Matches reports whether an order passes the filter.
func (f OrderFilter) Matches(o *Order) bool {
	if f.AccountID != "" && o.AccountID != f.AccountID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}
