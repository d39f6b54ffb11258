package brokers

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/domain"
)

// ValidateOrder runs the shared pre-submit checks. Every adapter calls it
// before touching its venue; failures are Validation errors except the
// notional cap, which callers surface verbatim.
func (b *Base) ValidateOrder(order *domain.Order, refPx decimal.Decimal) error {
	if order.Symbol == "" {
		return domain.Errorf(domain.ErrValidation, "symbol is required")
	}
	if !order.Side.Valid() {
		return domain.Errorf(domain.ErrValidation, "invalid side %q", order.Side)
	}
	if !order.Type.Valid() {
		return domain.Errorf(domain.ErrValidation, "invalid order type %q", order.Type)
	}
	if !order.TimeInForce.Valid() {
		return domain.Errorf(domain.ErrValidation, "invalid time in force %q", order.TimeInForce)
	}
	if order.Qty.LessThanOrEqual(decimal.Zero) {
		return domain.Errorf(domain.ErrValidation, "quantity must be positive, got %s", order.Qty)
	}

	if order.LimitPx != nil && order.LimitPx.LessThanOrEqual(decimal.Zero) {
		return domain.Errorf(domain.ErrValidation, "limit price must be positive, got %s", order.LimitPx)
	}
	if order.StopPx != nil && order.StopPx.LessThanOrEqual(decimal.Zero) {
		return domain.Errorf(domain.ErrValidation, "stop price must be positive, got %s", order.StopPx)
	}

	switch order.Type {
	case domain.TypeLimit:
		if order.LimitPx == nil {
			return domain.Errorf(domain.ErrValidation, "limit orders require a limit price")
		}
	case domain.TypeStop:
		if order.StopPx == nil {
			return domain.Errorf(domain.ErrValidation, "stop orders require a stop price")
		}
	case domain.TypeStopLimit:
		if order.LimitPx == nil || order.StopPx == nil {
			return domain.Errorf(domain.ErrValidation, "stop-limit orders require both stop and limit prices")
		}
	case domain.TypeTrailingStop:
		if order.TrailAmt == nil && order.TrailPct == nil {
			return domain.Errorf(domain.ErrValidation, "trailing-stop orders require a trail amount or percent")
		}
	}

	if len(b.cfg.SymbolAllowlist) > 0 {
		allowed := false
		for _, sym := range b.cfg.SymbolAllowlist {
			if sym == order.Symbol {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Errorf(domain.ErrValidation, "symbol %s is not on the allow-list", order.Symbol)
		}
	}

	if b.cfg.MaxOrderAmount > 0 {
		notional := b.estimateNotional(order, refPx)
		ceiling := decimal.NewFromFloat(b.cfg.MaxOrderAmount)
		if notional.GreaterThan(ceiling) {
			return domain.Errorf(domain.ErrValidation,
				"estimated notional %s exceeds the maximum order amount %s", notional, ceiling)
		}
	}

	return nil
}

// estimateNotional prices the order for the notional cap: the limit price
// when set, the stop price for stop orders, otherwise the supplied reference
// price. A zero reference skips the check.
func (b *Base) estimateNotional(order *domain.Order, refPx decimal.Decimal) decimal.Decimal {
	px := refPx
	if order.LimitPx != nil {
		px = *order.LimitPx
	} else if order.StopPx != nil {
		px = *order.StopPx
	}
	return order.Qty.Mul(px)
}
