// Package alpaca implements the Alpaca-style REST venue: bearer-style
// header pair, JSON order resources, HMAC-signed webhooks.
package alpaca

import (
	"github.com/aristath/tradewire/internal/domain"
)

// statusMap normalizes venue order statuses. Both spellings of cancellation
// collapse to canceled at this boundary.
var statusMap = map[string]domain.OrderStatus{
	"new":              domain.StatusSubmitted,
	"pending_new":      domain.StatusSubmitted,
	"accepted":         domain.StatusAccepted,
	"partially_filled": domain.StatusPartiallyFilled,
	"filled":           domain.StatusFilled,
	"canceled":         domain.StatusCanceled,
	"cancelled":        domain.StatusCanceled,
	"pending_cancel":   domain.StatusAccepted,
	"done_for_day":     domain.StatusExpired,
	"expired":          domain.StatusExpired,
	"rejected":         domain.StatusRejected,
	"suspended":        domain.StatusAccepted,
	"stopped":          domain.StatusAccepted,
	"replaced":         domain.StatusAccepted,
}

// NormalizeStatus maps a venue status string to the lifecycle status.
func NormalizeStatus(s string) (domain.OrderStatus, bool) {
	out, ok := statusMap[s]
	return out, ok
}

// Bidirectional TIF table.
var tifToVenue = map[domain.TimeInForce]string{
	domain.TIFDay: "day",
	domain.TIFGTC: "gtc",
	domain.TIFIOC: "ioc",
	domain.TIFFOK: "fok",
}

var tifFromVenue = map[string]domain.TimeInForce{
	"day": domain.TIFDay,
	"gtc": domain.TIFGTC,
	"ioc": domain.TIFIOC,
	"fok": domain.TIFFOK,
}

// Bidirectional order-type table.
var typeToVenue = map[domain.OrderType]string{
	domain.TypeMarket:       "market",
	domain.TypeLimit:        "limit",
	domain.TypeStop:         "stop",
	domain.TypeStopLimit:    "stop_limit",
	domain.TypeTrailingStop: "trailing_stop",
}

var typeFromVenue = map[string]domain.OrderType{
	"market":        domain.TypeMarket,
	"limit":         domain.TypeLimit,
	"stop":          domain.TypeStop,
	"stop_limit":    domain.TypeStopLimit,
	"trailing_stop": domain.TypeTrailingStop,
}
