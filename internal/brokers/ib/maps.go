package ib

import "github.com/aristath/tradewire/internal/domain"

// statusMap normalizes gateway statuses. The gateway mixes both spellings
// of cancellation; both land on canceled.
var statusMap = map[string]domain.OrderStatus{
	"PendingSubmit": domain.StatusSubmitted,
	"PreSubmitted":  domain.StatusSubmitted,
	"Submitted":     domain.StatusAccepted,
	"Filled":        domain.StatusFilled,
	"PartialFill":   domain.StatusPartiallyFilled,
	"PendingCancel": domain.StatusAccepted,
	"Cancelled":     domain.StatusCanceled,
	"Canceled":      domain.StatusCanceled,
	"ApiCancelled":  domain.StatusCanceled,
	"Inactive":      domain.StatusRejected,
	"Rejected":      domain.StatusRejected,
	"Expired":       domain.StatusExpired,
}

// NormalizeStatus maps a gateway status string to the lifecycle status.
func NormalizeStatus(s string) (domain.OrderStatus, bool) {
	out, ok := statusMap[s]
	return out, ok
}

var typeToGateway = map[domain.OrderType]string{
	domain.TypeMarket:       "MKT",
	domain.TypeLimit:        "LMT",
	domain.TypeStop:         "STP",
	domain.TypeStopLimit:    "STP_LMT",
	domain.TypeTrailingStop: "TRAIL",
}

var typeFromGateway = map[string]domain.OrderType{
	"MKT":     domain.TypeMarket,
	"LMT":     domain.TypeLimit,
	"STP":     domain.TypeStop,
	"STP_LMT": domain.TypeStopLimit,
	"TRAIL":   domain.TypeTrailingStop,
}

var tifToGateway = map[domain.TimeInForce]string{
	domain.TIFDay: "DAY",
	domain.TIFGTC: "GTC",
	domain.TIFIOC: "IOC",
	domain.TIFFOK: "FOK",
}

var tifFromGateway = map[string]domain.TimeInForce{
	"DAY": domain.TIFDay,
	"GTC": domain.TIFGTC,
	"IOC": domain.TIFIOC,
	"FOK": domain.TIFFOK,
}
