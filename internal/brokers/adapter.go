// Package brokers defines the adapter contract every venue implements, the
// shared base (rate limiting, retry, caches, validation, quarantine) and the
// registry the rest of the system looks adapters up in.
package brokers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/domain"
)

// Kind identifies a broker back-end.
type Kind string

const (
	KindPaper  Kind = "paper"
	KindAlpaca Kind = "alpaca"
	KindIB     Kind = "ib"
)

// Valid reports whether the kind is a known venue.
func (k Kind) Valid() bool {
	return k == KindPaper || k == KindAlpaca || k == KindIB
}

// ErrNotSupported is returned by optional operations an adapter does not
// implement (quote streaming on venues without a feed).
var ErrNotSupported = errors.New("operation not supported by this broker")

// TransitionIntent is one status change a venue reported, normalized and
// ordered. The webhook intake resolves the order and drives the lifecycle;
// adapters never touch the order table themselves.
type TransitionIntent struct {
	OrderID       string // local id when the venue echoes it back
	BrokerOrderID string // venue-native id, resolved through the lifecycle index
	Target        domain.OrderStatus
	Qty           *decimal.Decimal
	Px            *decimal.Decimal
	Commission    *decimal.Decimal
	Reason        string
	At            time.Time
}

// IntentSink receives ordered transition intents. The webhook intake is the
// production sink; the paper venue delivers its simulated fills through the
// same path so reconciliation has a single door.
type IntentSink interface {
	Deliver(broker Kind, intents []TransitionIntent)
}

// Adapter is the closed operation set every venue implements. All failures
// are *domain.BrokerError with the closed taxonomy; callers branch on
// errors.As, never on venue-specific strings.
type Adapter interface {
	Kind() Kind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	MarketOpen(ctx context.Context) (bool, error)

	Place(ctx context.Context, order *domain.Order) (*domain.Order, error)
	Cancel(ctx context.Context, orderID string) (*domain.Order, error)
	Modify(ctx context.Context, update domain.OrderUpdate) (*domain.Order, error)
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)

	Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error)
	Account(ctx context.Context, accountID string) (*domain.Account, error)

	// StreamQuotes returns ErrNotSupported on venues without a feed.
	StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error)

	// VerifySignature authenticates an inbound webhook before parsing.
	VerifySignature(body []byte, headers http.Header) error
	// HandleWebhook translates a verified payload into ordered intents.
	HandleWebhook(body []byte, headers http.Header) ([]TransitionIntent, error)
}
