package alpaca

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// VerifySignature checks the HMAC in constant time. An unconfigured secret
// rejects everything; signing is not optional on this venue.
func (a *Adapter) VerifySignature(body []byte, headers http.Header) error {
	if a.cfg.WebhookSecret == "" {
		return domain.Errorf(domain.ErrAuthentication, "webhook secret not configured")
	}
	sig := headers.Get(SignatureHeader)
	if sig == "" {
		return domain.Errorf(domain.ErrAuthentication, "missing webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return domain.Errorf(domain.ErrAuthentication, "webhook signature mismatch")
	}
	return nil
}

// tradeUpdate is the venue's webhook payload: one execution event wrapping
// the order resource it touched.
type tradeUpdate struct {
	Event     string     `json:"event"`
	Timestamp string     `json:"timestamp"`
	Price     *string    `json:"price,omitempty"`
	Qty       *string    `json:"qty,omitempty"`
	Order     venueOrder `json:"order"`
}

// eventMap translates execution events to lifecycle targets. Events absent
// here fall back to the order resource's status.
var eventMap = map[string]domain.OrderStatus{
	"new":                   domain.StatusAccepted,
	"accepted":              domain.StatusAccepted,
	"fill":                  domain.StatusFilled,
	"partial_fill":          domain.StatusPartiallyFilled,
	"canceled":              domain.StatusCanceled,
	"cancelled":             domain.StatusCanceled,
	"expired":               domain.StatusExpired,
	"done_for_day":          domain.StatusExpired,
	"rejected":              domain.StatusRejected,
	"order_cancel_rejected": "",
}

// HandleWebhook translates one verified trade update into intents.
func (a *Adapter) HandleWebhook(body []byte, headers http.Header) ([]brokers.TransitionIntent, error) {
	var tu tradeUpdate
	if err := json.Unmarshal(body, &tu); err != nil {
		return nil, domain.NewBrokerError(domain.ErrValidation, "malformed trade update payload", err)
	}

	target, known := eventMap[tu.Event]
	if !known {
		status, ok := NormalizeStatus(tu.Order.Status)
		if !ok {
			return nil, domain.Errorf(domain.ErrValidation, "unmapped trade update event %q", tu.Event)
		}
		target = status
	}
	if target == "" {
		// Informational event with no lifecycle consequence.
		return nil, nil
	}

	intent := brokers.TransitionIntent{
		OrderID:       tu.Order.ClientOrderID,
		BrokerOrderID: tu.Order.ID,
		Target:        target,
		Reason:        tu.Event,
		At:            a.Clock().Now(),
	}
	if tu.Qty != nil {
		if q, err := decimal.NewFromString(*tu.Qty); err == nil {
			intent.Qty = &q
		}
	}
	if tu.Price != nil {
		if p, err := decimal.NewFromString(*tu.Price); err == nil {
			intent.Px = &p
		}
	}

	a.InvalidateOrder(tu.Order.ID)
	a.InvalidatePositions()
	a.InvalidateAccount()
	return []brokers.TransitionIntent{intent}, nil
}
