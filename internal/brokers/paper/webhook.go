package paper

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
)

// payload is the paper venue's webhook shape: one or more events for one
// order, in venue order. Development tooling posts these by hand.
type payload struct {
	WebhookID string  `json:"webhook_id,omitempty"`
	Events    []event `json:"events"`
}

type event struct {
	OrderID       string  `json:"order_id,omitempty"`
	BrokerOrderID string  `json:"broker_order_id,omitempty"`
	Status        string  `json:"status"`
	Qty           *string `json:"qty,omitempty"`
	Px            *string `json:"px,omitempty"`
	Commission    *string `json:"commission,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	At            string  `json:"at,omitempty"`
}

// HandleWebhook translates a paper payload into ordered intents.
func (a *Adapter) HandleWebhook(body []byte, headers http.Header) ([]brokers.TransitionIntent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domain.NewBrokerError(domain.ErrValidation, "malformed paper webhook payload", err)
	}
	if len(p.Events) == 0 {
		return nil, domain.Errorf(domain.ErrValidation, "paper webhook payload carries no events")
	}

	intents := make([]brokers.TransitionIntent, 0, len(p.Events))
	for _, ev := range p.Events {
		status := domain.OrderStatus(ev.Status)
		switch status {
		case domain.StatusSubmitted, domain.StatusAccepted, domain.StatusPartiallyFilled,
			domain.StatusFilled, domain.StatusCanceled, domain.StatusRejected, domain.StatusExpired:
		default:
			return nil, domain.Errorf(domain.ErrValidation, "unknown paper order status %q", ev.Status)
		}

		intent := brokers.TransitionIntent{
			OrderID:       ev.OrderID,
			BrokerOrderID: ev.BrokerOrderID,
			Target:        status,
			Reason:        ev.Reason,
			At:            a.Clock().Now(),
		}
		if ev.At != "" {
			if t, err := time.Parse(time.RFC3339, ev.At); err == nil {
				intent.At = t
			}
		}
		var err error
		if intent.Qty, err = parseDecimal(ev.Qty); err != nil {
			return nil, domain.NewBrokerError(domain.ErrValidation, "bad qty in paper webhook", err)
		}
		if intent.Px, err = parseDecimal(ev.Px); err != nil {
			return nil, domain.NewBrokerError(domain.ErrValidation, "bad px in paper webhook", err)
		}
		if intent.Commission, err = parseDecimal(ev.Commission); err != nil {
			return nil, domain.NewBrokerError(domain.ErrValidation, "bad commission in paper webhook", err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
