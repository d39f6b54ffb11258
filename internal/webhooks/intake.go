// Package webhooks is the single door venue status changes enter through:
// signature check, dedup, translation to transition intents, and ordered
// application to the order lifecycle.
package webhooks

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
	"github.com/aristath/tradewire/internal/metrics"
)

// IDHeader optionally carries a broker-assigned webhook id; payloads without
// one dedup on the body hash.
const IDHeader = "X-Webhook-Id"

// dedupTTL bounds how long a webhook id is remembered. Venue redeliveries
// arrive within minutes; a day is comfortable.
const dedupTTL = 24 * time.Hour

// Intake verifies, deduplicates and applies inbound broker callbacks. It is
// also the IntentSink the paper venue delivers its simulated fills through,
// so reconciliation logic exists exactly once.
type Intake struct {
	registry *brokers.Registry
	engine   *lifecycle.Engine
	bus      *events.Bus
	seen     *cache.Cache
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// New builds the intake.
func New(registry *brokers.Registry, engine *lifecycle.Engine, bus *events.Bus, log zerolog.Logger) *Intake {
	return &Intake{
		registry: registry,
		engine:   engine,
		bus:      bus,
		seen:     cache.New(dedupTTL, time.Hour),
		log:      log.With().Str("component", "webhooks").Logger(),
	}
}

// Process handles one inbound webhook. It returns once signature and dedup
// have passed; translation and application run on a worker goroutine, so the
// broker gets its acknowledgment immediately. At-least-once delivery plus
// the dedup set yields at-most-once application.
func (in *Intake) Process(kind brokers.Kind, body []byte, headers http.Header) error {
	adapter, err := in.registry.Get(kind)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(kind), "unknown_broker").Inc()
		return err
	}

	if err := adapter.VerifySignature(body, headers); err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(kind), "bad_signature").Inc()
		in.log.Error().Err(err).Str("broker", string(kind)).Msg("Webhook signature rejected")
		in.bus.EmitData("webhooks", &events.AlertData{
			Severity: "critical",
			Source:   "webhooks",
			Message:  "webhook signature rejected for broker " + string(kind),
		})
		return err
	}

	webhookID := headers.Get(IDHeader)
	if webhookID == "" {
		webhookID = idempotency.HashBytes(body)
	}
	if err := in.seen.Add(string(kind)+"|"+webhookID, struct{}{}, dedupTTL); err != nil {
		// Already seen: acknowledge and do nothing.
		metrics.WebhooksReceived.WithLabelValues(string(kind), "duplicate").Inc()
		in.log.Debug().Str("broker", string(kind)).Str("webhook_id", webhookID).Msg("Duplicate webhook ignored")
		return nil
	}

	intents, err := adapter.HandleWebhook(body, headers)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(kind), "bad_payload").Inc()
		// Forget the id so a corrected redelivery is not treated as a dup.
		in.seen.Delete(string(kind) + "|" + webhookID)
		return err
	}

	metrics.WebhooksReceived.WithLabelValues(string(kind), "accepted").Inc()
	if len(intents) == 0 {
		return nil
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.apply(kind, intents)
	}()
	return nil
}

// Deliver implements brokers.IntentSink for in-process venues.
func (in *Intake) Deliver(kind brokers.Kind, intents []brokers.TransitionIntent) {
	in.apply(kind, intents)
}

// apply feeds intents to the lifecycle in payload order. Invalid transitions
// and unknown orders are logged and counted, never surfaced: venues redeliver
// and reorder, and the lifecycle's declared-edge check is the arbiter.
func (in *Intake) apply(kind brokers.Kind, intents []brokers.TransitionIntent) {
	ctx := context.Background()
	for _, intent := range intents {
		orderID := intent.OrderID
		if orderID == "" {
			order, err := in.engine.GetByBrokerID(ctx, string(kind), intent.BrokerOrderID)
			if err != nil {
				metrics.WebhookTransitionFailures.WithLabelValues(string(kind)).Inc()
				in.log.Warn().
					Str("broker", string(kind)).
					Str("broker_order_id", intent.BrokerOrderID).
					Msg("Webhook references unknown order")
				continue
			}
			orderID = order.ID
		}

		meta := map[string]string{"broker": string(kind)}
		if intent.BrokerOrderID != "" {
			meta["broker_order_id"] = intent.BrokerOrderID
		}

		_, _, err := in.engine.Apply(ctx, lifecycle.Attempt{
			OrderID:    orderID,
			Target:     intent.Target,
			Qty:        intent.Qty,
			Px:         intent.Px,
			Commission: intent.Commission,
			Reason:     intent.Reason,
			Meta:       meta,
		})
		if err != nil {
			var ite *lifecycle.InvalidTransitionError
			switch {
			case errors.As(err, &ite):
				metrics.WebhookTransitionFailures.WithLabelValues(string(kind)).Inc()
				in.log.Debug().
					Str("order_id", orderID).
					Str("from", string(ite.From)).
					Str("to", string(ite.To)).
					Msg("Webhook transition not applicable, consumed")
			case errors.Is(err, lifecycle.ErrOrderNotFound):
				metrics.WebhookTransitionFailures.WithLabelValues(string(kind)).Inc()
				in.log.Warn().Str("order_id", orderID).Msg("Webhook references unknown order")
			default:
				metrics.WebhookTransitionFailures.WithLabelValues(string(kind)).Inc()
				in.log.Error().Err(err).Str("order_id", orderID).Msg("Webhook transition failed")
			}
		}
	}
}

// Sweep drops expired dedup entries; wired as a scheduler job.
func (in *Intake) Sweep() int {
	before := in.seen.ItemCount()
	in.seen.DeleteExpired()
	return before - in.seen.ItemCount()
}

// Drain waits for in-flight webhook applications; called at shutdown.
func (in *Intake) Drain() {
	in.wg.Wait()
}
