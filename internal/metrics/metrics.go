// Package metrics declares the Prometheus collectors shared across
// components. A collector failure never blocks request processing; these are
// fire-and-forget counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrderTransitions counts applied lifecycle transitions by edge.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_order_transitions_total",
		Help: "Applied order lifecycle transitions",
	}, []string{"from", "to"})

	// InvalidTransitions counts rejected transition attempts by edge.
	InvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_invalid_transitions_total",
		Help: "Rejected order lifecycle transition attempts",
	}, []string{"from", "to"})

	// BrokerCalls counts adapter operations by venue, operation and outcome.
	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_broker_calls_total",
		Help: "Broker adapter calls",
	}, []string{"broker", "op", "outcome"})

	// BrokerRetries counts retry attempts by venue and error kind.
	BrokerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_broker_retries_total",
		Help: "Broker adapter retry attempts",
	}, []string{"broker", "kind"})

	// WebhooksReceived counts inbound webhooks by broker and outcome
	// (accepted, duplicate, bad_signature, bad_payload).
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_webhooks_received_total",
		Help: "Inbound broker webhooks",
	}, []string{"broker", "outcome"})

	// WebhookTransitionFailures counts lifecycle rejections during webhook
	// reconciliation; these never surface to the broker.
	WebhookTransitionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_webhook_transition_failures_total",
		Help: "Transition attempts rejected during webhook reconciliation",
	}, []string{"broker"})

	// HubConnections gauges currently registered streaming connections.
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradewire_hub_connections",
		Help: "Active streaming connections",
	})

	// HubDelivered counts messages enqueued for delivery.
	HubDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_hub_delivered_total",
		Help: "Messages enqueued to connection outbound queues",
	}, []string{"type"})

	// HubDrops counts messages dropped by reason (rate_limited, overflow,
	// disconnected).
	HubDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_hub_drops_total",
		Help: "Messages dropped before delivery",
	}, []string{"reason"})

	// ScanRuns counts scan executions by cache outcome (hit, miss, forced).
	ScanRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_scan_runs_total",
		Help: "Scanner engine runs",
	}, []string{"cache"})

	// ScanFetchFailures counts per-symbol snapshot fetch failures.
	ScanFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradewire_scan_fetch_failures_total",
		Help: "Snapshot fetches dropped from scan runs",
	})

	// IdempotencyChecks counts idempotency lookups by outcome.
	IdempotencyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_idempotency_checks_total",
		Help: "Idempotency store lookups",
	}, []string{"outcome"})

	// BreakerTrips counts adapter circuit breaker openings.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewire_breaker_trips_total",
		Help: "Broker adapter circuit breaker openings",
	}, []string{"broker"})
)
