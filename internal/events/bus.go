// Package events provides the in-process event bus decoupling producers
// (lifecycle, brokers, webhooks, scanner) from consumers (hub, monitors).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of event. The streaming types double as the
// wire `type` field on outbound client messages.
type EventType string

const (
	// Streamed to clients through the hub.
	PriceUpdated     EventType = "price_update"
	OrderTransition  EventType = "order_event"
	ScannerResult    EventType = "scanner_result"
	AggregatedResult EventType = "aggregated_result"
	Alert            EventType = "alert"

	// Internal only.
	WebhookReceived     EventType = "webhook_received"
	BreakerStateChanged EventType = "breaker_state_changed"
	SystemStatusChanged EventType = "system_status_changed"
)

// StreamedTypes lists the event types that fan out to streaming clients.
var StreamedTypes = []EventType{
	PriceUpdated,
	OrderTransition,
	ScannerResult,
	AggregatedResult,
	Alert,
}

// Event is the envelope carried on the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Module    string      `json:"module"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subject extracts the fan-out subject from the event payload. Typed
// payloads declare their own; map payloads use a "symbol" or "subject" key.
func (e *Event) Subject() string {
	switch d := e.Data.(type) {
	case EventData:
		return d.Subject()
	case map[string]interface{}:
		if s, ok := d["subject"].(string); ok {
			return s
		}
		if s, ok := d["symbol"].(string); ok {
			return s
		}
	}
	return ""
}

// Handler receives events for a subscribed type.
type Handler func(*Event)

// Bus is a process-wide publish/subscribe registry. Handlers run on the
// emitter's goroutine; anything slow must hand off internally.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type. Registration order is
// preserved at dispatch.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit publishes an event with a loose map payload.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.dispatch(&Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// EmitData publishes an event with a typed payload.
func (b *Bus) EmitData(module string, data EventData) {
	b.dispatch(&Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount returns the number of handlers for a type. Used by the
// status endpoint.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
