package hub

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/metrics"
)

// subscriber pairs a connection with its type mask for one subject.
type subscriber struct {
	conn *Connection
	mask TypeSet
}

// Hub is the connection registry and fan-out engine. The subject index is
// copy-on-write at the subject level: mutations build a fresh slice, so
// publishers iterate a stable snapshot without holding the write lock.
type Hub struct {
	cfg   *config.HubConfig
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	index map[string][]subscriber
}

// New builds an empty hub.
func New(cfg *config.HubConfig, clk clock.Clock, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:   cfg,
		clock: clk,
		log:   log.With().Str("component", "hub").Logger(),
		conns: make(map[string]*Connection),
		index: make(map[string][]subscriber),
	}
}

// AttachBus subscribes the hub to every streamed event type; payload
// subjects drive the fan-out.
func (h *Hub) AttachBus(bus *events.Bus) {
	for _, t := range events.StreamedTypes {
		eventType := t
		bus.Subscribe(eventType, func(e *events.Event) {
			subject := e.Subject()
			if subject == "" {
				return
			}
			h.Publish(subject, eventType, e.Data)
		})
	}
}

// Register adds a connection over the given transport and starts its writer
// and heartbeat goroutines.
func (h *Hub) Register(principal string, transport Transport) *Connection {
	id := "con_" + uuid.NewString()
	conn := newConnection(id, principal, h, transport, h.log)

	h.mu.Lock()
	h.conns[id] = conn
	total := len(h.conns)
	h.mu.Unlock()

	metrics.HubConnections.Set(float64(total))
	h.log.Info().Str("connection", id).Int("total", total).Msg("Connection registered")
	return conn
}

// remove drops a connection and every subscription it held, atomically with
// respect to publishers.
func (h *Hub) remove(conn *Connection, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	conn.mu.Lock()
	subjects := make([]string, 0, len(conn.subs))
	for subject := range conn.subs {
		subjects = append(subjects, subject)
	}
	conn.mu.Unlock()
	for _, subject := range subjects {
		h.dropFromIndex(subject, conn)
	}
	total := len(h.conns)
	h.mu.Unlock()

	conn.close(reason)
	metrics.HubConnections.Set(float64(total))
	h.log.Info().Str("connection", conn.ID).Str("reason", reason).Msg("Connection removed")
}

// Remove disconnects a connection; the public form of remove.
func (h *Hub) Remove(conn *Connection, reason string) {
	h.remove(conn, reason)
}

// dropFromIndex rebuilds a subject's subscriber slice without conn. Caller
// holds h.mu.
func (h *Hub) dropFromIndex(subject string, conn *Connection) {
	current := h.index[subject]
	next := make([]subscriber, 0, len(current))
	for _, s := range current {
		if s.conn != conn {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(h.index, subject)
	} else {
		h.index[subject] = next
	}
}

// Subscribe registers (connection, subject, mask) on both planes; symbols
// and scanner ids are just subjects here.
func (h *Hub) Subscribe(conn *Connection, subjects []string, mask TypeSet) {
	h.mu.Lock()
	for _, subject := range subjects {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}

		conn.mu.Lock()
		conn.subs[subject] = mask
		conn.mu.Unlock()

		current := h.index[subject]
		next := make([]subscriber, 0, len(current)+1)
		for _, s := range current {
			if s.conn != conn {
				next = append(next, s)
			}
		}
		next = append(next, subscriber{conn: conn, mask: mask})
		h.index[subject] = next
	}
	h.mu.Unlock()
}

// Unsubscribe removes (connection, subject) pairs. Future publishes for
// those subjects no longer reach the connection.
func (h *Hub) Unsubscribe(conn *Connection, subjects []string) {
	h.mu.Lock()
	for _, subject := range subjects {
		conn.mu.Lock()
		delete(conn.subs, subject)
		conn.mu.Unlock()
		h.dropFromIndex(subject, conn)
	}
	h.mu.Unlock()
}

// Publish fans a payload out to every subscriber of subject whose mask
// admits the type. The envelope is serialized once and the bytes shared.
func (h *Hub) Publish(subject string, eventType events.EventType, payload interface{}) {
	h.mu.RLock()
	subs := h.index[subject]
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	env := &Envelope{
		Type:      string(eventType),
		Subject:   subject,
		Data:      payload,
		Timestamp: h.clock.Now(),
	}
	data, err := env.Marshal()
	if err != nil {
		h.log.Warn().Err(err).Str("subject", subject).Msg("Envelope marshal failed, dropping publish")
		return
	}

	for _, s := range subs {
		if !s.mask.Contains(eventType) {
			continue
		}
		if s.conn.enqueue(data) {
			metrics.HubDelivered.WithLabelValues(string(eventType)).Inc()
		}
	}
}

// SubscriberCount reports how many connections hold a subject. Streaming
// scanners stop their loops when it hits zero.
func (h *Hub) SubscriberCount(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.index[subject])
}

// ConnectionCount reports the registry size (status endpoint).
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleCommand executes one client command. Malformed commands produce a
// typed error message, never a disconnect.
func (h *Hub) HandleCommand(conn *Connection, cmd *Command) {
	conn.touch()
	switch cmd.Type {
	case "subscribe":
		subjects := append([]string(nil), cmd.Symbols...)
		if cmd.ScannerID != "" {
			subjects = append(subjects, cmd.ScannerID)
		}
		if len(subjects) == 0 {
			h.sendError(conn, CodeBadCommand, "subscribe requires symbols or scannerId")
			return
		}
		h.Subscribe(conn, subjects, NewTypeSet(cmd.DataTypes))
	case "unsubscribe":
		subjects := append([]string(nil), cmd.Symbols...)
		if cmd.ScannerID != "" {
			subjects = append(subjects, cmd.ScannerID)
		}
		if len(subjects) == 0 {
			h.sendError(conn, CodeBadCommand, "unsubscribe requires symbols or scannerId")
			return
		}
		h.Unsubscribe(conn, subjects)
	case "ping":
		conn.send(&Envelope{Type: "pong", Timestamp: h.clock.Now()})
	case "list":
		subjects := conn.subjects()
		sort.Strings(subjects)
		conn.send(&Envelope{Type: "list", Data: &ListPayload{Subjects: subjects}, Timestamp: h.clock.Now()})
	default:
		h.sendError(conn, CodeBadCommand, "unknown command type "+cmd.Type)
	}
}

func (h *Hub) sendError(conn *Connection, code, message string) {
	conn.send(&Envelope{
		Type:      "error",
		Data:      &ErrorPayload{Code: code, Message: message},
		Timestamp: h.clock.Now(),
	})
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.remove(c, "server shutdown")
	}
}
