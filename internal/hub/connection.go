package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/tradewire/internal/metrics"
)

// Transport is the wire a connection writes to. The WebSocket transport is
// the production one; tests plug in a recorder.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Stats is a connection's delivery accounting.
type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Delivered    int64 `json:"delivered"`
	DroppedRate  int64 `json:"dropped_rate"`
	DroppedQueue int64 `json:"dropped_queue"`
}

// Connection is one streaming client: its subscriptions, its bounded
// outbound queue and the single writer goroutine that drains it, which is
// what preserves per-subject delivery order.
type Connection struct {
	ID        string
	Principal string // user id, empty on unauthenticated streams

	hub       *Hub
	transport Transport
	limiter   *rate.Limiter
	overflow  string

	queue chan []byte

	mu       sync.Mutex
	subs     map[string]TypeSet
	lastSeen time.Time
	stats    Stats
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
	log    zerolog.Logger
}

func newConnection(id, principal string, hub *Hub, transport Transport, log zerolog.Logger) *Connection {
	perSecond := hub.cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 100
	}
	queueSize := hub.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        id,
		Principal: principal,
		hub:       hub,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
		overflow:  hub.cfg.OverflowPolicy,
		queue:     make(chan []byte, queueSize),
		subs:      make(map[string]TypeSet),
		lastSeen:  hub.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		log:       log.With().Str("component", "hub").Str("connection", id).Logger(),
	}
	go c.writeLoop(ctx)
	go c.heartbeatLoop(ctx)
	return c
}

// enqueue applies the rate ceiling and overflow policy, then queues the
// serialized message. Returns false when the message was dropped.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if !c.limiter.Allow() {
		c.stats.DroppedRate++
		c.mu.Unlock()
		metrics.HubDrops.WithLabelValues("rate_limited").Inc()
		return false
	}
	c.mu.Unlock()

	for {
		select {
		case c.queue <- data:
			c.mu.Lock()
			c.stats.Enqueued++
			c.mu.Unlock()
			return true
		default:
		}

		if c.overflow == OverflowDisconnect {
			metrics.HubDrops.WithLabelValues("overflow").Inc()
			c.log.Warn().Msg("Outbound queue full, disconnecting per policy")
			c.hub.remove(c, "outbound queue overflow")
			return false
		}

		// dropOldest: evict the head and retry the enqueue.
		select {
		case <-c.queue:
			c.mu.Lock()
			c.stats.DroppedQueue++
			c.mu.Unlock()
			metrics.HubDrops.WithLabelValues("overflow").Inc()
		default:
		}
	}
}

// writeLoop is the single consumer of the queue.
func (c *Connection) writeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.queue:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.transport.Write(writeCtx, data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("Write failed, removing connection")
				c.hub.remove(c, "write failure")
				return
			}
			c.mu.Lock()
			c.stats.Delivered++
			c.mu.Unlock()
		}
	}
}

// heartbeatLoop emits pings and terminates the connection when the client
// goes silent for two intervals.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	interval := c.hub.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := c.hub.clock.Now().Sub(c.lastSeen) > 2*interval
			c.mu.Unlock()
			if silent {
				c.log.Info().Msg("Missed heartbeats, terminating connection")
				c.hub.remove(c, "missed heartbeats")
				return
			}
			c.send(&Envelope{Type: "ping", Timestamp: c.hub.clock.Now()})
		}
	}
}

// send serializes and enqueues a control envelope for this connection only.
func (c *Connection) send(env *Envelope) {
	data, err := env.Marshal()
	if err != nil {
		c.log.Warn().Err(err).Msg("Envelope marshal failed")
		return
	}
	c.enqueue(data)
}

// touch records client liveness (any inbound frame counts).
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = c.hub.clock.Now()
	c.mu.Unlock()
}

// subjects lists the connection's current subscriptions, for list replies.
func (c *Connection) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Stats returns a copy of the connection's delivery accounting.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// close stops the goroutines; the hub calls it with the registry lock
// already released.
func (c *Connection) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.transport.Close(reason)
}
