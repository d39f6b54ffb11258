package brokers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/metrics"
)

const maxAttempts = 3

// Base carries the mechanisms every adapter shares: the per-minute token
// bucket, retry with backoff, the 30s entity caches, pre-submit validation
// and the circuit breaker that quarantines a misbehaving venue. Adapters
// embed it and route venue calls through Call.
type Base struct {
	kind    Kind
	cfg     *config.BrokerConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	orderCache    *cache.Cache // orderID -> *domain.Order
	positionCache *cache.Cache // symbol -> domain.Position
	accountCache  *cache.Cache // single slot under accountKey

	clock  clock.Clock
	minter clock.Minter
	log    zerolog.Logger

	mu        sync.Mutex
	connected bool
	alerts    AlertFunc
}

// AlertFunc receives operational alerts raised by the shared mechanics,
// currently breaker-open quarantines.
type AlertFunc func(severity, message string)

const accountKey = "account"

// NewBase builds the shared mechanics for one adapter.
func NewBase(kind Kind, cfg *config.BrokerConfig, clk clock.Clock, minter clock.Minter, log zerolog.Logger) *Base {
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 200
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	b := &Base{
		kind:          kind,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		orderCache:    cache.New(ttl, 2*ttl),
		positionCache: cache.New(ttl, 2*ttl),
		accountCache:  cache.New(ttl, 2*ttl),
		clock:         clk,
		minter:        minter,
		log:           log.With().Str("component", "broker").Str("broker", string(kind)).Logger(),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: string(kind),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerTrips.WithLabelValues(name).Inc()
				b.log.Error().Str("from", from.String()).Msg("Circuit breaker opened, venue quarantined")
				b.mu.Lock()
				alert := b.alerts
				b.mu.Unlock()
				if alert != nil {
					alert("critical", "venue "+name+" quarantined by circuit breaker")
				}
			} else {
				b.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			}
		},
	})
	return b
}

// Kind returns the venue this base serves.
func (b *Base) Kind() Kind { return b.kind }

// Log returns the adapter's component logger.
func (b *Base) Log() zerolog.Logger { return b.log }

// Clock returns the injected time source.
func (b *Base) Clock() clock.Clock { return b.clock }

// Minter returns the injected id minter.
func (b *Base) Minter() clock.Minter { return b.minter }

// SetAlertFunc installs the alert callback. Install before serving traffic.
func (b *Base) SetAlertFunc(fn AlertFunc) {
	b.mu.Lock()
	b.alerts = fn
	b.mu.Unlock()
}

// SetConnected records the session state; Connected reads it.
func (b *Base) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Connected reports whether a session is established.
func (b *Base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Call runs one venue operation with the shared policy: token bucket first
// (an empty bucket returns RateLimit without touching the venue), then the
// breaker, then up to three attempts with jittered exponential backoff on
// retryable kinds. Each attempt gets its own deadline.
func (b *Base) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !b.limiter.Allow() {
		metrics.BrokerCalls.WithLabelValues(string(b.kind), op, "rate_limited").Inc()
		return domain.Errorf(domain.ErrRateLimit, "%s rate limit exhausted", b.kind)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Business rejections (Validation, InsufficientFunds, ...) ride out
		// of the breaker as values so only venue-level failures trip it.
		res, err := b.breaker.Execute(func() (interface{}, error) {
			callCtx := ctx
			if b.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
				defer cancel()
			}
			callErr := fn(callCtx)
			if be, ok := callErr.(*domain.BrokerError); ok && !quarantines(be.Kind) {
				return be, nil
			}
			return nil, callErr
		})
		if err == nil && res == nil {
			metrics.BrokerCalls.WithLabelValues(string(b.kind), op, "ok").Inc()
			return nil
		}
		if err == nil {
			err = res.(*domain.BrokerError)
		}

		lastErr = b.normalize(err)
		be, _ := lastErr.(*domain.BrokerError)
		if be == nil || !be.Kind.Retryable() || attempt == maxAttempts {
			break
		}

		metrics.BrokerRetries.WithLabelValues(string(b.kind), string(be.Kind)).Inc()
		delay := b.backoff(attempt, be.RetryAfter)
		b.log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", string(be.Kind)).
			Msg("Retrying venue call")

		select {
		case <-ctx.Done():
			return domain.NewBrokerError(domain.ErrConnection, "call canceled during backoff", ctx.Err())
		case <-time.After(delay):
		}
	}

	metrics.BrokerCalls.WithLabelValues(string(b.kind), op, "error").Inc()
	return lastErr
}

// quarantines reports whether a failure kind counts against the breaker.
func quarantines(k domain.ErrorKind) bool {
	return k == domain.ErrInternal || k == domain.ErrConnection
}

// normalize maps breaker and context failures into the taxonomy; anything
// already a *BrokerError passes through.
func (b *Base) normalize(err error) error {
	if be, ok := err.(*domain.BrokerError); ok {
		return be
	}
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		be := domain.NewBrokerError(domain.ErrInternal, "venue quarantined by circuit breaker", err)
		be.Reference = b.minter.NewID(clock.PrefixReference)
		return be
	case context.DeadlineExceeded:
		return domain.NewBrokerError(domain.ErrConnection, "venue call timed out", err)
	}
	return domain.NewBrokerError(domain.ErrConnection, "venue call failed", err)
}

// backoff computes base·2^(attempt-1) with ±25% jitter, capped at RetryMax.
// A venue Retry-After hint wins when longer.
func (b *Base) backoff(attempt int, hint time.Duration) time.Duration {
	base := b.cfg.RetryBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base << (attempt - 1)
	jitter := time.Duration((rand.Float64() - 0.5) * 0.5 * float64(d))
	d += jitter
	if max := b.cfg.RetryMax; max > 0 && d > max {
		d = max
	}
	if hint > d {
		d = hint
	}
	return d
}

// CachedOrder returns the cached copy of an order, if fresh.
func (b *Base) CachedOrder(orderID string) (*domain.Order, bool) {
	if v, ok := b.orderCache.Get(orderID); ok {
		return v.(*domain.Order).Clone(), true
	}
	return nil, false
}

// StoreOrder caches an order snapshot under its id.
func (b *Base) StoreOrder(order *domain.Order) {
	b.orderCache.SetDefault(order.ID, order.Clone())
}

// InvalidateOrder drops an order from the cache (mutation or webhook touch).
func (b *Base) InvalidateOrder(orderID string) {
	b.orderCache.Delete(orderID)
}

// CachedPositions returns all cached positions, if the cache holds any.
func (b *Base) CachedPositions() ([]domain.Position, bool) {
	items := b.positionCache.Items()
	if len(items) == 0 {
		return nil, false
	}
	out := make([]domain.Position, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(domain.Position))
	}
	return out, true
}

// StorePositions replaces the cached position set.
func (b *Base) StorePositions(positions []domain.Position) {
	b.positionCache.Flush()
	for _, p := range positions {
		b.positionCache.SetDefault(p.Symbol, p)
	}
}

// InvalidatePositions drops every cached position.
func (b *Base) InvalidatePositions() {
	b.positionCache.Flush()
}

// CachedAccount returns the cached account snapshot, if fresh.
func (b *Base) CachedAccount() (*domain.Account, bool) {
	if v, ok := b.accountCache.Get(accountKey); ok {
		acct := v.(domain.Account)
		return &acct, true
	}
	return nil, false
}

// StoreAccount caches the account snapshot.
func (b *Base) StoreAccount(acct *domain.Account) {
	b.accountCache.SetDefault(accountKey, *acct)
}

// InvalidateAccount drops the cached account snapshot.
func (b *Base) InvalidateAccount() {
	b.accountCache.Delete(accountKey)
}
