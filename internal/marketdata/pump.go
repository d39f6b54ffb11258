package marketdata

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
)

// QuotePump forwards quotes from broker streams onto the event bus, where
// the hub fans them out to subscribed clients.
type QuotePump struct {
	bus      *events.Bus
	log      zerolog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewQuotePump builds a pump publishing onto the given bus.
func NewQuotePump(bus *events.Bus, log zerolog.Logger) *QuotePump {
	return &QuotePump{
		bus:      bus,
		log:      log.With().Str("component", "quote_pump").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Attach starts forwarding a quote stream. May be called for multiple
// streams; each gets its own forwarding goroutine.
func (p *QuotePump) Attach(quotes <-chan domain.Quote) {
	p.wg.Add(1)
	go p.forward(quotes)
}

func (p *QuotePump) forward(quotes <-chan domain.Quote) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			p.bus.EmitData("marketdata", &events.QuoteData{
				Symbol:    q.Symbol,
				Bid:       q.Bid.String(),
				Ask:       q.Ask.String(),
				Last:      q.Last.String(),
				Volume:    q.Volume,
				Timestamp: q.Timestamp,
			})
		}
	}
}

// Stop terminates every forwarding goroutine and waits for them.
func (p *QuotePump) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
