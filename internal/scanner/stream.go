package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
)

// streamMinInterval and streamMaxInterval clamp the re-run cadence.
const (
	streamMinInterval = 30 * time.Second
	streamMaxInterval = 3600 * time.Second
)

// Presence reports how many live subscribers a stream subject has. The hub
// satisfies this; streams with nobody listening wind themselves down.
type Presence interface {
	SubscriberCount(subject string) int
}

// SetPresence wires the subscriber-count source used to stop idle streams.
func (e *Engine) SetPresence(p Presence) {
	e.mu.Lock()
	e.presence = p
	e.mu.Unlock()
}

type stream struct {
	id       string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *stream) stop() {
	s.cancel()
	<-s.done
}

// Subscribe starts (or replaces) an interval stream for a scanner id. Each
// tick forces a fresh run and publishes the delta against the previous one.
// The stream stops itself after two consecutive ticks with no subscribers.
func (e *Engine) Subscribe(scannerID string, cfg *domain.ScannerConfig, intervalSec int) {
	interval := time.Duration(intervalSec) * time.Second
	if interval < streamMinInterval {
		interval = streamMinInterval
	}
	if interval > streamMaxInterval {
		interval = streamMaxInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{id: scannerID, interval: interval, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if prev, ok := e.streams[scannerID]; ok {
		e.mu.Unlock()
		prev.stop()
		e.mu.Lock()
	}
	e.streams[scannerID] = s
	e.mu.Unlock()

	go e.runStream(ctx, s, cfg)
	e.log.Info().
		Str("scanner_id", scannerID).
		Dur("interval", interval).
		Msg("Scanner stream started")
}

// Unsubscribe stops a stream if one is running.
func (e *Engine) Unsubscribe(scannerID string) {
	e.mu.Lock()
	s, ok := e.streams[scannerID]
	if ok {
		delete(e.streams, scannerID)
	}
	e.mu.Unlock()
	if ok {
		s.stop()
	}
}

func (e *Engine) runStream(ctx context.Context, s *stream, cfg *domain.ScannerConfig) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var prevScores map[string]float64
	idleTicks := 0

	run := func() bool {
		forced := *cfg
		forced.Force = true

		runCtx, cancel := context.WithTimeout(ctx, s.interval)
		resp, err := e.Run(runCtx, &forced)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Str("scanner_id", s.id).Msg("Stream run failed")
			return true
		}

		scores := make(map[string]float64, len(resp.Results))
		for _, r := range resp.Results {
			scores[r.Symbol] = r.MatchScore
		}
		e.publishDelta(s.id, resp.ConfigHash, prevScores, scores, resp.TotalMatches, resp.At)
		prevScores = scores

		e.mu.Lock()
		presence := e.presence
		e.mu.Unlock()
		if presence == nil {
			return true
		}
		if presence.SubscriberCount(s.id) == 0 {
			idleTicks++
			if idleTicks >= 2 {
				e.log.Info().Str("scanner_id", s.id).Msg("Scanner stream idle, stopping")
				return false
			}
		} else {
			idleTicks = 0
		}
		return true
	}

	if !run() {
		e.dropStream(s)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !run() {
				e.dropStream(s)
				return
			}
		}
	}
}

// dropStream removes a self-terminating stream from the registry.
func (e *Engine) dropStream(s *stream) {
	e.mu.Lock()
	if cur, ok := e.streams[s.id]; ok && cur == s {
		delete(e.streams, s.id)
	}
	e.mu.Unlock()
}

// publishDelta emits what changed between consecutive runs. The first run
// reports every match as added.
func (e *Engine) publishDelta(scannerID, configHash string, prev, cur map[string]float64, totalMatches int, runAt time.Time) {
	var added, removed []string
	changes := make(map[string]float64)

	for sym, score := range cur {
		old, ok := prev[sym]
		if !ok {
			added = append(added, sym)
		} else if old != score {
			changes[sym] = score
		}
	}
	for sym := range prev {
		if _, ok := cur[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	if len(changes) == 0 {
		changes = nil
	}

	e.bus.EmitData("scanner", &events.ScannerDeltaData{
		ScannerID:    scannerID,
		ConfigHash:   configHash,
		Added:        added,
		Removed:      removed,
		ScoreChanges: changes,
		TotalMatches: totalMatches,
		RunAt:        runAt,
	})
}
