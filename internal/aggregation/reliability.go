package aggregation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/domain"
)

const (
	reliabilityKind    = "scanner_reliability"
	defaultReliability = 0.5
	scoreEWADecay      = 0.2
)

// ScannerRecord is the persisted reliability state for one scanner.
type ScannerRecord struct {
	ScannerID string  `json:"scanner_id"`
	Total     int     `json:"total"`
	Successes int     `json:"successes"`
	AvgScore  float64 `json:"avg_score"` // exponentially weighted
}

// Reliability blends hit rate with score quality. Unknown scanners sit at
// the neutral default.
func (r *ScannerRecord) Reliability() float64 {
	if r == nil || r.Total == 0 {
		return defaultReliability
	}
	successRate := float64(r.Successes) / float64(r.Total)
	return 0.7*successRate + 0.3*r.AvgScore/100
}

// ReliabilityTracker keeps per-scanner feedback counters in memory and
// persists snapshots through the entity store on a scheduler job.
type ReliabilityTracker struct {
	mu      sync.RWMutex
	records map[string]*ScannerRecord
	store   domain.EntityStore
	log     zerolog.Logger
}

// NewReliabilityTracker builds a tracker backed by the given store. The
// store may be nil for ephemeral use.
func NewReliabilityTracker(store domain.EntityStore, log zerolog.Logger) *ReliabilityTracker {
	return &ReliabilityTracker{
		records: make(map[string]*ScannerRecord),
		store:   store,
		log:     log.With().Str("component", "reliability").Logger(),
	}
}

// Feedback records one outcome for a scanner. Score feeds an exponentially
// weighted average so recent runs dominate.
func (t *ReliabilityTracker) Feedback(scannerID string, success bool, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[scannerID]
	if !ok {
		rec = &ScannerRecord{ScannerID: scannerID}
		t.records[scannerID] = rec
	}
	rec.Total++
	if success {
		rec.Successes++
	}
	if rec.Total == 1 {
		rec.AvgScore = score
	} else {
		rec.AvgScore = scoreEWADecay*score + (1-scoreEWADecay)*rec.AvgScore
	}
}

// Reliability returns the current reliability for a scanner.
func (t *ReliabilityTracker) Reliability(scannerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[scannerID].Reliability()
}

// Record returns a copy of a scanner's record, if any.
func (t *ReliabilityTracker) Record(scannerID string) (ScannerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[scannerID]
	if !ok {
		return ScannerRecord{}, false
	}
	return *rec, true
}

// Load restores persisted records. Called once at startup.
func (t *ReliabilityTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	ids, err := t.store.List(ctx, reliabilityKind)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		var rec ScannerRecord
		found, err := t.store.Get(ctx, reliabilityKind, id, &rec)
		if err != nil {
			return err
		}
		if found {
			copied := rec
			t.records[id] = &copied
		}
	}
	t.log.Info().Int("count", len(t.records)).Msg("Reliability records loaded")
	return nil
}

// Persist writes every record through the entity store.
func (t *ReliabilityTracker) Persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	snapshot := make([]ScannerRecord, 0, len(t.records))
	for _, rec := range t.records {
		snapshot = append(snapshot, *rec)
	}
	t.mu.RUnlock()

	for i := range snapshot {
		if err := t.store.Put(ctx, reliabilityKind, snapshot[i].ScannerID, &snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}
