package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/store"
)

func TestReliabilityDefaultsForUnknownScanner(t *testing.T) {
	tracker := NewReliabilityTracker(nil, zerolog.Nop())
	assert.InDelta(t, 0.5, tracker.Reliability("never-seen"), 0.001)

	_, ok := tracker.Record("never-seen")
	assert.False(t, ok)
}

func TestFeedbackBlendsHitRateAndScore(t *testing.T) {
	tracker := NewReliabilityTracker(nil, zerolog.Nop())

	tracker.Feedback("momentum", true, 80)
	rec, ok := tracker.Record("momentum")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Total)
	assert.Equal(t, 1, rec.Successes)
	assert.InDelta(t, 80.0, rec.AvgScore, 0.001)

	// Perfect hit rate with an 80 average: 0.7·1 + 0.3·0.8 = 0.94.
	assert.InDelta(t, 0.94, tracker.Reliability("momentum"), 0.001)

	tracker.Feedback("momentum", false, 40)
	rec, _ = tracker.Record("momentum")
	assert.Equal(t, 2, rec.Total)
	assert.Equal(t, 1, rec.Successes)
	// EWA: 0.2·40 + 0.8·80 = 72.
	assert.InDelta(t, 72.0, rec.AvgScore, 0.001)
	assert.InDelta(t, 0.7*0.5+0.3*0.72, tracker.Reliability("momentum"), 0.001)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	entities := store.NewMemoryEntityStore()
	ctx := context.Background()

	tracker := NewReliabilityTracker(entities, zerolog.Nop())
	tracker.Feedback("momentum", true, 80)
	tracker.Feedback("momentum", true, 90)
	tracker.Feedback("breakout", false, 20)
	require.NoError(t, tracker.Persist(ctx))

	restored := NewReliabilityTracker(entities, zerolog.Nop())
	require.NoError(t, restored.Load(ctx))

	rec, ok := restored.Record("momentum")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Total)
	assert.Equal(t, 2, rec.Successes)

	assert.InDelta(t, tracker.Reliability("breakout"), restored.Reliability("breakout"), 0.0001)
}

func TestStaticWatchlistCaseInsensitive(t *testing.T) {
	w := NewStaticWatchlist([]string{" aapl ", "MSFT", ""})
	assert.True(t, w.Watches("AAPL"))
	assert.True(t, w.Watches("msft"))
	assert.False(t, w.Watches("TSLA"))
}

type countingLister struct {
	calls     int
	positions []domain.Position
	err       error
}

func (l *countingLister) Positions(context.Context, string, string) ([]domain.Position, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.positions, nil
}

func TestBrokerPortfolioCachesWithinTTL(t *testing.T) {
	lister := &countingLister{positions: []domain.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(10)},
		{Symbol: "GME", Qty: decimal.Zero}, // flat positions never count
	}}
	p := NewBrokerPortfolio(lister, "acct1", time.Minute)

	assert.True(t, p.Holds("aapl"))
	assert.False(t, p.Holds("GME"))
	assert.False(t, p.Holds("TSLA"))
	assert.Equal(t, 1, lister.calls)
}

func TestBrokerPortfolioKeepsAnswerOnRefreshFailure(t *testing.T) {
	lister := &countingLister{positions: []domain.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(10)},
	}}
	p := NewBrokerPortfolio(lister, "acct1", time.Nanosecond)

	require.True(t, p.Holds("AAPL"))

	lister.err = context.DeadlineExceeded
	assert.True(t, p.Holds("AAPL"))
	assert.GreaterOrEqual(t, lister.calls, 2)
}
