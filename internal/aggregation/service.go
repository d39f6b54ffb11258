// Package aggregation combines results from multiple scanner runs into
// per-symbol consensus scores with confidence, priority and insights.
package aggregation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
)

const (
	defaultMinScanners = 2
	maxDiversityBonus  = 8.0
	maxConsensusBonus  = 10.0
)

// Service aggregates scanner runs. Portfolio and watchlist sources are
// optional; a nil source never escalates.
type Service struct {
	cfg         *config.AggregationConfig
	reliability *ReliabilityTracker
	portfolio   domain.PortfolioSource
	watchlist   domain.WatchlistSource
	sectors     domain.SectorSource
	clock       clock.Clock
	log         zerolog.Logger
}

// New builds the aggregation service.
func New(cfg *config.AggregationConfig, tracker *ReliabilityTracker, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		reliability: tracker,
		clock:       clk,
		log:         log.With().Str("component", "aggregation").Logger(),
	}
}

// SetPortfolio wires the held-symbol source used for priority escalation.
func (s *Service) SetPortfolio(p domain.PortfolioSource) { s.portfolio = p }

// SetWatchlist wires the watchlist source used for priority escalation.
func (s *Service) SetWatchlist(w domain.WatchlistSource) { s.watchlist = w }

// SetSectors wires the symbol-to-sector map used for sector insights.
func (s *Service) SetSectors(src domain.SectorSource) { s.sectors = src }

// Aggregate groups contributions by symbol and scores the consensus. Symbols
// seen by fewer than the configured minimum of scanners are dropped. Output
// is sorted by aggregate score descending, ties on symbol.
func (s *Service) Aggregate(runs []domain.ScannerRun) []domain.AggregatedResult {
	minScanners := defaultMinScanners
	if s.cfg != nil && s.cfg.MinScanners > 0 {
		minScanners = s.cfg.MinScanners
	}

	type entry struct {
		contributions []domain.Contribution
		categories    map[string]struct{}
	}
	bySymbol := make(map[string]*entry)

	for _, run := range runs {
		weight := s.effectiveWeight(&run)
		for _, res := range run.Results {
			ent, ok := bySymbol[res.Symbol]
			if !ok {
				ent = &entry{categories: make(map[string]struct{})}
				bySymbol[res.Symbol] = ent
			}
			ent.contributions = append(ent.contributions, domain.Contribution{
				ScannerID:      run.ScannerID,
				ScannerName:    run.Name,
				Score:          res.MatchScore,
				Weight:         weight,
				MatchedFilters: res.MatchedFilters,
			})
			for _, f := range res.MatchedFilters {
				ent.categories[f] = struct{}{}
			}
		}
	}

	now := s.clock.Now()
	out := make([]domain.AggregatedResult, 0, len(bySymbol))
	for symbol, ent := range bySymbol {
		if len(ent.contributions) < minScanners {
			continue
		}
		out = append(out, s.score(symbol, ent.contributions, len(ent.categories), now))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AggregateScore != out[j].AggregateScore {
			return out[i].AggregateScore > out[j].AggregateScore
		}
		return out[i].Symbol < out[j].Symbol
	})

	s.markDominantSector(out)

	s.log.Debug().
		Int("runs", len(runs)).
		Int("symbols", len(out)).
		Msg("Aggregation completed")
	return out
}

// effectiveWeight is configuredWeight × confidenceMultiplier, falling back
// to the scanner's tracked reliability when no weight is configured.
func (s *Service) effectiveWeight(run *domain.ScannerRun) float64 {
	w := run.Weight
	if w <= 0 {
		w = s.reliability.Reliability(run.ScannerID)
	}
	mult := run.ConfidenceMultiplier
	if mult <= 0 {
		mult = 1
	}
	return w * mult
}

func (s *Service) score(symbol string, contributions []domain.Contribution, categories int, at time.Time) domain.AggregatedResult {
	scores := make([]float64, len(contributions))
	weights := make([]float64, len(contributions))
	for i, c := range contributions {
		scores[i] = c.Score
		weights[i] = c.Weight
	}

	var base, weightSum float64
	for i := range scores {
		base += scores[i] * weights[i]
		weightSum += weights[i]
	}
	if weightSum > 0 {
		base /= weightSum
	}

	diversity := math.Min(maxDiversityBonus, float64(categories)*2)
	consensus := math.Min(maxConsensusBonus, float64(len(contributions))*2)
	score := math.Min(100, base+diversity+consensus)

	confidence := 100.0
	if len(scores) > 1 {
		confidence = clamp(100-2*stat.PopStdDev(scores, nil), 0, 100)
	}

	held := s.portfolio != nil && s.portfolio.Holds(symbol)
	watched := s.watchlist != nil && s.watchlist.Watches(symbol)

	return domain.AggregatedResult{
		Symbol:         symbol,
		AggregateScore: round2(score),
		Confidence:     round2(confidence),
		ScannerCount:   len(contributions),
		Contributions:  contributions,
		Priority:       s.priority(score, len(contributions), held, watched),
		Insights:       s.insights(symbol, contributions, score, held, watched),
		At:             at,
	}
}

// priority escalates held symbols first, then watched ones, then falls back
// to score and breadth thresholds.
func (s *Service) priority(score float64, count int, held, watched bool) domain.Priority {
	switch {
	case held && score >= 80:
		return domain.PriorityCritical
	case held && score >= 60:
		return domain.PriorityHigh
	case watched && score >= 85:
		return domain.PriorityHigh
	case watched && score >= 70:
		return domain.PriorityMedium
	case score >= 90 && count >= 3:
		return domain.PriorityHigh
	case score >= 75:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// insights are deterministic so repeated aggregation of the same input
// yields identical output.
func (s *Service) insights(symbol string, contributions []domain.Contribution, score float64, held, watched bool) []string {
	out := make([]string, 0, 4)

	out = append(out, fmt.Sprintf("Flagged by %d scanners", len(contributions)))

	counts := make(map[string]int)
	for _, c := range contributions {
		for _, f := range c.MatchedFilters {
			counts[f]++
		}
	}
	if dominant, n := dominantCategory(counts); dominant != "" {
		out = append(out, fmt.Sprintf("Dominant signal: %s (%d hits)", dominant, n))
	}
	if score >= 90 {
		out = append(out, "Strong cross-scanner consensus")
	}
	if held {
		out = append(out, fmt.Sprintf("%s is held in the portfolio", symbol))
	} else if watched {
		out = append(out, fmt.Sprintf("%s is on the watchlist", symbol))
	}
	return out
}

// markDominantSector appends a sector insight to every result in the most
// frequent sector. Symbols the sector source does not cover are skipped; a
// nil source or zero coverage leaves results untouched.
func (s *Service) markDominantSector(results []domain.AggregatedResult) {
	if s.sectors == nil {
		return
	}
	counts := make(map[string]int)
	bySymbol := make(map[string]string, len(results))
	for _, res := range results {
		sector, ok := s.sectors.SectorOf(res.Symbol)
		if !ok || sector == "" {
			continue
		}
		counts[sector]++
		bySymbol[res.Symbol] = sector
	}
	dominant, n := dominantCategory(counts)
	if dominant == "" {
		return
	}
	for i := range results {
		if bySymbol[results[i].Symbol] == dominant {
			results[i].Insights = append(results[i].Insights,
				fmt.Sprintf("Part of the dominant %s cluster (%d of %d symbols)", dominant, n, len(results)))
		}
	}
}

// dominantCategory picks the most frequent filter category, ties broken
// alphabetically.
func dominantCategory(counts map[string]int) (string, int) {
	best, bestN := "", 0
	for cat, n := range counts {
		if n > bestN || (n == bestN && cat < best) {
			best, bestN = cat, n
		}
	}
	return best, bestN
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
