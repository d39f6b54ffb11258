// Package marketdata provides per-asset-type market data providers, the
// snapshot cache the scanner reads through, and the quote pump that feeds
// price events onto the bus.
package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/domain"
)

// seriesLen is how many candles the simulated provider generates per symbol.
// Enough to warm up every indicator (SMA50 and the MACD signal line).
const seriesLen = 80

var defaultUniverses = map[domain.AssetType][]string{
	domain.AssetStock: {
		"AAPL", "MSFT", "NVDA", "AMZN", "GOOG", "META", "TSLA", "JPM", "V", "JNJ",
		"WMT", "PG", "XOM", "UNH", "HD", "MA", "COST", "ORCL", "KO", "PEP",
	},
	domain.AssetETF:    {"SPY", "QQQ", "IWM", "DIA", "XLK", "XLF", "XLE", "GLD"},
	domain.AssetCrypto: {"BTC-USD", "ETH-USD", "SOL-USD"},
	domain.AssetForex:  {"EUR-USD", "GBP-USD", "USD-JPY"},
}

var stockSectors = map[string]string{
	"AAPL": "Technology", "MSFT": "Technology", "NVDA": "Technology",
	"GOOG": "Technology", "META": "Technology", "ORCL": "Technology",
	"AMZN": "Consumer Cyclical", "TSLA": "Consumer Cyclical", "HD": "Consumer Cyclical",
	"JPM": "Financial Services", "V": "Financial Services", "MA": "Financial Services",
	"JNJ": "Healthcare", "UNH": "Healthcare",
	"WMT": "Consumer Defensive", "PG": "Consumer Defensive", "COST": "Consumer Defensive",
	"KO": "Consumer Defensive", "PEP": "Consumer Defensive",
	"XOM": "Energy",
}

// SimProvider generates deterministic synthetic market data. The same
// (symbol, timeframe, day, seed) always yields the same series, so repeated
// scans within a day agree and tests are reproducible.
type SimProvider struct {
	assetType domain.AssetType
	symbols   []string
	known     map[string]bool
	sectors   map[string]string
	clock     clock.Clock
	seed      int64
}

// NewSimProvider builds a simulated provider over the default universe for
// the asset type.
func NewSimProvider(assetType domain.AssetType, clk clock.Clock, seed int64) *SimProvider {
	return NewSimProviderWithUniverse(assetType, defaultUniverses[assetType], stockSectors, clk, seed)
}

// NewSimProviderWithUniverse builds a simulated provider over a custom
// universe. sectors may be nil.
func NewSimProviderWithUniverse(assetType domain.AssetType, symbols []string, sectors map[string]string, clk clock.Clock, seed int64) *SimProvider {
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[s] = true
	}
	return &SimProvider{
		assetType: assetType,
		symbols:   append([]string(nil), symbols...),
		known:     known,
		sectors:   sectors,
		clock:     clk,
		seed:      seed,
	}
}

// AssetType returns the asset class this provider serves.
func (p *SimProvider) AssetType() domain.AssetType { return p.assetType }

// SectorOf reports the declared sector of a symbol. Crypto and uncovered
// stock symbols have none.
func (p *SimProvider) SectorOf(symbol string) (string, bool) {
	sector, ok := p.sectors[symbol]
	return sector, ok
}

// Universe returns the symbols this provider can snapshot.
func (p *SimProvider) Universe(ctx context.Context) ([]string, error) {
	return append([]string(nil), p.symbols...), nil
}

// Get produces the snapshot for one symbol. Unknown symbols fail.
func (p *SimProvider) Get(ctx context.Context, symbol, timeframe string) (*domain.AssetSnapshot, error) {
	if !p.known[symbol] {
		return nil, fmt.Errorf("symbol %q not in %s universe", symbol, p.assetType)
	}
	if timeframe == "" {
		timeframe = "1d"
	}

	rng := rand.New(rand.NewSource(p.symbolSeed(symbol, timeframe)))
	series := generateSeries(rng, seriesLen)
	n := len(series)
	last, prev := series[n-1], series[n-2]

	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	var volSum float64
	for i, c := range series {
		highs[i], lows[i], closes[i] = c.high, c.low, c.close
		if i >= n-30 {
			volSum += float64(c.volume)
		}
	}
	avgVolume := volSum / 30

	indicators := computeIndicators(highs, lows, closes)
	prevIndicators := computeIndicators(highs[:n-1], lows[:n-1], closes[:n-1])

	snap := &domain.AssetSnapshot{
		Symbol:      symbol,
		AssetType:   p.assetType,
		Sector:      p.sectors[symbol],
		Price:       round4(last.close),
		Open:        round4(last.open),
		High:        round4(last.high),
		Low:         round4(last.low),
		PrevClose:   round4(prev.close),
		ChangePct:   round4((last.close - prev.close) / prev.close * 100),
		Volume:      last.volume,
		AvgVolume:   int64(avgVolume),
		VolumeRatio: round4(float64(last.volume) / avgVolume),
		Momentum10:  round4((last.close/series[n-11].close - 1) * 100),
		GapPct:      round4((last.open - prev.close) / prev.close * 100),
		Indicators:  indicators,
		Fundamentals: domain.FundamentalSnapshot{
			MarketCap:     round4(last.close * (1e8 + rng.Float64()*4.9e9)),
			PERatio:       round4(5 + rng.Float64()*55),
			EPS:           round4(last.close / (5 + rng.Float64()*55)),
			DividendYield: round4(rng.Float64() * 4),
			Beta:          round4(0.5 + rng.Float64()*1.7),
		},
		History: &domain.SnapshotHistory{Values: map[string]float64{
			"price":                  prev.close,
			"volume":                 float64(prev.volume),
			"indicators.sma20":       prevIndicators.SMA20,
			"indicators.sma50":       prevIndicators.SMA50,
			"indicators.ema12":       prevIndicators.EMA12,
			"indicators.ema26":       prevIndicators.EMA26,
			"indicators.rsi14":       prevIndicators.RSI14,
			"indicators.macd":        prevIndicators.MACD,
			"indicators.macd_signal": prevIndicators.MACDSignal,
			"indicators.macd_hist":   prevIndicators.MACDHist,
			"indicators.atr14":       prevIndicators.ATR14,
		}},
		Timeframe: timeframe,
		At:        p.clock.Now(),
	}
	return snap, nil
}

// Quote derives a two-sided quote around the symbol's current price.
func (p *SimProvider) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	snap, err := p.Get(ctx, symbol, "1d")
	if err != nil {
		return nil, err
	}
	half := math.Max(0.005, snap.Price*0.00025)
	return &domain.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(snap.Price - half).Round(4),
		Ask:       decimal.NewFromFloat(snap.Price + half).Round(4),
		Last:      decimal.NewFromFloat(snap.Price).Round(4),
		Volume:    snap.Volume,
		Timestamp: p.clock.Now(),
	}, nil
}

// symbolSeed folds symbol, timeframe, provider seed and the current UTC day
// into one RNG seed, keeping intraday reads stable.
func (p *SimProvider) symbolSeed(symbol, timeframe string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte{'|'})
	h.Write([]byte(timeframe))
	day := p.clock.Now().Truncate(24 * time.Hour).Unix()
	return int64(h.Sum64()) ^ p.seed ^ day
}

type candle struct {
	open, high, low, close float64
	volume                 int64
}

// generateSeries walks a geometric random series with per-symbol drift and
// volatility drawn from the same RNG, so the whole shape is seed-stable.
func generateSeries(rng *rand.Rand, n int) []candle {
	price := 10 + rng.Float64()*490
	drift := (rng.Float64() - 0.48) * 0.002
	vol := 0.005 + rng.Float64()*0.025
	baseVolume := 100_000 + rng.Int63n(5_000_000)

	out := make([]candle, n)
	for i := range out {
		ret := drift + rng.NormFloat64()*vol
		open := price
		cls := price * (1 + ret)
		high := math.Max(open, cls) * (1 + rng.Float64()*vol)
		low := math.Min(open, cls) * (1 - rng.Float64()*vol)
		volume := int64(float64(baseVolume) * (0.4 + rng.ExpFloat64()))
		out[i] = candle{open: open, high: high, low: low, close: cls, volume: volume}
		price = cls
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
