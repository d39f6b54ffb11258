package marketdata

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tradewire/internal/domain"
)

// computeIndicators derives the indicator snapshot from OHLC series using
// go-talib. Series shorter than an indicator's warm-up leave that field zero.
func computeIndicators(highs, lows, closes []float64) domain.IndicatorSnapshot {
	var ind domain.IndicatorSnapshot

	if len(closes) >= 20 {
		ind.SMA20 = lastValid(talib.Sma(closes, 20))
	}
	if len(closes) >= 50 {
		ind.SMA50 = lastValid(talib.Sma(closes, 50))
	}
	if len(closes) >= 12 {
		ind.EMA12 = lastValid(talib.Ema(closes, 12))
	}
	if len(closes) >= 26 {
		ind.EMA26 = lastValid(talib.Ema(closes, 26))
	}
	if len(closes) >= 15 {
		ind.RSI14 = lastValid(talib.Rsi(closes, 14))
	}
	if len(closes) >= 35 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		ind.MACD = lastValid(macd)
		ind.MACDSignal = lastValid(signal)
		ind.MACDHist = lastValid(hist)
	}
	if len(closes) >= 15 && len(highs) == len(closes) && len(lows) == len(closes) {
		ind.ATR14 = lastValid(talib.Atr(highs, lows, closes, 14))
	}
	return ind
}

// lastValid returns the last non-NaN value of a series, or zero.
func lastValid(xs []float64) float64 {
	for i := len(xs) - 1; i >= 0; i-- {
		if xs[i] == xs[i] {
			return xs[i]
		}
	}
	return 0
}
