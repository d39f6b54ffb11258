package scanner

import (
	"encoding/json"
	"strings"

	"github.com/aristath/tradewire/internal/domain"
)

// evaluate runs a snapshot through the config's filter groups in the fixed
// category order, short-circuiting on the first rejection. The second return
// is false when the symbol does not match.
func (e *Engine) evaluate(cfg *domain.ScannerConfig, snap *domain.AssetSnapshot) (domain.ScanResult, bool) {
	byCategory := make(map[domain.FilterCategory][]domain.FilterGroup)
	active := 0
	for _, g := range cfg.Filters {
		byCategory[g.Category] = append(byCategory[g.Category], g)
		active++
	}

	passed := 0
	matched := make([]string, 0, active)
	for _, cat := range domain.FilterEvalOrder {
		for _, group := range byCategory[cat] {
			if !evalGroup(&group, snap) {
				return domain.ScanResult{}, false
			}
			passed++
			matched = append(matched, string(cat))
		}
	}

	score := 100.0
	if active > 0 {
		score = float64(passed) / float64(active) * 100
	}

	return domain.ScanResult{
		Symbol:         snap.Symbol,
		AssetType:      snap.AssetType,
		Px:             snap.Price,
		ChangePct:      snap.ChangePct,
		Volume:         snap.Volume,
		MatchScore:     score,
		MatchedFilters: matched,
		IndicatorValues: map[string]float64{
			"volume_ratio": snap.VolumeRatio,
			"momentum10":   snap.Momentum10,
			"gap_pct":      snap.GapPct,
			"rsi14":        snap.Indicators.RSI14,
			"sma20":        snap.Indicators.SMA20,
			"sma50":        snap.Indicators.SMA50,
			"macd":         snap.Indicators.MACD,
			"atr14":        snap.Indicators.ATR14,
		},
		Timeframe: snap.Timeframe,
		At:        snap.At,
	}, true
}

// evalGroup ANDs a group's conditions; custom groups may carry a tree.
func evalGroup(g *domain.FilterGroup, snap *domain.AssetSnapshot) bool {
	if g.Tree != nil {
		return evalNode(g.Tree, snap)
	}
	for i := range g.Conditions {
		if !evalCondition(&g.Conditions[i], snap) {
			return false
		}
	}
	return len(g.Conditions) > 0
}

// evalNode walks a condition tree. An empty branch is vacuously true under
// "and" and false under "or".
func evalNode(n *domain.ConditionNode, snap *domain.AssetSnapshot) bool {
	if n == nil {
		return false
	}
	if n.Cond != nil {
		return evalCondition(n.Cond, snap)
	}
	switch strings.ToLower(n.Logic) {
	case "or":
		for _, child := range n.Children {
			if evalNode(child, snap) {
				return true
			}
		}
		return false
	default: // "and"
		for _, child := range n.Children {
			if !evalNode(child, snap) {
				return false
			}
		}
		return len(n.Children) > 0
	}
}

// evalCondition applies one predicate. An unresolvable field or a value of
// the wrong shape fails the condition rather than erroring the scan.
func evalCondition(c *domain.Condition, snap *domain.AssetSnapshot) bool {
	switch c.Op {
	case domain.OpEq, domain.OpNeq:
		if s, ok := fieldString(snap, c.Field); ok {
			want, sok := asString(c.Value)
			if !sok {
				return false
			}
			eq := strings.EqualFold(s, want)
			if c.Op == domain.OpNeq {
				return !eq
			}
			return eq
		}
		v, ok := fieldNumber(snap, c.Field)
		if !ok {
			return false
		}
		want, nok := asNumber(c.Value)
		if !nok {
			return false
		}
		if c.Op == domain.OpNeq {
			return v != want
		}
		return v == want

	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		v, ok := fieldNumber(snap, c.Field)
		if !ok {
			return false
		}
		want, nok := asNumber(c.Value)
		if !nok {
			return false
		}
		switch c.Op {
		case domain.OpGt:
			return v > want
		case domain.OpGte:
			return v >= want
		case domain.OpLt:
			return v < want
		default:
			return v <= want
		}

	case domain.OpBetween, domain.OpNotBetween:
		v, ok := fieldNumber(snap, c.Field)
		if !ok {
			return false
		}
		lo, hi, bok := asRange(c.Value)
		if !bok {
			return false
		}
		in := v >= lo && v <= hi
		if c.Op == domain.OpNotBetween {
			return !in
		}
		return in

	case domain.OpIn, domain.OpNotIn:
		list, lok := asList(c.Value)
		if !lok {
			return false
		}
		found := false
		if s, ok := fieldString(snap, c.Field); ok {
			for _, item := range list {
				if want, sok := asString(item); sok && strings.EqualFold(s, want) {
					found = true
					break
				}
			}
		} else if v, ok := fieldNumber(snap, c.Field); ok {
			for _, item := range list {
				if want, nok := asNumber(item); nok && v == want {
					found = true
					break
				}
			}
		} else {
			return false
		}
		if c.Op == domain.OpNotIn {
			return !found
		}
		return found

	case domain.OpContains:
		s, ok := fieldString(snap, c.Field)
		if !ok {
			return false
		}
		want, sok := asString(c.Value)
		if !sok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(want))

	case domain.OpCrossesAbove, domain.OpCrossesBelow:
		v, ok := fieldNumber(snap, c.Field)
		if !ok {
			return false
		}
		want, nok := asNumber(c.Value)
		if !nok {
			return false
		}
		prev, hasPrev := snap.History.Prev(c.Field)
		if c.Op == domain.OpCrossesAbove {
			if !hasPrev {
				return v > want
			}
			return prev <= want && v > want
		}
		if !hasPrev {
			return v < want
		}
		return prev >= want && v < want

	default:
		return false
	}
}

// fieldNumber resolves a dotted path to a numeric snapshot field.
func fieldNumber(snap *domain.AssetSnapshot, field string) (float64, bool) {
	switch field {
	case "price", "px":
		return snap.Price, true
	case "open":
		return snap.Open, true
	case "high":
		return snap.High, true
	case "low":
		return snap.Low, true
	case "prev_close":
		return snap.PrevClose, true
	case "change_pct":
		return snap.ChangePct, true
	case "volume":
		return float64(snap.Volume), true
	case "avg_volume":
		return float64(snap.AvgVolume), true
	case "volume_ratio":
		return snap.VolumeRatio, true
	case "momentum10":
		return snap.Momentum10, true
	case "gap_pct":
		return snap.GapPct, true
	case "indicators.sma20":
		return snap.Indicators.SMA20, true
	case "indicators.sma50":
		return snap.Indicators.SMA50, true
	case "indicators.ema12":
		return snap.Indicators.EMA12, true
	case "indicators.ema26":
		return snap.Indicators.EMA26, true
	case "indicators.rsi14":
		return snap.Indicators.RSI14, true
	case "indicators.macd":
		return snap.Indicators.MACD, true
	case "indicators.macd_signal":
		return snap.Indicators.MACDSignal, true
	case "indicators.macd_hist":
		return snap.Indicators.MACDHist, true
	case "indicators.atr14":
		return snap.Indicators.ATR14, true
	case "fundamentals.market_cap":
		return snap.Fundamentals.MarketCap, true
	case "fundamentals.pe_ratio":
		return snap.Fundamentals.PERatio, true
	case "fundamentals.eps":
		return snap.Fundamentals.EPS, true
	case "fundamentals.dividend_yield":
		return snap.Fundamentals.DividendYield, true
	case "fundamentals.beta":
		return snap.Fundamentals.Beta, true
	default:
		return 0, false
	}
}

// fieldString resolves a dotted path to a string snapshot field.
func fieldString(snap *domain.AssetSnapshot, field string) (string, bool) {
	switch field {
	case "symbol":
		return snap.Symbol, true
	case "sector":
		return snap.Sector, true
	case "asset_type":
		return string(snap.AssetType), true
	case "timeframe":
		return snap.Timeframe, true
	default:
		return "", false
	}
}

// asNumber coerces the numeric shapes JSON decoding can produce.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asList(v interface{}) ([]interface{}, bool) {
	l, ok := v.([]interface{})
	return l, ok
}

// asRange expects a two-element list [lo, hi].
func asRange(v interface{}) (float64, float64, bool) {
	l, ok := asList(v)
	if !ok || len(l) != 2 {
		return 0, 0, false
	}
	lo, lok := asNumber(l[0])
	hi, hok := asNumber(l[1])
	if !lok || !hok {
		return 0, 0, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}
