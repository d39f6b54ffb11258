package domain

import "time"

// AssetType represents a scannable asset class
type AssetType string

const (
	AssetStock  AssetType = "stock"
	AssetETF    AssetType = "etf"
	AssetCrypto AssetType = "crypto"
	AssetForex  AssetType = "forex"
)

// FilterCategory orders filter evaluation. Scans evaluate categories in the
// declared order and short-circuit on the first rejection.
type FilterCategory string

const (
	FilterPrice       FilterCategory = "price"
	FilterVolume      FilterCategory = "volume"
	FilterTechnical   FilterCategory = "technical"
	FilterFundamental FilterCategory = "fundamental"
	FilterMomentum    FilterCategory = "momentum"
	FilterPattern     FilterCategory = "pattern"
	FilterCustom      FilterCategory = "custom"
)

// FilterEvalOrder is the fixed category evaluation order.
var FilterEvalOrder = []FilterCategory{
	FilterPrice,
	FilterVolume,
	FilterTechnical,
	FilterFundamental,
	FilterMomentum,
	FilterPattern,
	FilterCustom,
}

// FilterOp is a comparison operator in a filter condition
type FilterOp string

const (
	OpEq           FilterOp = "="
	OpNeq          FilterOp = "!="
	OpGt           FilterOp = ">"
	OpGte          FilterOp = ">="
	OpLt           FilterOp = "<"
	OpLte          FilterOp = "<="
	OpBetween      FilterOp = "between"
	OpNotBetween   FilterOp = "notBetween"
	OpIn           FilterOp = "in"
	OpNotIn        FilterOp = "notIn"
	OpContains     FilterOp = "contains"
	OpCrossesAbove FilterOp = "crossesAbove"
	OpCrossesBelow FilterOp = "crossesBelow"
)

// Condition is a single (field, op, value) predicate over a snapshot field.
// Field uses dotted paths, e.g. "price" or "indicators.rsi14".
type Condition struct {
	Field string      `json:"field"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value"`
}

// ConditionNode is a node in a custom condition tree. A node is either a
// leaf (Cond set) or a branch (Logic + Children set).
type ConditionNode struct {
	Logic    string           `json:"logic,omitempty"` // "and" | "or"
	Children []*ConditionNode `json:"children,omitempty"`
	Cond     *Condition       `json:"cond,omitempty"`
}

// FilterGroup is a named set of conditions in one category. Conditions in a
// group are ANDed; custom groups may carry a tree instead.
type FilterGroup struct {
	Category   FilterCategory `json:"category"`
	Conditions []Condition    `json:"conditions,omitempty"`
	Tree       *ConditionNode `json:"tree,omitempty"`
}

// SortDir is a sort direction
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// ScannerConfig is a user-defined scan. Content-addressed by the SHA-256 of
// its canonical JSON (Force excluded).
type ScannerConfig struct {
	Name       string        `json:"name"`
	AssetTypes []AssetType   `json:"asset_types"`
	Universe   []string      `json:"universe,omitempty"`
	Exclude    []string      `json:"exclude,omitempty"`
	Timeframe  string        `json:"timeframe"`
	Filters    []FilterGroup `json:"filters"`
	SortBy     string        `json:"sort_by,omitempty"`
	SortDir    SortDir       `json:"sort_dir,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Force      bool          `json:"force,omitempty"` // bypass and refresh the result cache
}

// IndicatorSnapshot carries the technical indicator values computed for a
// symbol at scan time.
type IndicatorSnapshot struct {
	SMA20      float64 `json:"sma20"`
	SMA50      float64 `json:"sma50"`
	EMA12      float64 `json:"ema12"`
	EMA26      float64 `json:"ema26"`
	RSI14      float64 `json:"rsi14"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATR14      float64 `json:"atr14"`
}

// FundamentalSnapshot carries the slow-moving fundamentals for a symbol.
type FundamentalSnapshot struct {
	MarketCap     float64 `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	EPS           float64 `json:"eps"`
	DividendYield float64 `json:"dividend_yield"`
	Beta          float64 `json:"beta"`
}

// AssetSnapshot is the typed view of one symbol that filters evaluate
// against. History, when present, enables true crossing semantics for the
// crossesAbove/crossesBelow operators; without it they degrade to
// current-value comparisons.
type AssetSnapshot struct {
	Symbol       string              `json:"symbol"`
	AssetType    AssetType           `json:"asset_type"`
	Sector       string              `json:"sector,omitempty"`
	Price        float64             `json:"price"`
	Open         float64             `json:"open"`
	High         float64             `json:"high"`
	Low          float64             `json:"low"`
	PrevClose    float64             `json:"prev_close"`
	ChangePct    float64             `json:"change_pct"`
	Volume       int64               `json:"volume"`
	AvgVolume    int64               `json:"avg_volume"`
	VolumeRatio  float64             `json:"volume_ratio"`
	Momentum10   float64             `json:"momentum10"`
	GapPct       float64             `json:"gap_pct"`
	Indicators   IndicatorSnapshot   `json:"indicators"`
	Fundamentals FundamentalSnapshot `json:"fundamentals"`
	History      *SnapshotHistory    `json:"history,omitempty"`
	Timeframe    string              `json:"timeframe"`
	At           time.Time           `json:"at"`
}

// SnapshotHistory carries the previous observation of crossing-relevant
// fields, keyed by the same dotted paths conditions use.
type SnapshotHistory struct {
	Values map[string]float64 `json:"values"`
}

// Prev returns the previous value for a dotted path, if recorded.
func (h *SnapshotHistory) Prev(field string) (float64, bool) {
	if h == nil || h.Values == nil {
		return 0, false
	}
	v, ok := h.Values[field]
	return v, ok
}

// ScanResult is one matched symbol in a scan run.
type ScanResult struct {
	Symbol          string             `json:"symbol"`
	AssetType       AssetType          `json:"asset_type"`
	Px              float64            `json:"px"`
	ChangePct       float64            `json:"change_pct"`
	Volume          int64              `json:"volume"`
	MatchScore      float64            `json:"match_score"`
	MatchedFilters  []string           `json:"matched_filters"`
	IndicatorValues map[string]float64 `json:"indicator_values,omitempty"`
	Rank            int                `json:"rank"`
	Timeframe       string             `json:"timeframe"`
	At              time.Time          `json:"at"`
}

// ScannerResponse is the result of one scan run.
type ScannerResponse struct {
	Results      []ScanResult `json:"results"`
	TotalScanned int          `json:"total_scanned"`
	TotalMatches int          `json:"total_matches"`
	ExecutionMs  int64        `json:"execution_ms"`
	ConfigHash   string       `json:"config_hash"`
	CacheHit     bool         `json:"cache_hit"`
	At           time.Time    `json:"at"`
}

// Priority classifies an aggregated insight
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Contribution is one scanner's vote inside an aggregated result.
type Contribution struct {
	ScannerID      string   `json:"scanner_id"`
	ScannerName    string   `json:"scanner_name,omitempty"`
	Score          float64  `json:"score"`
	Weight         float64  `json:"weight"`
	MatchedFilters []string `json:"matched_filters,omitempty"`
}

// AggregatedResult is the cross-scanner consensus for one symbol.
type AggregatedResult struct {
	Symbol         string         `json:"symbol"`
	AggregateScore float64        `json:"aggregate_score"`
	Confidence     float64        `json:"confidence"`
	ScannerCount   int            `json:"scanner_count"`
	Contributions  []Contribution `json:"contributions"`
	Priority       Priority       `json:"priority"`
	Insights       []string       `json:"insights"`
	At             time.Time      `json:"at"`
}

// ScannerRun couples one scanner's identity and weighting with the results
// it produced; the aggregation input.
type ScannerRun struct {
	ScannerID            string       `json:"scanner_id"`
	Name                 string       `json:"name,omitempty"`
	Weight               float64      `json:"weight,omitempty"`
	ConfidenceMultiplier float64      `json:"confidence_multiplier,omitempty"`
	Results              []ScanResult `json:"results"`
}
