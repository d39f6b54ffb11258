package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents the direction of a position
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position represents holdings in one symbol on one account.
// Maintained by each broker adapter from its authoritative source; the paper
// venue derives it from its own fills.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// AccountType represents the regulatory class of an account
type AccountType string

const (
	AccountCash   AccountType = "cash"
	AccountMargin AccountType = "margin"
	AccountPDT    AccountType = "pdt"
)

// Account represents broker account state. Authoritative at the broker;
// cached locally with a TTL.
type Account struct {
	ID            string          `json:"id"`
	Type          AccountType     `json:"type"`
	Cash          decimal.Decimal `json:"cash"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
	Equity        decimal.Decimal `json:"equity"`
	DayTradeCount int             `json:"day_trade_count"`
	Restricted    bool            `json:"restricted"`
}

// Quote is a point-in-time price observation for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask, falling back to last when the
// book is one-sided.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}
