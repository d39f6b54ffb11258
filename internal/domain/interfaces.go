package domain

import "context"

// Central interface definitions used to break dependencies between packages.
// Implementations live with the owning component; consumers depend on these.

// MarketDataProvider supplies asset snapshots and the universe it can serve.
// Implementations exist per asset type; a simulated provider ships in-tree.
type MarketDataProvider interface {
	// Get fetches the snapshot for a symbol at a timeframe.
	Get(ctx context.Context, symbol, timeframe string) (*AssetSnapshot, error)
	// Universe lists the symbols the provider can serve.
	Universe(ctx context.Context) ([]string, error)
	// AssetType reports which asset class the provider serves.
	AssetType() AssetType
}

// QuoteSource supplies point-in-time quotes. The paper venue prices fills
// through this.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// UserPrincipal is the opaque identity produced by the authentication
// collaborator. This service never issues or stores credentials.
type UserPrincipal struct {
	UserID       string   `json:"user_id"`
	AccountIDs   []string `json:"account_ids,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CanAccess reports whether the principal may act on an account. An empty
// account list means unrestricted (dev principals).
func (u *UserPrincipal) CanAccess(accountID string) bool {
	if len(u.AccountIDs) == 0 {
		return true
	}
	for _, id := range u.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// GateDecision is a feature-gate verdict.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// FeatureGate is the payment/limits collaborator. A permissive in-process
// implementation ships for development.
type FeatureGate interface {
	Allow(ctx context.Context, user *UserPrincipal, capability string, usage int) GateDecision
}

// PortfolioSource reports which symbols an account currently holds; the
// aggregator escalates priorities for held symbols.
type PortfolioSource interface {
	Holds(symbol string) bool
}

// WatchlistSource reports watchlist membership for priority escalation.
type WatchlistSource interface {
	Watches(symbol string) bool
}

// SectorSource maps symbols to sectors. Coverage may be partial; unknown
// symbols report ok=false and are left out of sector rollups.
type SectorSource interface {
	SectorOf(symbol string) (string, bool)
}

// EntityStore persists entities under {kind}:{id} keys with stable
// field-ordered JSON values. The in-memory default drops everything on
// restart; the SQLite store survives it.
type EntityStore interface {
	Put(ctx context.Context, kind, id string, value interface{}) error
	Get(ctx context.Context, kind, id string, out interface{}) (bool, error)
	Delete(ctx context.Context, kind, id string) error
	List(ctx context.Context, kind string) ([]string, error)
}
