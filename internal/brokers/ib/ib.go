// Package ib implements the IB-style venue: a persistent session against a
// local gateway that mints numeric order ids and serves market data by
// request id.
package ib

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
)

// Adapter speaks to a local gateway over its REST bridge. Gateway order ids
// are numeric; the idMap keeps the bidirectional mapping to normalized
// string ids alive for the session.
type Adapter struct {
	*brokers.Base

	cfg      *config.IBConfig
	client   *resty.Client
	verifier SignatureVerifier
	log      zerolog.Logger

	mu        sync.Mutex
	toLocal   map[int64]string // gateway id -> local order id
	toGateway map[string]int64 // local order id -> gateway id
	nextReqID int64
	mdSubs    map[int64]string // reqId -> symbol
	quoteChs  map[int64]chan domain.Quote
}

// New builds the adapter with the default HMAC verifier; install a vendor
// scheme through SetSignatureVerifier.
func New(base *brokers.Base, cfg *config.IBConfig, log zerolog.Logger) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.GatewayURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		Base:      base,
		cfg:       cfg,
		client:    client,
		verifier:  NewHMACVerifier(cfg.WebhookSecret),
		log:       log.With().Str("component", "broker").Str("broker", "ib").Logger(),
		toLocal:   make(map[int64]string),
		toGateway: make(map[string]int64),
		mdSubs:    make(map[int64]string),
		quoteChs:  make(map[int64]chan domain.Quote),
	}
}

// Kind returns the ib kind.
func (a *Adapter) Kind() brokers.Kind { return brokers.KindIB }

// SetSignatureVerifier installs the vendor webhook scheme. The intake never
// needs to change when the vendor publishes theirs.
func (a *Adapter) SetSignatureVerifier(v SignatureVerifier) {
	a.verifier = v
}

// Connect opens the gateway session under the configured client id.
func (a *Adapter) Connect(ctx context.Context) error {
	err := a.Call(ctx, "connect", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).
			SetBody(map[string]int{"clientId": a.cfg.ClientID}).
			Post("/v1/session/connect")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.SetConnected(true)
	a.log.Info().Int("client_id", a.cfg.ClientID).Msg("IB gateway session established")
	return nil
}

// Disconnect tears the session down and drops every market-data
// subscription.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	for reqID, ch := range a.quoteChs {
		close(ch)
		delete(a.quoteChs, reqID)
		delete(a.mdSubs, reqID)
	}
	a.mu.Unlock()

	_ = a.Call(ctx, "disconnect", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).Post("/v1/session/disconnect")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	a.SetConnected(false)
	a.log.Info().Msg("IB gateway session closed")
	return nil
}

// MarketOpen asks the gateway.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	var out struct {
		Open bool `json:"open"`
	}
	err := a.Call(ctx, "clock", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&out).Get("/v1/market/hours")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	return out.Open, err
}

// gatewayOrder is the gateway's order resource.
type gatewayOrder struct {
	OrderID    int64   `json:"orderId"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"` // BUY | SELL
	Quantity   string  `json:"quantity"`
	Filled     string  `json:"filled"`
	AvgPrice   *string `json:"avgPrice,omitempty"`
	OrderType  string  `json:"orderType"` // MKT | LMT | STP | STP_LMT | TRAIL
	LimitPrice *string `json:"lmtPrice,omitempty"`
	StopPrice  *string `json:"auxPrice,omitempty"`
	TIF        string  `json:"tif"`
	Status     string  `json:"status"`
	OutsideRTH bool    `json:"outsideRth"`
}

// Place submits the order; the gateway mints the numeric id the session maps
// to the local string id.
func (a *Adapter) Place(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := a.ValidateOrder(order, decimal.Zero); err != nil {
		return nil, err
	}
	if !a.Connected() {
		return nil, domain.Errorf(domain.ErrConnection, "gateway session not established")
	}

	req := a.toGatewayOrder(order)
	var placed gatewayOrder
	err := a.Call(ctx, "place", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetBody(req).SetResult(&placed).Post("/v1/orders")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.toLocal[placed.OrderID] = order.ID
	a.toGateway[order.ID] = placed.OrderID
	a.mu.Unlock()

	out := order.Clone()
	out.Broker = string(brokers.KindIB)
	out.BrokerOrderID = strconv.FormatInt(placed.OrderID, 10)
	a.StoreOrder(out)
	a.InvalidateAccount()
	return out, nil
}

// Cancel cancels through the mapped gateway id.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	gwID, err := a.gatewayID(orderID)
	if err != nil {
		return nil, err
	}
	err = a.Call(ctx, "cancel", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).Delete(fmt.Sprintf("/v1/orders/%d", gwID))
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.InvalidateOrder(orderID)
	return a.Get(ctx, orderID)
}

// Modify replaces prices and quantity on the gateway order.
func (a *Adapter) Modify(ctx context.Context, update domain.OrderUpdate) (*domain.Order, error) {
	gwID, err := a.gatewayID(update.OrderID)
	if err != nil {
		return nil, err
	}
	body := map[string]string{}
	if update.Qty != nil {
		body["quantity"] = update.Qty.String()
	}
	if update.LimitPx != nil {
		body["lmtPrice"] = update.LimitPx.String()
	}
	if update.StopPx != nil {
		body["auxPrice"] = update.StopPx.String()
	}

	var replaced gatewayOrder
	err = a.Call(ctx, "modify", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetBody(body).SetResult(&replaced).Patch(fmt.Sprintf("/v1/orders/%d", gwID))
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.InvalidateOrder(update.OrderID)
	return a.toOrder(&replaced)
}

// Get fetches one order through the mapped gateway id.
func (a *Adapter) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	if cached, ok := a.CachedOrder(orderID); ok {
		return cached, nil
	}
	gwID, err := a.gatewayID(orderID)
	if err != nil {
		return nil, err
	}
	var gw gatewayOrder
	err = a.Call(ctx, "get", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&gw).Get(fmt.Sprintf("/v1/orders/%d", gwID))
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	order, err := a.toOrder(&gw)
	if err != nil {
		return nil, err
	}
	a.StoreOrder(order)
	return order, nil
}

// List fetches the session's orders.
func (a *Adapter) List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	var gws []gatewayOrder
	err := a.Call(ctx, "list", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&gws).Get("/v1/orders")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Order, 0, len(gws))
	for i := range gws {
		order, err := a.toOrder(&gws[i])
		if err != nil {
			continue
		}
		if filter.Matches(order) {
			out = append(out, order)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Positions fetches positions from the gateway.
func (a *Adapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	if cached, ok := a.CachedPositions(); ok && symbol == "" {
		return cached, nil
	}
	var gps []struct {
		Symbol   string `json:"symbol"`
		Position string `json:"position"`
		AvgCost  string `json:"avgCost"`
		MktValue string `json:"mktValue"`
		UnrealPL string `json:"unrealizedPnl"`
	}
	err := a.Call(ctx, "positions", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&gps).Get("/v1/positions")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(gps))
	for _, gp := range gps {
		qty, _ := decimal.NewFromString(gp.Position)
		pos := domain.Position{
			AccountID: accountID,
			Symbol:    gp.Symbol,
			Side:      domain.PositionLong,
			Qty:       qty.Abs(),
		}
		if qty.IsNegative() {
			pos.Side = domain.PositionShort
		}
		pos.AvgCost, _ = decimal.NewFromString(gp.AvgCost)
		pos.MarketValue, _ = decimal.NewFromString(gp.MktValue)
		pos.UnrealizedPnL, _ = decimal.NewFromString(gp.UnrealPL)
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	if symbol == "" {
		a.StorePositions(out)
	}
	return out, nil
}

// Account fetches the account summary.
func (a *Adapter) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	if cached, ok := a.CachedAccount(); ok {
		return cached, nil
	}
	var ga struct {
		AccountID   string `json:"accountId"`
		Cash        string `json:"totalCashValue"`
		BuyingPower string `json:"buyingPower"`
		NetLiq      string `json:"netLiquidation"`
	}
	err := a.Call(ctx, "account", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&ga).Get("/v1/account/summary")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "gateway unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	acct := &domain.Account{ID: ga.AccountID, Type: domain.AccountMargin}
	acct.Cash, _ = decimal.NewFromString(ga.Cash)
	acct.BuyingPower, _ = decimal.NewFromString(ga.BuyingPower)
	acct.Equity, _ = decimal.NewFromString(ga.NetLiq)
	a.StoreAccount(acct)
	return acct, nil
}

// StreamQuotes subscribes each symbol under a fresh reqId and polls the
// gateway's snapshot endpoint until the context ends.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	if !a.Connected() {
		return nil, domain.Errorf(domain.ErrConnection, "gateway session not established")
	}
	out := make(chan domain.Quote, len(symbols)*4)

	a.mu.Lock()
	reqIDs := make([]int64, 0, len(symbols))
	for _, sym := range symbols {
		a.nextReqID++
		reqID := a.nextReqID
		a.mdSubs[reqID] = sym
		a.quoteChs[reqID] = out
		reqIDs = append(reqIDs, reqID)
	}
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			for _, reqID := range reqIDs {
				delete(a.mdSubs, reqID)
				delete(a.quoteChs, reqID)
			}
			a.mu.Unlock()
			close(out)
		}()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, reqID := range reqIDs {
					a.pollQuote(ctx, reqID, out)
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) pollQuote(ctx context.Context, reqID int64, out chan<- domain.Quote) {
	a.mu.Lock()
	symbol, ok := a.mdSubs[reqID]
	a.mu.Unlock()
	if !ok {
		return
	}
	var snap struct {
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
		Last   string `json:"last"`
		Volume int64  `json:"volume"`
	}
	resp, err := a.client.R().SetContext(ctx).
		SetQueryParam("reqId", strconv.FormatInt(reqID, 10)).
		SetQueryParam("symbol", symbol).
		SetResult(&snap).
		Get("/v1/market/snapshot")
	if err != nil || resp.IsError() {
		return
	}
	q := domain.Quote{Symbol: symbol, Volume: snap.Volume, Timestamp: a.Clock().Now()}
	q.Bid, _ = decimal.NewFromString(snap.Bid)
	q.Ask, _ = decimal.NewFromString(snap.Ask)
	q.Last, _ = decimal.NewFromString(snap.Last)
	select {
	case out <- q:
	default:
	}
}

// gatewayID resolves the numeric id for a local order id.
func (a *Adapter) gatewayID(orderID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gwID, ok := a.toGateway[orderID]
	if !ok {
		return 0, domain.Errorf(domain.ErrOrderNotFound, "no gateway id mapped for order %s", orderID)
	}
	return gwID, nil
}

func (a *Adapter) toGatewayOrder(order *domain.Order) map[string]interface{} {
	action := "BUY"
	if order.Side == domain.SideSell {
		action = "SELL"
	}
	req := map[string]interface{}{
		"symbol":     order.Symbol,
		"action":     action,
		"quantity":   order.Qty.String(),
		"orderType":  typeToGateway[order.Type],
		"tif":        tifToGateway[order.TimeInForce],
		"outsideRth": order.ExtendedHours,
	}
	if order.LimitPx != nil {
		req["lmtPrice"] = order.LimitPx.String()
	}
	if order.StopPx != nil {
		req["auxPrice"] = order.StopPx.String()
	}
	if order.TrailAmt != nil {
		req["trailingAmount"] = order.TrailAmt.String()
	}
	if order.TrailPct != nil {
		req["trailingPercent"] = order.TrailPct.String()
	}
	return req
}

// toOrder translates a gateway order into the normalized model.
func (a *Adapter) toOrder(gw *gatewayOrder) (*domain.Order, error) {
	status, ok := NormalizeStatus(gw.Status)
	if !ok {
		return nil, domain.Errorf(domain.ErrInternal, "unmapped gateway status %q", gw.Status)
	}
	a.mu.Lock()
	localID := a.toLocal[gw.OrderID]
	a.mu.Unlock()

	side := domain.SideBuy
	if gw.Action == "SELL" {
		side = domain.SideSell
	}
	order := &domain.Order{
		ID:            localID,
		Broker:        string(brokers.KindIB),
		BrokerOrderID: strconv.FormatInt(gw.OrderID, 10),
		Symbol:        gw.Symbol,
		Side:          side,
		Type:          typeFromGateway[gw.OrderType],
		TimeInForce:   tifFromGateway[gw.TIF],
		Status:        status,
		ExtendedHours: gw.OutsideRTH,
	}
	order.Qty, _ = decimal.NewFromString(gw.Quantity)
	order.FilledQty, _ = decimal.NewFromString(gw.Filled)
	if gw.AvgPrice != nil && *gw.AvgPrice != "" {
		if px, err := decimal.NewFromString(*gw.AvgPrice); err == nil {
			order.AvgFillPx = &px
		}
	}
	if gw.LimitPrice != nil && *gw.LimitPrice != "" {
		if px, err := decimal.NewFromString(*gw.LimitPrice); err == nil {
			order.LimitPx = &px
		}
	}
	if gw.StopPrice != nil && *gw.StopPrice != "" {
		if px, err := decimal.NewFromString(*gw.StopPrice); err == nil {
			order.StopPx = &px
		}
	}
	return order, nil
}

// translateHTTP maps gateway failures into the taxonomy.
func (a *Adapter) translateHTTP(resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Errorf(domain.ErrAuthentication, "gateway rejected session")
	case http.StatusNotFound:
		return domain.Errorf(domain.ErrOrderNotFound, "gateway has no such resource")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.Errorf(domain.ErrValidation, "gateway rejected request: %s", resp.Body())
	case http.StatusTooManyRequests:
		return domain.Errorf(domain.ErrRateLimit, "gateway pacing violation")
	}
	if resp.StatusCode() >= 500 {
		return domain.Errorf(domain.ErrConnection, "gateway error %d", resp.StatusCode())
	}
	return domain.Errorf(domain.ErrInternal, "gateway returned %d", resp.StatusCode())
}
