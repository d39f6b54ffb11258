package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
)

// Adapter talks to an Alpaca-style REST venue. Shared mechanics (rate
// bucket, retry, caches, breaker) come from the embedded base; this file
// only translates between the normalized model and the venue's wire shapes.
type Adapter struct {
	*brokers.Base

	cfg    *config.AlpacaConfig
	client *resty.Client
	log    zerolog.Logger
}

// New builds the adapter. The resty client carries the credential header
// pair on every request; retries stay with the base so policy lives in one
// place.
func New(base *brokers.Base, cfg *config.AlpacaConfig, log zerolog.Logger) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30*time.Second).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		Base:   base,
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "broker").Str("broker", "alpaca").Logger(),
	}
}

// Kind returns the alpaca kind.
func (a *Adapter) Kind() brokers.Kind { return brokers.KindAlpaca }

// Connect verifies credentials by fetching the account resource.
func (a *Adapter) Connect(ctx context.Context) error {
	err := a.Call(ctx, "connect", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).Get("/v2/account")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
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
	a.log.Info().Msg("Alpaca venue connected")
	return nil
}

// Disconnect drops the session flag; the HTTP client is stateless.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.SetConnected(false)
	return nil
}

// venueClock is the venue's market clock resource.
type venueClock struct {
	IsOpen bool `json:"is_open"`
}

// MarketOpen asks the venue clock.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	var clk venueClock
	err := a.Call(ctx, "clock", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&clk).Get("/v2/clock")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return clk.IsOpen, nil
}

// venueOrder is the venue's order resource.
type venueOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	TimeInForce    string  `json:"time_in_force"`
	LimitPrice     *string `json:"limit_price"`
	StopPrice      *string `json:"stop_price"`
	TrailPrice     *string `json:"trail_price"`
	TrailPercent   *string `json:"trail_percent"`
	Status         string  `json:"status"`
	ExtendedHours  bool    `json:"extended_hours"`
	CreatedAt      string  `json:"created_at"`
}

// placeRequest is the venue's order submission shape.
type placeRequest struct {
	Symbol        string  `json:"symbol"`
	Qty           string  `json:"qty"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"time_in_force"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TrailPrice    *string `json:"trail_price,omitempty"`
	TrailPercent  *string `json:"trail_percent,omitempty"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// Place submits the order. The local order id travels as the venue's client
// order id so webhooks can echo it back.
func (a *Adapter) Place(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := a.ValidateOrder(order, decimal.Zero); err != nil {
		return nil, err
	}

	req := placeRequest{
		Symbol:        order.Symbol,
		Qty:           order.Qty.String(),
		Side:          string(order.Side),
		Type:          typeToVenue[order.Type],
		TimeInForce:   tifToVenue[order.TimeInForce],
		LimitPrice:    decimalString(order.LimitPx),
		StopPrice:     decimalString(order.StopPx),
		TrailPrice:    decimalString(order.TrailAmt),
		TrailPercent:  decimalString(order.TrailPct),
		ExtendedHours: order.ExtendedHours,
		ClientOrderID: order.ID,
	}

	var placed venueOrder
	err := a.Call(ctx, "place", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetBody(req).SetResult(&placed).Post("/v2/orders")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := order.Clone()
	out.Broker = string(brokers.KindAlpaca)
	out.BrokerOrderID = placed.ID
	a.StoreOrder(out)
	a.InvalidateAccount()
	return out, nil
}

// Cancel cancels by the venue-native id.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	err := a.Call(ctx, "cancel", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).Delete("/v2/orders/" + orderID)
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
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
	a.InvalidateAccount()
	return a.Get(ctx, orderID)
}

// Modify replaces the working order in place.
func (a *Adapter) Modify(ctx context.Context, update domain.OrderUpdate) (*domain.Order, error) {
	body := map[string]string{}
	if update.Qty != nil {
		body["qty"] = update.Qty.String()
	}
	if update.LimitPx != nil {
		body["limit_price"] = update.LimitPx.String()
	}
	if update.StopPx != nil {
		body["stop_price"] = update.StopPx.String()
	}
	if update.TimeInForce != nil {
		body["time_in_force"] = tifToVenue[*update.TimeInForce]
	}

	var replaced venueOrder
	err := a.Call(ctx, "modify", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetBody(body).SetResult(&replaced).Patch("/v2/orders/" + update.OrderID)
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
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

// Get fetches one order, cache-first.
func (a *Adapter) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	if cached, ok := a.CachedOrder(orderID); ok {
		return cached, nil
	}
	var vo venueOrder
	err := a.Call(ctx, "get", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&vo).Get("/v2/orders/" + orderID)
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	order, err := a.toOrder(&vo)
	if err != nil {
		return nil, err
	}
	a.StoreOrder(order)
	return order, nil
}

// List fetches orders, translating the filter to venue query params.
func (a *Adapter) List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	params := map[string]string{"status": "all"}
	if filter.Symbol != "" {
		params["symbols"] = filter.Symbol
	}
	if filter.Limit > 0 {
		params["limit"] = strconv.Itoa(filter.Limit)
	}

	var vos []venueOrder
	err := a.Call(ctx, "list", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetQueryParams(params).SetResult(&vos).Get("/v2/orders")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Order, 0, len(vos))
	for i := range vos {
		order, err := a.toOrder(&vos[i])
		if err != nil {
			a.log.Warn().Err(err).Str("venue_order", vos[i].ID).Msg("Skipping untranslatable venue order")
			continue
		}
		if filter.Matches(order) {
			out = append(out, order)
		}
	}
	return out, nil
}

// venuePosition is the venue's position resource.
type venuePosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPnLV string `json:"unrealized_pl"`
}

// Positions fetches positions, optionally narrowed to one symbol.
func (a *Adapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	if cached, ok := a.CachedPositions(); ok && symbol == "" {
		return cached, nil
	}
	var vps []venuePosition
	err := a.Call(ctx, "positions", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&vps).Get("/v2/positions")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(vps))
	for _, vp := range vps {
		pos := domain.Position{
			AccountID: accountID,
			Symbol:    vp.Symbol,
			Side:      domain.PositionLong,
		}
		if vp.Side == "short" {
			pos.Side = domain.PositionShort
		}
		pos.Qty = mustDecimal(vp.Qty).Abs()
		pos.AvgCost = mustDecimal(vp.AvgEntryPrice)
		pos.MarketValue = mustDecimal(vp.MarketValue)
		pos.UnrealizedPnL = mustDecimal(vp.UnrealizedPnLV)
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	if symbol == "" {
		a.StorePositions(out)
	}
	return out, nil
}

// venueAccount is the venue's account resource.
type venueAccount struct {
	ID            string `json:"id"`
	Cash          string `json:"cash"`
	BuyingPower   string `json:"buying_power"`
	Equity        string `json:"equity"`
	DaytradeCount int    `json:"daytrade_count"`
	TradingBlock  bool   `json:"trading_blocked"`
	PatternDay    bool   `json:"pattern_day_trader"`
}

// Account fetches the account snapshot, cache-first.
func (a *Adapter) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	if cached, ok := a.CachedAccount(); ok {
		return cached, nil
	}
	var va venueAccount
	err := a.Call(ctx, "account", func(ctx context.Context) error {
		resp, err := a.client.R().SetContext(ctx).SetResult(&va).Get("/v2/account")
		if err != nil {
			return domain.NewBrokerError(domain.ErrConnection, "venue unreachable", err)
		}
		if resp.IsError() {
			return a.translateHTTP(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	acct := &domain.Account{
		ID:            va.ID,
		Type:          domain.AccountMargin,
		Cash:          mustDecimal(va.Cash),
		BuyingPower:   mustDecimal(va.BuyingPower),
		Equity:        mustDecimal(va.Equity),
		DayTradeCount: va.DaytradeCount,
		Restricted:    va.TradingBlock,
	}
	if va.PatternDay {
		acct.Type = domain.AccountPDT
	}
	a.StoreAccount(acct)
	return acct, nil
}

// StreamQuotes is not served over this venue's REST surface.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	return nil, brokers.ErrNotSupported
}

// toOrder translates a venue order resource into the normalized model.
func (a *Adapter) toOrder(vo *venueOrder) (*domain.Order, error) {
	status, ok := NormalizeStatus(vo.Status)
	if !ok {
		return nil, domain.Errorf(domain.ErrInternal, "unmapped venue status %q", vo.Status)
	}
	orderType, ok := typeFromVenue[vo.Type]
	if !ok {
		return nil, domain.Errorf(domain.ErrInternal, "unmapped venue order type %q", vo.Type)
	}
	tif, ok := tifFromVenue[vo.TimeInForce]
	if !ok {
		return nil, domain.Errorf(domain.ErrInternal, "unmapped venue time in force %q", vo.TimeInForce)
	}

	order := &domain.Order{
		ID:            vo.ClientOrderID,
		Broker:        string(brokers.KindAlpaca),
		BrokerOrderID: vo.ID,
		Symbol:        vo.Symbol,
		Side:          domain.OrderSide(vo.Side),
		Type:          orderType,
		TimeInForce:   tif,
		Status:        status,
		Qty:           mustDecimal(vo.Qty),
		FilledQty:     mustDecimal(vo.FilledQty),
		ExtendedHours: vo.ExtendedHours,
	}
	if vo.FilledAvgPrice != nil && *vo.FilledAvgPrice != "" {
		px := mustDecimal(*vo.FilledAvgPrice)
		order.AvgFillPx = &px
	}
	if vo.LimitPrice != nil && *vo.LimitPrice != "" {
		px := mustDecimal(*vo.LimitPrice)
		order.LimitPx = &px
	}
	if vo.StopPrice != nil && *vo.StopPrice != "" {
		px := mustDecimal(*vo.StopPrice)
		order.StopPx = &px
	}
	if t, err := time.Parse(time.RFC3339, vo.CreatedAt); err == nil {
		order.CreatedAt = t
	}
	return order, nil
}

// translateHTTP maps venue HTTP failures into the closed taxonomy.
func (a *Adapter) translateHTTP(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Body()))
	msg := fmt.Sprintf("venue returned %d: %s", resp.StatusCode(), body)

	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		return domain.Errorf(domain.ErrAuthentication, "venue rejected credentials")
	case http.StatusForbidden:
		if strings.Contains(body, "buying power") || strings.Contains(body, "insufficient") {
			return domain.Errorf(domain.ErrInsufficientFunds, "%s", msg)
		}
		return domain.Errorf(domain.ErrAuthentication, "%s", msg)
	case http.StatusNotFound:
		return domain.Errorf(domain.ErrOrderNotFound, "%s", msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return domain.Errorf(domain.ErrValidation, "%s", msg)
	case http.StatusTooManyRequests:
		be := domain.Errorf(domain.ErrRateLimit, "venue rate limit")
		if after := resp.Header().Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				be.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return be
	}
	if resp.StatusCode() >= 500 {
		return domain.Errorf(domain.ErrConnection, "%s", msg)
	}
	return domain.Errorf(domain.ErrInternal, "%s", msg)
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// mustDecimal parses venue decimal strings, treating blanks and junk as
// zero. Venue payloads use empty strings for absent numerics.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
