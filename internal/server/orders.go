package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/auth"
	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
)

type placeOrderRequest struct {
	Order     orderBody `json:"order"`
	AccountID string    `json:"accountId"`
	Broker    string    `json:"broker,omitempty"`
	DryRun    bool      `json:"dryRun,omitempty"`
}

type orderBody struct {
	ClientRef     string           `json:"clientRef,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	TIF           string           `json:"tif,omitempty"`
	Qty           decimal.Decimal  `json:"qty"`
	LimitPx       *decimal.Decimal `json:"limitPx,omitempty"`
	StopPx        *decimal.Decimal `json:"stopPx,omitempty"`
	TrailAmt      *decimal.Decimal `json:"trailAmt,omitempty"`
	TrailPct      *decimal.Decimal `json:"trailPct,omitempty"`
	ExtendedHours bool             `json:"extendedHours,omitempty"`
}

// orderValidator is satisfied by every adapter through the shared broker
// base; dry runs use it without routing.
type orderValidator interface {
	ValidateOrder(order *domain.Order, refPx decimal.Decimal) error
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		s.fail(w, http.StatusUnauthorized, string(domain.ErrAuthentication), "no principal")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "failed to read request body")
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "malformed request body")
		return
	}
	if req.AccountID == "" {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "accountId is required")
		return
	}
	if !principal.CanAccess(req.AccountID) {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), "account not accessible")
		return
	}

	if decision := s.gate.Allow(r.Context(), principal, "orders.place", 1); !decision.Allowed {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), decision.Reason)
		return
	}

	scope := idempotency.Scope{UserID: principal.UserID, AccountID: req.AccountID}
	idemKey := r.Header.Get("Idempotency-Key")
	var requestHash string
	idemStored := false
	if idemKey != "" {
		requestHash, err = idempotency.HashRequest(json.RawMessage(body))
		if err != nil {
			s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "failed to fingerprint request")
			return
		}
		result, err := s.idem.Check(idemKey, requestHash, scope)
		if err != nil {
			s.failFrom(w, err)
			return
		}
		switch result.Status {
		case idempotency.Hit:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(result.Response)
			return
		case idempotency.InFlight:
			s.fail(w, http.StatusConflict, string(domain.ErrValidation),
				"a request with this idempotency key is still in flight")
			return
		case idempotency.Conflict:
			s.fail(w, http.StatusConflict, string(domain.ErrValidation),
				"idempotency key reused with a different request")
			return
		}
		// The miss reserved the key. Drop the reservation unless a
		// response lands, so failed placements stay retryable.
		defer func() {
			if !idemStored {
				s.idem.Release(idemKey, scope)
			}
		}()
	}

	brokerKind := brokers.Kind(req.Broker)
	if req.Broker == "" {
		brokerKind = brokers.KindPaper
	}
	adapter, err := s.registry.Get(brokerKind)
	if err != nil {
		s.failFrom(w, err)
		return
	}

	if req.DryRun {
		s.dryRun(w, r, adapter, &req, principal.UserID)
		return
	}

	order, err := s.engine.Create(r.Context(), lifecycle.CreateParams{
		ClientRef:     req.Order.ClientRef,
		UserID:        principal.UserID,
		AccountID:     req.AccountID,
		Broker:        string(brokerKind),
		Symbol:        req.Order.Symbol,
		Side:          domain.OrderSide(req.Order.Side),
		Type:          domain.OrderType(req.Order.Type),
		TIF:           timeInForceOrDefault(req.Order.TIF),
		Qty:           req.Order.Qty,
		LimitPx:       req.Order.LimitPx,
		StopPx:        req.Order.StopPx,
		TrailAmt:      req.Order.TrailAmt,
		TrailPct:      req.Order.TrailPct,
		ExtendedHours: req.Order.ExtendedHours,
	})
	if err != nil {
		s.failFrom(w, err)
		return
	}

	placed, err := adapter.Place(r.Context(), order)
	if err != nil {
		// Mark the local order rejected so it never lingers as pending.
		_, _, applyErr := s.engine.Apply(r.Context(), lifecycle.Attempt{
			OrderID:  order.ID,
			Expected: domain.StatusPending,
			Target:   domain.StatusRejected,
			Reason:   err.Error(),
		})
		if applyErr != nil {
			s.log.Error().Err(applyErr).Str("order_id", order.ID).Msg("Failed to reject order after place failure")
		}
		s.failFrom(w, err)
		return
	}

	if err := s.engine.SetBrokerOrderID(r.Context(), order.ID, placed.BrokerOrderID); err != nil {
		s.failFrom(w, err)
		return
	}
	submitted, _, err := s.engine.Apply(r.Context(), lifecycle.Attempt{
		OrderID:  order.ID,
		Expected: domain.StatusPending,
		Target:   domain.StatusSubmitted,
		Reason:   "routed to " + string(brokerKind),
	})
	if err != nil {
		s.failFrom(w, err)
		return
	}

	written := s.okBytes(w, func(env *envelope) {
		env.Order = submitted
	})
	if idemKey != "" && written != nil {
		if err := s.idem.Store(idemKey, requestHash, written, scope, 0); err != nil {
			// Fail open: the order placed, replay protection just lapses.
			s.log.Warn().Err(err).Msg("Failed to store idempotency record")
		} else {
			idemStored = true
		}
	}
}

// dryRun validates and prices an order without routing it.
func (s *Server) dryRun(w http.ResponseWriter, r *http.Request, adapter brokers.Adapter, req *placeOrderRequest, userID string) {
	validator, ok := adapter.(orderValidator)
	if !ok {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "broker does not support dry runs")
		return
	}

	order := &domain.Order{
		ClientRef:     req.Order.ClientRef,
		UserID:        userID,
		AccountID:     req.AccountID,
		Broker:        string(adapter.Kind()),
		Symbol:        req.Order.Symbol,
		Side:          domain.OrderSide(req.Order.Side),
		Type:          domain.OrderType(req.Order.Type),
		TimeInForce:   timeInForceOrDefault(req.Order.TIF),
		Qty:           req.Order.Qty,
		LimitPx:       req.Order.LimitPx,
		StopPx:        req.Order.StopPx,
		TrailAmt:      req.Order.TrailAmt,
		TrailPct:      req.Order.TrailPct,
		ExtendedHours: req.Order.ExtendedHours,
		Status:        domain.StatusPending,
	}

	refPx := decimal.Zero
	estimated := decimal.Zero
	if s.quotes != nil {
		if quote, err := s.quotes.Quote(r.Context(), order.Symbol); err == nil {
			refPx = quote.Mid()
			estimated = order.Qty.Mul(refPx)
		}
	}
	if err := validator.ValidateOrder(order, refPx); err != nil {
		s.failFrom(w, err)
		return
	}

	s.ok(w, func(env *envelope) {
		env.Order = order
		env.Data = map[string]interface{}{
			"dryRun":            true,
			"referencePx":       refPx,
			"estimatedNotional": estimated,
		}
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, adapter, ok := s.resolveOrder(w, r, orderID)
	if !ok {
		return
	}

	if _, err := adapter.Cancel(r.Context(), order.BrokerOrderID); err != nil {
		s.failFrom(w, err)
		return
	}
	canceled, _, err := s.engine.Apply(r.Context(), lifecycle.Attempt{
		OrderID: orderID,
		Target:  domain.StatusCanceled,
		Reason:  "canceled by client",
	})
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) { env.Order = canceled })
}

type modifyOrderRequest struct {
	Qty     *decimal.Decimal `json:"qty,omitempty"`
	LimitPx *decimal.Decimal `json:"limitPx,omitempty"`
	StopPx  *decimal.Decimal `json:"stopPx,omitempty"`
	TIF     string           `json:"tif,omitempty"`
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, adapter, ok := s.resolveOrder(w, r, orderID)
	if !ok {
		return
	}

	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, string(domain.ErrValidation), "malformed request body")
		return
	}

	update := domain.OrderUpdate{
		OrderID:   order.BrokerOrderID,
		AccountID: order.AccountID,
		Qty:       req.Qty,
		LimitPx:   req.LimitPx,
		StopPx:    req.StopPx,
	}
	if req.TIF != "" {
		tif := domain.TimeInForce(req.TIF)
		update.TimeInForce = &tif
	}

	modified, err := adapter.Modify(r.Context(), update)
	if err != nil {
		s.failFrom(w, err)
		return
	}

	// The venue accepted the change; refresh the local view of the working
	// order's parameters.
	refreshed, err := s.engine.Get(r.Context(), orderID)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) {
		env.Order = refreshed
		env.Data = map[string]interface{}{"venueOrder": modified}
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	filter := domain.OrderFilter{
		AccountID: r.URL.Query().Get("accountId"),
		Symbol:    r.URL.Query().Get("symbol"),
		Status:    domain.OrderStatus(r.URL.Query().Get("status")),
	}

	orders, err := s.engine.List(r.Context(), filter, limit)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	// Principals see only their accessible accounts. An empty result is an
	// empty array on the wire, never null.
	visible := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if principal == nil || principal.CanAccess(o.AccountID) {
			visible = append(visible, o)
		}
	}
	s.ok(w, func(env *envelope) { env.Orders = visible })
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, _, ok := s.resolveOrder(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.ok(w, func(env *envelope) { env.Order = order })
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	order, _, ok := s.resolveOrder(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), order.ID)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) {
		env.Order = order
		env.Events = events
	})
}

func (s *Server) handleOrderFills(w http.ResponseWriter, r *http.Request) {
	order, _, ok := s.resolveOrder(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	fills, err := s.engine.Fills(r.Context(), order.ID)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) {
		env.Order = order
		env.Fills = fills
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.positions(w, r, "")
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.positions(w, r, chi.URLParam(r, "symbol"))
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request, symbol string) {
	adapter, accountID, ok := s.resolveAccount(w, r)
	if !ok {
		return
	}
	positions, err := adapter.Positions(r.Context(), accountID, symbol)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	if symbol != "" {
		if len(positions) == 0 {
			s.fail(w, http.StatusNotFound, string(domain.ErrOrderNotFound), "no position in "+symbol)
			return
		}
		s.ok(w, func(env *envelope) { env.Position = positions[0] })
		return
	}
	s.ok(w, func(env *envelope) { env.Positions = positions })
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	adapter, accountID, ok := s.resolveAccount(w, r)
	if !ok {
		return
	}
	account, err := adapter.Account(r.Context(), accountID)
	if err != nil {
		s.failFrom(w, err)
		return
	}
	s.ok(w, func(env *envelope) { env.Account = account })
}

// resolveOrder loads an order the principal may act on, plus its adapter.
func (s *Server) resolveOrder(w http.ResponseWriter, r *http.Request, orderID string) (*domain.Order, brokers.Adapter, bool) {
	principal, _ := auth.PrincipalFrom(r.Context())

	order, err := s.engine.Get(r.Context(), orderID)
	if err != nil {
		s.failFrom(w, err)
		return nil, nil, false
	}
	if principal != nil && !principal.CanAccess(order.AccountID) {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), "account not accessible")
		return nil, nil, false
	}
	adapter, err := s.registry.Get(brokers.Kind(order.Broker))
	if err != nil {
		s.failFrom(w, err)
		return nil, nil, false
	}
	return order, adapter, true
}

// resolveAccount picks the adapter and account for account-scoped reads.
func (s *Server) resolveAccount(w http.ResponseWriter, r *http.Request) (brokers.Adapter, string, bool) {
	principal, _ := auth.PrincipalFrom(r.Context())

	brokerKind := brokers.Kind(r.URL.Query().Get("broker"))
	if brokerKind == "" {
		brokerKind = brokers.KindPaper
	}
	adapter, err := s.registry.Get(brokerKind)
	if err != nil {
		s.failFrom(w, err)
		return nil, "", false
	}

	accountID := r.URL.Query().Get("accountId")
	if accountID == "" && principal != nil && len(principal.AccountIDs) == 1 {
		accountID = principal.AccountIDs[0]
	}
	if accountID != "" && principal != nil && !principal.CanAccess(accountID) {
		s.fail(w, http.StatusForbidden, string(domain.ErrAuthentication), "account not accessible")
		return nil, "", false
	}
	return adapter, accountID, true
}

func timeInForceOrDefault(raw string) domain.TimeInForce {
	if raw == "" {
		return domain.TIFDay
	}
	return domain.TimeInForce(raw)
}
