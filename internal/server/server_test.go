package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/aggregation"
	"github.com/aristath/tradewire/internal/auth"
	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/brokers/alpaca"
	"github.com/aristath/tradewire/internal/brokers/paper"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/hub"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
	"github.com/aristath/tradewire/internal/marketdata"
	"github.com/aristath/tradewire/internal/scanner"
	testingpkg "github.com/aristath/tradewire/internal/testing"
	"github.com/aristath/tradewire/internal/webhooks"
)

type staticQuotes struct {
	mu     sync.Mutex
	quotes map[string]*domain.Quote
}

func (q *staticQuotes) Quote(_ context.Context, symbol string) (*domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	quote, ok := q.quotes[symbol]
	if !ok {
		return nil, domain.NewBrokerError(domain.ErrValidation, "no quote for "+symbol, nil)
	}
	clone := *quote
	return &clone, nil
}

// newTestServer wires a server against in-memory collaborators and the
// simulated paper venue. Auth is disabled unless a secret is given.
func newTestServer(t *testing.T, authSecret string) *Server {
	t.Helper()

	log := zerolog.Nop()
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	minter := testingpkg.NewSequenceMinter()
	bus := events.NewBus(log)

	brokerCfg := &config.BrokerConfig{
		RateLimitPerMinute: 600,
		RetryBase:          time.Millisecond,
		RetryMax:           5 * time.Millisecond,
	}
	paperCfg := &config.PaperConfig{
		// Long fill latency keeps orders working so cancel paths are testable.
		FillLatency:  time.Minute,
		SlippageBps:  5,
		StartingCash: 100000,
		MarketOpen:   "09:30",
		MarketClose:  "16:00",
		Seed:         1,
	}

	quotes := &staticQuotes{quotes: map[string]*domain.Quote{
		"AAPL": {
			Symbol:    "AAPL",
			Bid:       decimal.RequireFromString("149.95"),
			Ask:       decimal.RequireFromString("150.05"),
			Timestamp: clk.Now(),
		},
	}}

	registry := brokers.NewRegistry()
	paperAdapter := paper.New(brokers.NewBase(brokers.KindPaper, brokerCfg, clk, minter, log), paperCfg, quotes, log)
	require.NoError(t, paperAdapter.Connect(context.Background()))
	t.Cleanup(func() { _ = paperAdapter.Disconnect(context.Background()) })
	registry.Register(paperAdapter)

	alpacaAdapter := alpaca.New(
		brokers.NewBase(brokers.KindAlpaca, brokerCfg, clk, minter, log),
		&config.AlpacaConfig{BaseURL: "http://localhost:0", WebhookSecret: "whsec"},
		log,
	)
	registry.Register(alpacaAdapter)

	engine := lifecycle.NewEngine(bus, clk, minter, nil, log)
	idem := idempotency.New(idempotency.NewMemoryBackend(), clk, time.Hour, log)
	intake := webhooks.New(registry, engine, bus, log)

	hubCfg := &config.HubConfig{
		QueueSize:          64,
		RateLimitPerSecond: 1000,
		HeartbeatInterval:  time.Hour,
		OverflowPolicy:     "dropOldest",
	}
	h := hub.New(hubCfg, clk, log)
	t.Cleanup(h.Shutdown)

	scanCfg := &config.ScannerConfig{CacheTTL: time.Minute, FetchConcurrency: 4, MaxLimit: 100}
	market := marketdata.NewService(marketdata.NewSnapshotCache(time.Minute, log), log)
	scanEngine, err := scanner.New(scanCfg, market, bus, clk, log)
	require.NoError(t, err)
	t.Cleanup(scanEngine.Close)

	aggCfg := &config.AggregationConfig{MinScanners: 2}
	agg := aggregation.New(aggCfg, aggregation.NewReliabilityTracker(nil, log), clk, log)

	cfg := &config.Config{
		Port:    0,
		DevMode: true,
		Broker:  brokerCfg,
		Paper:   paperCfg,
		Hub:     hubCfg,
		Scanner: scanCfg,
		Agg:     aggCfg,
	}

	return New(Deps{
		Cfg:      cfg,
		Log:      log,
		Clock:    clk,
		Engine:   engine,
		Idem:     idem,
		Registry: registry,
		Intake:   intake,
		Hub:      h,
		Scanner:  scanEngine,
		Agg:      agg,
		Quotes:   quotes,
		Verifier: auth.NewVerifier(authSecret, authSecret == "", log),
		Gate:     auth.PermissiveGate{},
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func placeBody(symbol string) []byte {
	return []byte(`{"accountId":"paper-account","order":{"symbol":"` + symbol + `","side":"buy","type":"market","qty":"1"}}`)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeEnvelope(t, rec)["status"])
}

func TestPlaceOrderRoutesToPaperVenue(t *testing.T) {
	srv := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.Equal(t, true, env["success"])
	order := env["order"].(map[string]interface{})
	assert.Equal(t, "submitted", order["status"])
	assert.Equal(t, "paper", order["broker"])
	assert.NotEmpty(t, order["broker_order_id"])
}

func TestPlaceOrderIdempotentReplay(t *testing.T) {
	srv := newTestServer(t, "")
	headers := map[string]string{"Idempotency-Key": "k-replay"}

	first := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes(), "replay must repeat the stored bytes verbatim")

	// Exactly one order reached the book.
	list := doJSON(t, srv, http.MethodGet, "/api/orders", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	orders := decodeEnvelope(t, list)["orders"].([]interface{})
	assert.Len(t, orders, 1)
}

func TestPlaceOrderIdempotencyKeyConflict(t *testing.T) {
	srv := newTestServer(t, "")
	headers := map[string]string{"Idempotency-Key": "k-conflict"}

	first := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	conflict := doJSON(t, srv, http.MethodPost, "/api/orders",
		[]byte(`{"accountId":"paper-account","order":{"symbol":"AAPL","side":"buy","type":"market","qty":"2"}}`), headers)
	require.Equal(t, http.StatusConflict, conflict.Code)
	env := decodeEnvelope(t, conflict)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, string(domain.ErrValidation), env["errorCode"])
}

func TestPlaceOrderRejectsMissingAccount(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/orders",
		[]byte(`{"order":{"symbol":"AAPL","side":"buy","type":"market","qty":"1"}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderUnknownBroker(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/orders",
		[]byte(`{"accountId":"paper-account","broker":"bogus","order":{"symbol":"AAPL","side":"buy","type":"market","qty":"1"}}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.ErrValidation), decodeEnvelope(t, rec)["errorCode"])
}

func TestDryRunValidatesWithoutRouting(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/orders",
		[]byte(`{"accountId":"paper-account","dryRun":true,"order":{"symbol":"AAPL","side":"buy","type":"market","qty":"1"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, true, data["dryRun"])

	// Nothing reached the book.
	list := doJSON(t, srv, http.MethodGet, "/api/orders", nil, nil)
	env = decodeEnvelope(t, list)
	assert.Empty(t, env["orders"])
}

func TestListOrdersEmptyIsAnArray(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/orders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	orders, ok := env["orders"].([]interface{})
	require.True(t, ok, "orders must serialize as a JSON array, not null")
	assert.Empty(t, orders)
}

func TestCancelWorkingOrder(t *testing.T) {
	srv := newTestServer(t, "")

	placed := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), nil)
	require.Equal(t, http.StatusOK, placed.Code, placed.Body.String())
	orderID := decodeEnvelope(t, placed)["order"].(map[string]interface{})["id"].(string)

	rec := doJSON(t, srv, http.MethodDelete, "/api/orders/"+orderID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decodeEnvelope(t, rec)["order"].(map[string]interface{})
	assert.Equal(t, "canceled", order["status"])
}

func TestGetOrderNotFound(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/orders/ord_unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(domain.ErrOrderNotFound), decodeEnvelope(t, rec)["errorCode"])
}

func TestOrderEventsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	placed := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), nil)
	require.Equal(t, http.StatusOK, placed.Code)
	orderID := decodeEnvelope(t, placed)["order"].(map[string]interface{})["id"].(string)

	rec := doJSON(t, srv, http.MethodGet, "/api/orders/"+orderID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeEnvelope(t, rec)["events"].([]interface{})
	assert.NotEmpty(t, events)
}

func TestOrderFillsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	placed := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"), nil)
	require.Equal(t, http.StatusOK, placed.Code)
	orderID := decodeEnvelope(t, placed)["order"].(map[string]interface{})["id"].(string)

	// A working order has no executions yet.
	rec := doJSON(t, srv, http.MethodGet, "/api/orders/"+orderID+"/fills", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Empty(t, env["fills"])

	missing := doJSON(t, srv, http.MethodGet, "/api/orders/ord_missing/fills", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAccountEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/account?accountId=paper-account", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	account := decodeEnvelope(t, rec)["account"].(map[string]interface{})
	assert.Equal(t, "paper-account", account["id"])
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	srv := newTestServer(t, "server-secret")

	rec := doJSON(t, srv, http.MethodGet, "/api/orders", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, string(domain.ErrAuthentication), env["errorCode"])

	token := mintBearer(t, "server-secret", "u1")
	ok := doJSON(t, srv, http.MethodGet, "/api/orders", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestPrincipalAccountScopeEnforced(t *testing.T) {
	srv := newTestServer(t, "server-secret")

	token := mintBearerScoped(t, "server-secret", "u1", []string{"acct-other"})
	rec := doJSON(t, srv, http.MethodPost, "/api/orders", placeBody("AAPL"),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/webhooks/alpaca",
		[]byte(`{"event":"fill"}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(domain.ErrAuthentication), decodeEnvelope(t, rec)["errorCode"])
}

func TestWebhookUnknownBroker(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/webhooks/bogus", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanRunRequiresFilters(t *testing.T) {
	srv := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/scanners/run", []byte(`{"filters":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAggregateEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	runs := []byte(`[
		{"scanner_id":"s1","results":[{"symbol":"AAPL","match_score":80,"matched_filters":["momentum"]}]},
		{"scanner_id":"s2","results":[{"symbol":"AAPL","match_score":90,"matched_filters":["volume"]}]}
	]`)
	rec := doJSON(t, srv, http.MethodPost, "/api/scanners/aggregate", runs, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "AAPL", data[0].(map[string]interface{})["symbol"])
}

func mintBearer(t *testing.T, secret, subject string) string {
	return mintBearerScoped(t, secret, subject, nil)
}

func mintBearerScoped(t *testing.T, secret, subject string, accounts []string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AccountIDs: accounts,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}
