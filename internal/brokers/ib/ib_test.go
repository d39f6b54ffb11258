package ib

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/domain"
	testingpkg "github.com/aristath/tradewire/internal/testing"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	clk := testingpkg.NewFakeClock(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	base := brokers.NewBase(brokers.KindIB, &config.BrokerConfig{RateLimitPerMinute: 600},
		clk, testingpkg.NewSequenceMinter(), zerolog.Nop())
	return New(base, &config.IBConfig{
		GatewayURL:    "http://localhost:0",
		ClientID:      7,
		WebhookSecret: "s3cret",
	}, zerolog.Nop())
}

func gatewaySign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHMACVerifier(t *testing.T) {
	a := newTestAdapter(t)
	body := []byte(`{"reports":[]}`)

	headers := http.Header{}
	headers.Set(SignatureHeader, gatewaySign("s3cret", body))
	assert.NoError(t, a.VerifySignature(body, headers))

	headers.Set(SignatureHeader, gatewaySign("wrong", body))
	err := a.VerifySignature(body, headers)
	require.Error(t, err)
	assert.Equal(t, domain.ErrAuthentication, domain.KindOf(err))
}

type allowAllVerifier struct{}

func (allowAllVerifier) Verify([]byte, http.Header) error { return nil }

func TestSetVerifierReplacesScheme(t *testing.T) {
	a := newTestAdapter(t)
	a.SetSignatureVerifier(allowAllVerifier{})
	assert.NoError(t, a.VerifySignature([]byte(`{}`), http.Header{}))
}

func TestHandleWebhookBatchPreservesOrder(t *testing.T) {
	a := newTestAdapter(t)
	body := []byte(`{"reports":[
		{"orderId": 42, "status": "Submitted"},
		{"orderId": 42, "status": "PartialFill", "filled": "3", "price": "10.00"},
		{"orderId": 42, "status": "Filled", "filled": "2", "price": "10.00", "commission": "0.35"}
	]}`)

	intents, err := a.HandleWebhook(body, http.Header{})
	require.NoError(t, err)
	require.Len(t, intents, 3)

	assert.Equal(t, domain.StatusAccepted, intents[0].Target)
	assert.Equal(t, domain.StatusPartiallyFilled, intents[1].Target)
	assert.Equal(t, domain.StatusFilled, intents[2].Target)

	for _, in := range intents {
		assert.Equal(t, "42", in.BrokerOrderID)
	}
	require.NotNil(t, intents[2].Qty)
	require.NotNil(t, intents[2].Commission)
	assert.True(t, intents[2].Qty.Equal(decimal.NewFromInt(2)))
	assert.True(t, intents[2].Commission.Equal(decimal.RequireFromString("0.35")))
}

func TestHandleWebhookRejectsBadPayloads(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.HandleWebhook([]byte(`{"reports":[]}`), http.Header{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = a.HandleWebhook([]byte(`{"reports":[{"orderId":1,"status":"Frozen"}]}`), http.Header{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestNormalizeStatusSpellings(t *testing.T) {
	for venue, want := range map[string]domain.OrderStatus{
		"PendingSubmit": domain.StatusSubmitted,
		"Submitted":     domain.StatusAccepted,
		"Cancelled":     domain.StatusCanceled,
		"ApiCancelled":  domain.StatusCanceled,
		"Inactive":      domain.StatusRejected,
	} {
		got, ok := NormalizeStatus(venue)
		require.True(t, ok, venue)
		assert.Equal(t, want, got, venue)
	}
}
