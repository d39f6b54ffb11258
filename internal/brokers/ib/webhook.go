package ib

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/domain"
)

// SignatureHeader carries the webhook signature on the gateway's callbacks.
const SignatureHeader = "X-Gateway-Signature"

// SignatureVerifier authenticates gateway callbacks. The vendor scheme is
// unpublished; this hook lets it drop in without touching the intake.
type SignatureVerifier interface {
	Verify(body []byte, headers http.Header) error
}

// HMACVerifier is the default: hex HMAC-SHA256 over the raw body with a
// shared secret, constant-time compare.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier builds the default verifier.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify checks the signature header.
func (v *HMACVerifier) Verify(body []byte, headers http.Header) error {
	if len(v.secret) == 0 {
		return domain.Errorf(domain.ErrAuthentication, "webhook secret not configured")
	}
	sig := headers.Get(SignatureHeader)
	if sig == "" {
		return domain.Errorf(domain.ErrAuthentication, "missing gateway signature")
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return domain.Errorf(domain.ErrAuthentication, "gateway signature mismatch")
	}
	return nil
}

// VerifySignature delegates to the installed verifier.
func (a *Adapter) VerifySignature(body []byte, headers http.Header) error {
	return a.verifier.Verify(body, headers)
}

// executionReport is the gateway's callback payload: a batch of status
// changes in gateway order.
type executionReport struct {
	Reports []struct {
		OrderID    int64   `json:"orderId"`
		Status     string  `json:"status"`
		Filled     *string `json:"filled,omitempty"`
		Price      *string `json:"price,omitempty"`
		Commission *string `json:"commission,omitempty"`
		Reason     string  `json:"reason,omitempty"`
	} `json:"reports"`
}

// HandleWebhook translates one verified execution report into intents.
func (a *Adapter) HandleWebhook(body []byte, headers http.Header) ([]brokers.TransitionIntent, error) {
	var report executionReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, domain.NewBrokerError(domain.ErrValidation, "malformed execution report", err)
	}
	if len(report.Reports) == 0 {
		return nil, domain.Errorf(domain.ErrValidation, "execution report carries no entries")
	}

	intents := make([]brokers.TransitionIntent, 0, len(report.Reports))
	for _, r := range report.Reports {
		status, ok := NormalizeStatus(r.Status)
		if !ok {
			return nil, domain.Errorf(domain.ErrValidation, "unmapped gateway status %q", r.Status)
		}

		a.mu.Lock()
		localID := a.toLocal[r.OrderID]
		a.mu.Unlock()

		intent := brokers.TransitionIntent{
			OrderID:       localID,
			BrokerOrderID: strconv.FormatInt(r.OrderID, 10),
			Target:        status,
			Reason:        r.Reason,
			At:            a.Clock().Now(),
		}
		if r.Filled != nil {
			if q, err := decimal.NewFromString(*r.Filled); err == nil {
				intent.Qty = &q
			}
		}
		if r.Price != nil {
			if p, err := decimal.NewFromString(*r.Price); err == nil {
				intent.Px = &p
			}
		}
		if r.Commission != nil {
			if c, err := decimal.NewFromString(*r.Commission); err == nil {
				intent.Commission = &c
			}
		}
		intents = append(intents, intent)

		a.InvalidateOrder(strconv.FormatInt(r.OrderID, 10))
	}
	a.InvalidatePositions()
	a.InvalidateAccount()
	return intents, nil
}
