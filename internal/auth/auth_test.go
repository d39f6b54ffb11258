package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func userClaims(subject string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AccountIDs:   []string{"acct1", "acct2"},
		Capabilities: []string{"orders.place"},
	}
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())

	principal, err := v.Verify(mintToken(t, testSecret, userClaims("u1")))
	require.NoError(t, err)
	assert.Equal(t, "u1", principal.UserID)
	assert.Equal(t, []string{"acct1", "acct2"}, principal.AccountIDs)
	assert.True(t, principal.CanAccess("acct1"))
	assert.False(t, principal.CanAccess("acct9"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	_, err := v.Verify(mintToken(t, "other-secret", userClaims("u1")))
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	claims := userClaims("u1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err := v.Verify(mintToken(t, testSecret, claims))
	assert.Error(t, err)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	claims := userClaims("u1")
	claims.Subject = ""
	_, err := v.Verify(mintToken(t, testSecret, claims))
	assert.Error(t, err)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	token := jwt.NewWithClaims(jwt.SigningMethodNone, userClaims("u1"))
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(raw)
	assert.Error(t, err)
}

func captureMiddleware(v *Verifier) (http.Handler, **string) {
	var seenUser *string
	handler := v.Middleware(func(w http.ResponseWriter, r *http.Request, reason string) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); ok {
			u := p.UserID
			seenUser = &u
		}
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &seenUser
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	handler, seenUser := captureMiddleware(v)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, userClaims("u1")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *seenUser)
	assert.Equal(t, "u1", **seenUser)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	v := NewVerifier(testSecret, false, zerolog.Nop())
	handler, _ := captureMiddleware(v)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareDisabledInjectsDevPrincipal(t *testing.T) {
	v := NewVerifier("", true, zerolog.Nop())
	handler, seenUser := captureMiddleware(v)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *seenUser)
	assert.Equal(t, "dev", **seenUser)

	// The dev principal is unrestricted.
	assert.True(t, DevPrincipal().CanAccess("any-account"))
}

func TestPermissiveGateAllows(t *testing.T) {
	decision := PermissiveGate{}.Allow(context.Background(), DevPrincipal(), "scanner", 1)
	assert.True(t, decision.Allowed)
}
