// Package auth verifies bearer tokens issued by the external identity
// collaborator and exposes the principal to handlers. Tokens are HS256 JWTs;
// this service never issues or stores credentials.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/domain"
)

type contextKey struct{}

// Claims is the expected token payload.
type Claims struct {
	jwt.RegisteredClaims
	AccountIDs   []string `json:"accounts,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Verifier validates bearer tokens into principals.
type Verifier struct {
	secret   []byte
	disabled bool
	log      zerolog.Logger
}

// NewVerifier builds a verifier. With disabled set, every request carries a
// static unrestricted dev principal.
func NewVerifier(secret string, disabled bool, log zerolog.Logger) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		disabled: disabled,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*domain.UserPrincipal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return &domain.UserPrincipal{
		UserID:       claims.Subject,
		AccountIDs:   claims.AccountIDs,
		Capabilities: claims.Capabilities,
	}, nil
}

// Middleware authenticates requests and stashes the principal in the
// request context. Unauthenticated requests get a 401 from the handler via
// the unauthorized callback so response envelopes stay uniform.
func (v *Verifier) Middleware(unauthorized func(w http.ResponseWriter, r *http.Request, reason string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v.disabled {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), DevPrincipal())))
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, r, "missing bearer token")
				return
			}
			principal, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				v.log.Debug().Err(err).Msg("Token rejected")
				unauthorized(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// DevPrincipal is the unrestricted principal injected when auth is
// disabled.
func DevPrincipal() *domain.UserPrincipal {
	return &domain.UserPrincipal{UserID: "dev"}
}

// WithPrincipal stores a principal in a context.
func WithPrincipal(ctx context.Context, p *domain.UserPrincipal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*domain.UserPrincipal, bool) {
	p, ok := ctx.Value(contextKey{}).(*domain.UserPrincipal)
	return p, ok
}

// PermissiveGate allows everything; the development FeatureGate.
type PermissiveGate struct{}

// Allow always permits.
func (PermissiveGate) Allow(context.Context, *domain.UserPrincipal, string, int) domain.GateDecision {
	return domain.GateDecision{Allowed: true}
}

var _ domain.FeatureGate = PermissiveGate{}
