// Package auth validates the bearer tokens issued by the external identity
// service. Tokens are checked once per HTTP request and once per websocket
// handshake.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID int64  `json:"user_id" mapstructure:"user_id"`
	Name   string `json:"name" mapstructure:"name"`
}

// Validator resolves a token to a principal.
type Validator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// StaticValidator accepts a fixed token table, used for single-tenant
// deployments and tests.
type StaticValidator struct {
	tokens []staticToken
}

type staticToken struct {
	token     []byte
	principal Principal
}

// NewStaticValidator builds a validator from token -> principal.
func NewStaticValidator(tokens map[string]Principal) *StaticValidator {
	v := &StaticValidator{}
	for token, p := range tokens {
		if token == "" {
			continue
		}
		v.tokens = append(v.tokens, staticToken{token: []byte(token), principal: p})
	}
	return v
}

// Validate compares token against every entry in constant time.
func (v *StaticValidator) Validate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, apperrors.New(apperrors.ErrAuth, "missing bearer token")
	}
	var (
		match Principal
		found int
	)
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare(t.token, []byte(token)) == 1 {
			match = t.principal
			found = 1
		}
	}
	if found == 0 {
		return Principal{}, apperrors.New(apperrors.ErrAuth, "invalid bearer token")
	}
	return match, nil
}

// BearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for websocket clients that cannot set
// headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware rejects requests without a valid token with 401.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Validate(r.Context(), BearerToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="routesync"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
