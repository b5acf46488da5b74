// Package auth turns a bearer token issued by the campus identity provider
// into a model.Identity. It only verifies assertions; it never issues them in
// production.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/collapsinghierarchy/blindreview/model"
)

var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Claims is the subset of the provider's token the claim path reads.
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier checks HS256 tokens signed with secret. A non-empty issuer is
// enforced.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &Verifier{secret: append([]byte(nil), secret...), issuer: issuer}, nil
}

func (v *Verifier) Verify(token string) (model.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return model.Identity{Email: c.Email, EmailVerified: c.EmailVerified}, nil
}

// Issue mints a token the Verifier accepts. Used by tests and reviewctl
// against a dev server.
func Issue(secret []byte, issuer string, id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		Email:         id.Email,
		EmailVerified: id.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Email,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity the middleware attached, if any.
func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// Middleware requires "Authorization: Bearer <jwt>". Requests without a
// valid token are passed to reject.
func Middleware(v *Verifier, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				reject(w, r)
				return
			}
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				reject(w, r)
				return
			}
			id, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
