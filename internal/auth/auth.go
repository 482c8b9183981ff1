// Package auth verifies the bearer tokens issued to devices and dashboards.
// Tokens are HS256 JWTs carrying the tenant, the subject and a scope list.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

// Scopes.
const (
	ScopeIngest  = "ingest"
	ScopeObserve = "observe"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = eris.New("auth: missing bearer token")
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = eris.New("auth: invalid token")
)

// Claims are the token claims the API relies on. Subject is the device's
// subject id for ingest tokens and may be empty for observers.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space-separated scope list contains s.
func (c *Claims) HasScope(s string) bool {
	for _, have := range strings.Fields(c.Scope) {
		if have == s {
			return true
		}
	}
	return false
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, eris.New("auth: empty jwt secret")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, eris.Wrapf(ErrInvalidToken, "%v", err)
	}
	if claims.TenantID == "" {
		return nil, eris.Wrap(ErrInvalidToken, "no tenant_id claim")
	}
	return claims, nil
}

// Issue signs a token for tenant and subject with the given scopes.
func (v *Verifier) Issue(tenantID, subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Scope:    strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	return s, eris.Wrap(err, "auth: sign token")
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

type ctxKey struct{}

// WithClaims returns a context carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored by WithClaims, or nil.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKey{}).(*Claims)
	return c
}
