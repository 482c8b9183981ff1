package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier("secret", "geoattend")
	require.NoError(t, err)

	tok, err := v.Issue("school-a", "s1", time.Hour, ScopeIngest)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "school-a", claims.TenantID)
	assert.Equal(t, "s1", claims.Subject)
	assert.True(t, claims.HasScope(ScopeIngest))
	assert.False(t, claims.HasScope(ScopeObserve))
}

func TestVerifier_Rejects(t *testing.T) {
	v, err := NewVerifier("secret", "geoattend")
	require.NoError(t, err)
	other, err := NewVerifier("other-secret", "geoattend")
	require.NoError(t, err)
	wrongIssuer, err := NewVerifier("secret", "someone-else")
	require.NoError(t, err)

	expired, err := v.Issue("school-a", "s1", -time.Hour, ScopeIngest)
	require.NoError(t, err)
	foreign, err := other.Issue("school-a", "s1", time.Hour, ScopeIngest)
	require.NoError(t, err)
	misissued, err := wrongIssuer.Issue("school-a", "s1", time.Hour, ScopeIngest)
	require.NoError(t, err)
	noTenant, err := v.Issue("", "s1", time.Hour, ScopeIngest)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		TenantID:         "school-a",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: "school-a"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"no tenant":    noTenant,
		"alg none":     none,
		"no expiry":    noExpiry,
		"garbage":      "not.a.token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken("Bearer "))
	assert.Empty(t, BearerToken(""))
}

func TestClaimsContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	c := &Claims{TenantID: "school-a"}
	assert.Same(t, c, FromContext(WithClaims(context.Background(), c)))
}
