package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func sourceOf(tok string, err error) TokenSource {
	return func(context.Context) (string, error) { return tok, err }
}

func TestBearerProvider_ValidToken(t *testing.T) {
	tok := signToken(t, "user-42", time.Now().Add(time.Hour))
	p := NewBearerProvider(sourceOf(tok, nil))

	got := p.ActiveIdentity(context.Background())
	assert.True(t, got.Valid)
	assert.Equal(t, "user-42", got.ID)
}

func TestBearerProvider_ExpiredToken(t *testing.T) {
	tok := signToken(t, "user-42", time.Now().Add(-time.Minute))
	p := NewBearerProvider(sourceOf(tok, nil))

	got := p.ActiveIdentity(context.Background())
	assert.False(t, got.Valid, "expired credential must not sync")
	assert.Equal(t, "user-42", got.ID)
}

func TestBearerProvider_NoExpiry(t *testing.T) {
	tok := signToken(t, "user-42", time.Time{})
	p := NewBearerProvider(sourceOf(tok, nil))
	assert.True(t, p.ActiveIdentity(context.Background()).Valid)
}

func TestBearerProvider_Degenerate(t *testing.T) {
	cases := []struct {
		name   string
		source TokenSource
	}{
		{"source error", sourceOf("", errors.New("keychain locked"))},
		{"empty token", sourceOf("", nil)},
		{"not a jwt", sourceOf("garbage", nil)},
		{"no subject", sourceOf(signToken(t, "", time.Now().Add(time.Hour)), nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NewBearerProvider(tc.source).ActiveIdentity(context.Background())
			assert.False(t, got.Valid)
		})
	}
}

func TestStatic(t *testing.T) {
	assert.Equal(t, Identity{ID: "u", Valid: true}, Static("u").ActiveIdentity(context.Background()))
	assert.False(t, Static("").ActiveIdentity(context.Background()).Valid)
}
