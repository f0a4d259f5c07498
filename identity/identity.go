// Package identity resolves the active authenticated principal. The sync
// engine consumes identities as already-validated values; session issuance
// lives elsewhere.
package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the principal a sync run executes under.
type Identity struct {
	ID    string
	Valid bool
}

// Provider reports the currently active identity. The engine re-checks it at
// the start of every run to guard against syncing under a stale account after
// a fast account switch.
type Provider interface {
	ActiveIdentity(ctx context.Context) Identity
}

// TokenSource returns the current bearer credential.
type TokenSource func(ctx context.Context) (string, error)

// BearerProvider derives the active identity from the bearer token's
// registered claims. The token was issued by the auth layer and is verified
// server-side on every request; locally we only read the subject and reject
// expired tokens.
type BearerProvider struct {
	token TokenSource
	now   func() time.Time
}

var _ Provider = (*BearerProvider)(nil)

// NewBearerProvider creates a provider backed by source.
func NewBearerProvider(source TokenSource) *BearerProvider {
	return &BearerProvider{token: source, now: time.Now}
}

// ActiveIdentity implements Provider.
func (p *BearerProvider) ActiveIdentity(ctx context.Context) Identity {
	raw, err := p.token(ctx)
	if err != nil || raw == "" {
		return Identity{}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}
	}
	if claims.Subject == "" {
		return Identity{}
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(p.now()) {
		return Identity{ID: claims.Subject, Valid: false}
	}
	return Identity{ID: claims.Subject, Valid: true}
}

// Static returns a provider that always reports id as valid. Intended for
// tests and single-user embedders that manage auth out of band.
func Static(id string) Provider {
	return staticProvider{id: id}
}

type staticProvider struct{ id string }

func (s staticProvider) ActiveIdentity(context.Context) Identity {
	return Identity{ID: s.id, Valid: s.id != ""}
}
