// Package auth implements Component B, the Token verifier: spec.md §4.B
// exposes exactly one operation, verify(token) -> (identity, expiry) |
// invalid, and requires it to succeed locally for well-known-key-signed
// tokens while optionally falling back to an external identity service.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/fleetctl/controlplane/internal/models"
)

// ErrInvalidToken is returned for any token that fails verification,
// regardless of the underlying cause (signature, expiry, unknown issuer).
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier is the capability spec.md §9 asks for: local verification and
// remote verification are interchangeable behind one interface.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Verifier is stateless and safe for concurrent use, per spec.md §4.B. It
// verifies locally-signed JWTs first and only calls out to an external OIDC
// provider when one is configured and local verification fails.
type Verifier struct {
	local  *JWTVerifier
	remote *OIDCVerifier // nil when no external identity service is configured
}

// NewVerifier builds a Verifier. remote may be nil.
func NewVerifier(local *JWTVerifier, remote *OIDCVerifier) *Verifier {
	return &Verifier{local: local, remote: remote}
}

// Verify implements TokenVerifier.
func (v *Verifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	identity, err := v.local.Verify(token)
	if err == nil {
		return identity, nil
	}
	if v.remote == nil {
		return models.Identity{}, ErrInvalidToken
	}
	return v.remote.Verify(ctx, token)
}

func expired(exp time.Time) bool {
	return !exp.IsZero() && exp.Before(time.Now())
}
