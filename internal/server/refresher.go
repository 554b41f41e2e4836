package server

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctl/controlplane/internal/auth"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

// TokenRefresher implements tokenmanager.Refresher by re-signing a fresh
// locally-issued JWT for the connection's identity, Component E's "rotate
// credentials without tearing down the socket" contract. Built before the
// Server it is paired with, since tokenmanager.Manager must already exist
// to become one of Server's Dependencies; the two share an IdentityStore.
type TokenRefresher struct {
	identities *IdentityStore
	jwt        *auth.JWTVerifier
}

// NewTokenRefresher constructs a TokenRefresher over a shared IdentityStore.
func NewTokenRefresher(identities *IdentityStore, jwt *auth.JWTVerifier) *TokenRefresher {
	return &TokenRefresher{identities: identities, jwt: jwt}
}

// Refresh implements tokenmanager.Refresher.
func (r *TokenRefresher) Refresh(ctx context.Context, rec tokenmanager.Record) (string, time.Time, string, error) {
	identity, ok := r.identities.Get(rec.ConnectionID)
	if !ok {
		return "", time.Time{}, "", fmt.Errorf("no identity on record for connection %s", rec.ConnectionID)
	}

	accessToken, expiry, err := r.jwt.GenerateToken(identity.UserID, identity.Email, identity.Role)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return accessToken, expiry, rec.RefreshToken, nil
}
