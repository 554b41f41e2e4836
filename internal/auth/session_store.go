// This file persists per-connection token state (Component E's session
// record) in Redis so a server restart does not force every connection to
// reauthenticate, mirroring the caching rationale in internal/cache/cache.go.
package auth

import (
	"context"
	"time"

	"github.com/fleetctl/controlplane/internal/cache"
)

// Session is the durable record of a connection's current token, stored
// under cache.SessionKey(jti) so an expiring or refreshed token can be
// looked up and invalidated across server replicas.
type Session struct {
	JTI          string    `json:"jti"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionStore persists Sessions in Redis with a TTL matching token expiry.
// A nil or disabled underlying cache degrades to a no-op store: tokens are
// still verified per-request, only cross-restart continuity is lost.
type SessionStore struct {
	cache *cache.Cache
}

// NewSessionStore wraps a cache client. c may be nil.
func NewSessionStore(c *cache.Cache) *SessionStore {
	return &SessionStore{cache: c}
}

func (s *SessionStore) enabled() bool {
	return s.cache != nil && s.cache.IsEnabled()
}

// Save stores a session, expiring it at sess.ExpiresAt.
func (s *SessionStore) Save(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, cache.SessionKey(sess.JTI), sess, ttl); err != nil {
		return err
	}
	return s.cache.Expire(ctx, cache.UserSessionsKey(sess.UserID), ttl)
}

// Get looks up a session by jti. ok is false if the store is disabled, the
// key is missing, or it has expired.
func (s *SessionStore) Get(ctx context.Context, jti string) (Session, bool) {
	var sess Session
	if !s.enabled() {
		return sess, false
	}
	if err := s.cache.Get(ctx, cache.SessionKey(jti), &sess); err != nil {
		return Session{}, false
	}
	return sess, true
}

// Revoke deletes a single session by jti, used when a token is explicitly
// invalidated (e.g. CLI revoke).
func (s *SessionStore) Revoke(ctx context.Context, jti string) error {
	if !s.enabled() {
		return nil
	}
	return s.cache.Delete(ctx, cache.SessionKey(jti))
}

// RevokeAllForUser deletes every session belonging to a user, used on a
// security alert or forced sign-out.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	if !s.enabled() {
		return nil
	}
	return s.cache.DeletePattern(ctx, cache.UserPattern(userID))
}
