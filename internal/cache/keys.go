package cache

import "fmt"

// Key prefixes for different resource types held in Redis.
const (
	PrefixSession   = "session"
	PrefixRateLimit = "ratelimit"
)

// SessionKey is the token-manager session record for a jti: session:{jti}.
func SessionKey(jti string) string {
	return fmt.Sprintf("%s:%s", PrefixSession, jti)
}

// UserSessionsKey indexes the set of session jtis issued to a user, so all
// of a user's sessions can be invalidated together.
func UserSessionsKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:list", PrefixSession, userID)
}

// UserPattern matches every session key belonging to a user.
func UserPattern(userID string) string {
	return fmt.Sprintf("%s:user:%s*", PrefixSession, userID)
}

// RateLimitKey builds a token-bucket counter key for a connection or
// endpoint. Nothing in this module calls it: the per-connection limiter in
// internal/pool and the per-IP HTTP limiter are both in-process.
func RateLimitKey(scope string) string {
	return fmt.Sprintf("%s:%s", PrefixRateLimit, scope)
}
