package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fleetctl/controlplane/internal/errors"
)

// RateLimiter is a per-client-IP token bucket limiter for the control
// plane's HTTP surface (device-authorization, audit query, internal
// status). It is independent of the per-connection WebSocket message rate
// limit (spec.md §5's 100 messages/60s default), which lives on
// pool.Connection and is enforced in the agent/dashboard read loops.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter constructs a limiter allowing requestsPerSecond sustained
// with the given burst, per client IP.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.cleanupRoutine()
	return rl
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects requests past the bucket with a RATE_LIMIT_EXCEEDED
// ProtocolError, matching the vocabulary the WebSocket codec uses.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			err := errors.RateLimitExceeded()
			c.JSON(err.StatusCode, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
