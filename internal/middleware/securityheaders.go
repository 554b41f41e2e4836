package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the fixed set of response headers the control plane's
// HTTP surface (device-authorization, audit query, internal status) needs:
// no browser ever renders this API's responses, so the nonce-based CSP and
// iframe-embedding exceptions the original UI-facing middleware carried do
// not apply here.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
