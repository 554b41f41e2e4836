// Package middleware provides HTTP middleware for the control plane's HTTP
// surface. This file caps request body size; the control plane's HTTP
// routes (device authorization, audit queries) only ever carry small JSON
// bodies, so a generous cap is enough to stop a malformed or hostile client
// from streaming an unbounded body into a handler.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestBodySize bounds any request body on the HTTP surface.
	MaxRequestBodySize int64 = 1 * 1024 * 1024

	// MaxJSONPayloadSize bounds JSON request bodies specifically.
	MaxJSONPayloadSize int64 = 256 * 1024
)

// RequestSizeLimiter rejects requests whose declared or actual body size
// exceeds maxSize.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":       "request entity too large",
				"max_size_mb": float64(maxSize) / (1024 * 1024),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// JSONSizeLimiter applies MaxJSONPayloadSize.
func JSONSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxJSONPayloadSize)
}

// DefaultSizeLimiter applies MaxRequestBodySize.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
