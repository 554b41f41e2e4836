package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
)

func init() {
	logger.Initialize("debug", false)
}

// captureLog points the global logger at a buffer for the rest of the test.
// Call it before StructuredLogger(), which takes its logger at construction.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logger.Log
	logger.Log = zerolog.New(&buf)
	t.Cleanup(func() { logger.Log = prev })
	return &buf
}

func TestStructuredLogger_SkipsHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLog(t)
	router := gin.New()
	router.Use(StructuredLogger())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, buf.String())
}

func TestStructuredLogger_LogsIdentityWhenPresent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLog(t)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(IdentityContextKey, models.Identity{UserID: "user-1", Role: "operator"})
		c.Next()
	})
	router.Use(StructuredLogger())
	router.GET("/audit-logs", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/audit-logs?limit=10", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, buf.String(), `"user_id":"user-1"`)
}

func TestStructuredLogger_WarnOnClientError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLog(t)
	router := gin.New()
	router.Use(StructuredLogger())
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, buf.String(), `"level":"warn"`)
}
