package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/auth"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/dispatcher"
	"github.com/fleetctl/controlplane/internal/emergency"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/middleware"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

// Config tunes the HTTP surface and WebSocket upgrade behavior.
type Config struct {
	AllowedOrigins []string // empty means accept any origin

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	RateLimitRPS   float64
	RateLimitBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 20
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 40
	}
	return c
}

// Server wires every connection-plane component to the HTTP and WebSocket
// transport. It owns no business logic of its own: each handler translates
// between the wire and the already-built components (pool, codec,
// dispatcher, fanout, heartbeat, tokenmanager, audit, emergency).
type Server struct {
	config Config

	pool       *pool.Pool
	codec      *codec.Codec
	heartbeat  *heartbeat.Manager
	tokens     *tokenmanager.Manager
	dispatcher *dispatcher.Dispatcher
	fanout     *fanout.Fanout
	audit      *audit.Sink
	emergency  *emergency.Controller
	verifier   *auth.Verifier
	jwt        *auth.JWTVerifier
	sessions   *auth.SessionStore
	bus        *events.Bus

	upgrader   websocket.Upgrader
	devices    *deviceCodeStore
	agentKeys  *agentKeyStore
	identities *IdentityStore

	router *gin.Engine
	http   *http.Server
}

// Dependencies bundles every already-constructed component Server needs.
type Dependencies struct {
	Pool       *pool.Pool
	Codec      *codec.Codec
	Heartbeat  *heartbeat.Manager
	Tokens     *tokenmanager.Manager
	Dispatcher *dispatcher.Dispatcher
	Fanout     *fanout.Fanout
	Audit      *audit.Sink
	Emergency  *emergency.Controller
	Verifier   *auth.Verifier
	JWT        *auth.JWTVerifier
	Sessions   *auth.SessionStore
	Bus        *events.Bus

	// Identities is the store shared with the TokenRefresher passed to
	// Tokens at construction time; Server populates it on every successful
	// handshake.
	Identities *IdentityStore
}

// New constructs a Server and its gin router but does not start listening.
func New(config Config, deps Dependencies) *Server {
	config = config.withDefaults()

	identities := deps.Identities
	if identities == nil {
		identities = NewIdentityStore()
	}

	s := &Server{
		config:     config,
		pool:       deps.Pool,
		codec:      deps.Codec,
		heartbeat:  deps.Heartbeat,
		tokens:     deps.Tokens,
		dispatcher: deps.Dispatcher,
		fanout:     deps.Fanout,
		audit:      deps.Audit,
		emergency:  deps.Emergency,
		verifier:   deps.Verifier,
		jwt:        deps.JWT,
		sessions:   deps.Sessions,
		bus:        deps.Bus,
		devices:    newDeviceCodeStore(),
		agentKeys:  newAgentKeyStore(),
		identities: identities,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.router = s.buildRouter()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Gzip(middleware.DefaultCompression))
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))

	limiter := middleware.NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)
	router.Use(limiter.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws/agent", s.HandleAgentWS)
	router.GET("/ws/dashboard", s.HandleDashboardWS)

	device := router.Group("/device")
	device.Use(middleware.JSONSizeLimiter())
	{
		device.POST("/authorize", s.handleDeviceAuthorize)
		device.POST("/token", s.handleDeviceToken)
	}

	cli := router.Group("/cli")
	cli.Use(middleware.JSONSizeLimiter())
	{
		cli.POST("/refresh", s.handleCLIRefresh)
		cli.POST("/validate", s.handleCLIValidate)
		cli.POST("/revoke", s.handleCLIRevoke)
	}

	authed := router.Group("/")
	authed.Use(s.requireDashboardAuth())
	{
		authed.GET("/audit-logs", s.handleAuditQuery)
		authed.GET("/internal/status", s.handleStatus)
	}

	return router
}

// Router exposes the gin engine, e.g. for an httptest.Server in tests;
// Listen builds the *http.Server that cmd/main.go serves.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Listen constructs the underlying *http.Server bound to addr, grounded on
// the teacher's cmd/main.go http.Server construction.
func (s *Server) Listen(addr string) *http.Server {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	return s.http
}

// Shutdown gracefully drains the HTTP server. The caller is responsible for
// stopping the background components (pool, heartbeat, tokens, dispatcher,
// audit) afterward.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) rememberIdentity(connID string, identity models.Identity) {
	s.identities.Remember(connID, identity)
}

func (s *Server) forgetIdentity(connID string) {
	s.identities.Forget(connID)
}

// removeConnection tears down every component's record of one socket,
// called exactly once per closed connection regardless of which side
// initiated the close.
func (s *Server) removeConnection(connID string) {
	s.pool.Remove(connID)
	s.heartbeat.Forget(connID)
	s.tokens.Forget(connID)
	s.forgetIdentity(connID)
}

// RegisterAgentAPIKey provisions a pre-shared API key for agentID, the
// supplemented auth path for unattended agents (SPEC_FULL.md §10.1). The
// returned plaintext key is shown to the operator exactly once.
func (s *Server) RegisterAgentAPIKey(agentID string) (string, error) {
	return s.agentKeys.Register(agentID)
}

// extractToken implements spec.md's handshake token-source chain: the
// Authorization header, then the ?token= query parameter, then a token=
// cookie.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}
