package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/auth"
	"github.com/fleetctl/controlplane/internal/cache"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/db"
	"github.com/fleetctl/controlplane/internal/dispatcher"
	"github.com/fleetctl/controlplane/internal/emergency"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/pool"
	"github.com/fleetctl/controlplane/internal/server"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	port := getEnv("SERVER_PORT", "8000")

	log.Info().Msg("connecting to database")
	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "fleetctl"),
		Password: getEnv("DB_PASSWORD", "fleetctl"),
		DBName:   getEnv("DB_NAME", "fleetctl"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       0,
		Enabled:  getEnv("CACHE_ENABLED", "false") == "true",
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize redis cache, continuing without it")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}

	bus := events.NewBus(events.Config{
		URL:      getEnv("NATS_URL", ""),
		User:     getEnv("NATS_USER", ""),
		Password: getEnv("NATS_PASSWORD", ""),
	})

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal().Msg("JWT_SECRET environment variable must be set")
	}
	jwtVerifier := auth.NewJWTVerifier(auth.JWTConfig{
		SecretKey:     jwtSecret,
		Issuer:        getEnv("JWT_ISSUER", "fleetctl-controlplane"),
		TokenDuration: getEnvDuration("JWT_TOKEN_DURATION", time.Hour),
	})

	var oidcVerifier *auth.OIDCVerifier
	if providerURL := os.Getenv("OIDC_PROVIDER_URL"); providerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		oidcVerifier, err = auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			ProviderURL:   providerURL,
			ClientID:      os.Getenv("OIDC_CLIENT_ID"),
			UsernameClaim: getEnv("OIDC_USERNAME_CLAIM", "sub"),
			EmailClaim:    getEnv("OIDC_EMAIL_CLAIM", "email"),
			RoleClaim:     getEnv("OIDC_ROLE_CLAIM", "role"),
		})
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize OIDC verifier")
		}
		log.Info().Str("provider", providerURL).Msg("OIDC fallback verification enabled")
	}
	verifier := auth.NewVerifier(jwtVerifier, oidcVerifier)
	sessions := auth.NewSessionStore(redisCache)

	identities := server.NewIdentityStore()
	refresher := server.NewTokenRefresher(identities, jwtVerifier)
	tokens := tokenmanager.New(tokenmanager.Config{
		CycleInterval:    getEnvDuration("TOKEN_CYCLE_INTERVAL", 60*time.Second),
		RefreshThreshold: getEnvDuration("TOKEN_REFRESH_THRESHOLD", 5*time.Minute),
	}, refresher)

	connPool := pool.New(pool.Config{
		SweepInterval:    getEnvDuration("POOL_SWEEP_INTERVAL", 30*time.Second),
		IdleTimeout:      getEnvDuration("POOL_IDLE_TIMEOUT", 30*time.Minute),
		UnauthTimeout:    getEnvDuration("POOL_UNAUTH_TIMEOUT", 60*time.Second),
		MessageRateLimit: getEnvFloat("POOL_MESSAGE_RATE_LIMIT", 100.0/60.0),
		MessageRateBurst: getEnvInt("POOL_MESSAGE_RATE_BURST", 100),
	})

	frameCodec := codec.New(codec.DefaultLimits())

	heartbeats := heartbeat.New(heartbeat.Config{
		Interval:        getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MissedThreshold: getEnvInt("HEARTBEAT_MISSED_THRESHOLD", 3),
		PongTimeout:     getEnvDuration("HEARTBEAT_PONG_TIMEOUT", 10*time.Second),
	}, connPool, frameCodec)

	fanoutHub := fanout.New(connPool, frameCodec, getEnvInt("FANOUT_BUFFER_SIZE", 256))

	auditSink := audit.New(audit.Config{
		BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1000),
	}, database, bus)

	dispatch := dispatcher.New(dispatcher.Config{
		GraceWindow:      getEnvDuration("DISPATCH_GRACE_WINDOW", 60*time.Second),
		ForceKillTimeout: getEnvDuration("DISPATCH_FORCE_KILL_TIMEOUT", 10*time.Second),
		DefaultQueueMax:  getEnvInt("DISPATCH_QUEUE_MAX", 100),
	}, connPool, frameCodec, fanoutHub, auditSink)

	emergencyController := emergency.New(emergency.Config{
		RequireTOTP: getEnv("EMERGENCY_REQUIRE_TOTP", "false") == "true",
		TOTPSecret:  os.Getenv("EMERGENCY_TOTP_SECRET"),
	}, dispatch, auditSink)

	srv := server.New(server.Config{
		AllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}, server.Dependencies{
		Pool:       connPool,
		Codec:      frameCodec,
		Heartbeat:  heartbeats,
		Tokens:     tokens,
		Dispatcher: dispatch,
		Fanout:     fanoutHub,
		Audit:      auditSink,
		Emergency:  emergencyController,
		Verifier:   verifier,
		JWT:        jwtVerifier,
		Sessions:   sessions,
		Bus:        bus,
		Identities: identities,
	})

	go connPool.Run()
	go heartbeats.Run()
	go tokens.Run()
	go dispatch.Run(connPool.Events(), heartbeats.Events())
	go auditSink.Run()
	auditSink.StartRetentionEnforcement()
	go srv.RunTokenEvents()

	httpServer := srv.Listen(":" + port)
	go func() {
		log.Info().Str("port", port).Msg("control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	connPool.Stop()
	heartbeats.Stop()
	tokens.Stop()
	dispatch.Stop()
	auditSink.Stop()
	bus.Close()
	if err := redisCache.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing redis cache")
	}
	if err := database.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing database")
	}

	log.Info().Msg("shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
