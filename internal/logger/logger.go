package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "fleet-control-plane").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// WebSocket creates a logger for connection-plane transport events.
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// Dispatch creates a logger for dispatcher/queue events.
func Dispatch() *zerolog.Logger {
	l := Log.With().Str("component", "dispatch").Logger()
	return &l
}

// Heartbeat creates a logger for heartbeat manager events.
func Heartbeat() *zerolog.Logger {
	l := Log.With().Str("component", "heartbeat").Logger()
	return &l
}

// TokenManager creates a logger for token manager events.
func TokenManager() *zerolog.Logger {
	l := Log.With().Str("component", "tokenmanager").Logger()
	return &l
}

// Audit creates a logger for audit sink events.
func Audit() *zerolog.Logger {
	l := Log.With().Str("component", "audit").Logger()
	return &l
}

// Emergency creates a logger for emergency-stop controller events.
func Emergency() *zerolog.Logger {
	l := Log.With().Str("component", "emergency").Logger()
	return &l
}

// Database creates a logger for database events.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
