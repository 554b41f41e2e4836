// Package events publishes audit records and emergency-stop broadcasts to
// NATS so other processes (a SIEM exporter, a second control-plane replica)
// can consume the same total-order stream without coupling to this
// process's memory. It degrades gracefully to a no-op when NATS_URL is not
// configured, the same shape the teacher uses to make NATS optional.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetctl/controlplane/internal/logger"
)

// Subject constants, "fleet.<domain>.<action>" format.
const (
	SubjectAuditEvent    = "fleet.audit.event"
	SubjectEmergencyStop = "fleet.emergency.stop"
)

// Config holds NATS connection settings. Leaving URL empty disables the bus.
type Config struct {
	URL      string
	User     string
	Password string
}

// Bus publishes domain events onto NATS subjects. When disabled every
// Publish call is a silent no-op, so callers never need to branch on
// whether NATS is configured.
type Bus struct {
	conn    *nats.Conn
	enabled bool
}

// NewBus connects to NATS if cfg.URL is set; otherwise returns a disabled bus.
func NewBus(cfg Config) *Bus {
	log := logger.WebSocket()
	if cfg.URL == "" {
		log.Warn().Msg("NATS_URL not configured, event bus disabled (audit/emergency broadcast stay in-process only)")
		return &Bus{enabled: false}
	}

	opts := []nats.Option{
		nats.Name("fleet-control-plane"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to NATS, event bus disabled")
		return &Bus{enabled: false}
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Bus{conn: conn, enabled: true}
}

// Enabled reports whether the bus has a live NATS connection.
func (b *Bus) Enabled() bool {
	return b.enabled
}

// Publish marshals v to JSON and publishes it on subject. Best-effort: a
// publish failure is logged, never returned to a hot-path caller, matching
// spec.md §4.I's "append must not block the hot path" requirement.
func (b *Bus) Publish(subject string, v interface{}) {
	if !b.enabled {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.WebSocket().Error().Err(err).Str("subject", subject).Msg("failed to marshal event")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		logger.WebSocket().Error().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// Subscribe registers handler for subject when the bus is enabled. It is a
// no-op when disabled, so a second control-plane replica built against a bus
// without NATS configured simply never receives cross-process events.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	if !b.enabled {
		return nil, nil
	}
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
}
