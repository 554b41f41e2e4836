// Package heartbeat implements Component D, the heartbeat manager: sends
// periodic pings to every authenticated connection, tracks pong bookkeeping
// and latency statistics, and declares a connection unhealthy once too many
// pings go unanswered. Grounded on the teacher's hub.go writePump ping
// ticker (30s) and readPump pong-deadline reset (60s) and agent_hub.go's
// checkStaleConnections, generalized into a per-connection health record
// with a bounded latency ring instead of a single last-ping timestamp.
package heartbeat

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

const ringSize = 10

// Config tunes ping cadence and unhealthy thresholds.
type Config struct {
	Interval        time.Duration // default 30s
	MissedThreshold int           // default 3
	PongTimeout     time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.MissedThreshold == 0 {
		c.MissedThreshold = 3
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	return c
}

// Record is the per-connection health state.
type Record struct {
	ConnectionID     string
	AgentID          string
	LastPingSent     time.Time
	LastPongReceived time.Time
	MissedPings      int
	Healthy          bool

	latencies [ringSize]time.Duration
	count     int
	next      int
}

func (r *Record) recordLatency(d time.Duration) {
	r.latencies[r.next] = d
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

// Stats are the latency percentiles computed from the ring without
// per-sample allocation.
type Stats struct {
	Min, Max, Avg, P50, P95, P99 time.Duration
	Samples                      int
}

func (r *Record) stats() Stats {
	if r.count == 0 {
		return Stats{}
	}
	samples := make([]time.Duration, r.count)
	copy(samples, r.latencies[:r.count])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	pick := func(pct float64) time.Duration {
		idx := int(pct * float64(len(samples)-1))
		return samples[idx]
	}
	return Stats{
		Min:     samples[0],
		Max:     samples[len(samples)-1],
		Avg:     sum / time.Duration(len(samples)),
		P50:     pick(0.50),
		P95:     pick(0.95),
		P99:     pick(0.99),
		Samples: len(samples),
	}
}

// EventKind tags a heartbeat lifecycle event.
type EventKind string

const (
	EventUnhealthy EventKind = "connectionUnhealthy"
	EventRecovered EventKind = "connectionRecovered"
)

// Event is emitted when a connection crosses the healthy/unhealthy boundary.
type Event struct {
	Kind         EventKind
	ConnectionID string
	AgentID      string
}

// Manager runs the ping loop and owns every connection's Record.
type Manager struct {
	config Config
	pool   *pool.Pool
	codec  *codec.Codec

	mu      sync.Mutex
	records map[string]*Record

	events chan Event
	stopCh chan struct{}
}

// New constructs a Manager bound to a connection pool.
func New(config Config, p *pool.Pool, c *codec.Codec) *Manager {
	return &Manager{
		config:  config.withDefaults(),
		pool:    p,
		codec:   c,
		records: make(map[string]*Record),
		events:  make(chan Event, 64),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel unhealthy/recovered transitions are published on.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run starts the periodic ping loop; it blocks until Stop is called.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// Stop terminates the ping loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// Forget drops a connection's health record, called when the connection closes.
func (m *Manager) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, connID)
}

func (m *Manager) recordFor(conn models.ConnectionSnapshot) *Record {
	rec, ok := m.records[conn.ConnectionID]
	if !ok {
		rec = &Record{ConnectionID: conn.ConnectionID, Healthy: true}
		m.records[conn.ConnectionID] = rec
	}
	if conn.Role == models.RoleAgent {
		rec.AgentID = conn.Identity
	}
	return rec
}

func (m *Manager) tick() {
	conns := m.pool.Authenticated()
	now := time.Now()

	for _, conn := range conns {
		m.mu.Lock()
		rec := m.recordFor(conn)
		rec.LastPingSent = now
		rec.MissedPings++
		wasHealthy := rec.Healthy
		rec.Healthy = rec.MissedPings < m.config.MissedThreshold
		nowUnhealthy := !rec.Healthy
		agentID := rec.AgentID
		m.mu.Unlock()

		if wasHealthy && nowUnhealthy {
			m.emit(Event{Kind: EventUnhealthy, ConnectionID: conn.ConnectionID, AgentID: agentID})
		}

		env, err := codec.EncodePayload(models.TypePing, conn.ConnectionID, now.UnixMilli(), models.PingPongPayload{Timestamp: now.UnixMilli()})
		if err != nil {
			continue
		}
		frame, err := m.codec.Encode(env)
		if err != nil {
			continue
		}
		if err := m.pool.SendTo(conn.ConnectionID, frame); err != nil {
			logger.Heartbeat().Debug().Str("connectionId", conn.ConnectionID).Err(err).Msg("ping send failed")
		}

		m.schedulePongCheck(conn.ConnectionID, now)
	}
}

func (m *Manager) schedulePongCheck(connID string, pingTime time.Time) {
	time.AfterFunc(m.config.PongTimeout, func() {
		m.mu.Lock()
		rec, ok := m.records[connID]
		if !ok {
			m.mu.Unlock()
			return
		}
		wasHealthy := rec.Healthy
		if rec.LastPongReceived.Before(pingTime) {
			rec.Healthy = rec.MissedPings < m.config.MissedThreshold
		}
		nowUnhealthy := !rec.Healthy
		agentID := rec.AgentID
		m.mu.Unlock()

		if wasHealthy && nowUnhealthy {
			m.emit(Event{Kind: EventUnhealthy, ConnectionID: connID, AgentID: agentID})
		}
	})
}

// RecordPong processes a PONG frame's echoed timestamp.
func (m *Manager) RecordPong(connID string, echoedTimestampMs int64) {
	now := time.Now()
	latency := now.Sub(time.UnixMilli(echoedTimestampMs))

	m.mu.Lock()
	rec, ok := m.records[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.LastPongReceived = now
	rec.recordLatency(latency)
	if rec.MissedPings > 0 {
		rec.MissedPings--
	}
	wasHealthy := rec.Healthy
	rec.Healthy = rec.MissedPings < m.config.MissedThreshold
	nowHealthy := rec.Healthy
	agentID := rec.AgentID
	m.mu.Unlock()

	if !wasHealthy && nowHealthy {
		m.emit(Event{Kind: EventRecovered, ConnectionID: connID, AgentID: agentID})
	}
}

// Healthy reports a connection's current health flag.
func (m *Manager) Healthy(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return true
	}
	return rec.Healthy
}

// Stats returns the latency distribution for a connection.
func (m *Manager) Stats(connID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return Stats{}
	}
	return rec.stats()
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		logger.Heartbeat().Warn().Str("kind", string(e.Kind)).Msg("heartbeat event channel full, dropping event")
	}
}
