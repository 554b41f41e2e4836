// Package pool implements Component C, the connection pool: owns every
// live socket's Connection record, authenticates it exactly once, and runs
// a periodic sweeper that reaps idle, unauthenticated-too-long, and
// dead-socket entries. Grounded on the teacher's AgentHub (connections map,
// register/unregister channels, checkStaleConnections ticker), generalized
// from agent-only to both agent and dashboard connections and from a single
// 30s-no-heartbeat rule to the three independent sweep rules spec.md §4.C
// names.
package pool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
)

// Sender abstracts the outbound half of a socket so the pool never holds a
// lock while performing a network send (spec.md §5's shared-resource
// policy): callers take a detached reference, release the lock, then send.
type Sender interface {
	Send(frame []byte) error
	Closed() bool
	Close() error
}

// Connection is the pool's record for one live socket.
type Connection struct {
	ID             string
	Role           models.ConnectionRole
	UserID         string // set once authenticated, role == dashboard
	AgentID        string // set once authenticated, role == agent
	Authenticated  bool
	ConnectedAt    time.Time
	LastActivityAt time.Time
	MessagesIn     uint64
	MessagesOut    uint64
	BytesIn        uint64
	BytesOut       uint64
	RemoteAddr     string
	UserAgent      string

	sender  Sender
	limiter *rate.Limiter
	mu      sync.RWMutex
}

func (c *Connection) snapshot() models.ConnectionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	identity := c.UserID
	if c.Role == models.RoleAgent {
		identity = c.AgentID
	}
	return models.ConnectionSnapshot{
		ConnectionID:   c.ID,
		Role:           c.Role,
		Identity:       identity,
		Authenticated:  c.Authenticated,
		ConnectedAt:    c.ConnectedAt,
		LastActivityAt: c.LastActivityAt,
		MessagesIn:     c.MessagesIn,
		MessagesOut:    c.MessagesOut,
		BytesIn:        c.BytesIn,
		BytesOut:       c.BytesOut,
		RemoteAddr:     c.RemoteAddr,
		UserAgent:      c.UserAgent,
	}
}

// EventKind tags a pool lifecycle event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
	EventError   EventKind = "error"
)

// Event is emitted on the pool's event channel. The dispatcher is its only
// reader (cmd/main.go hands Events() to dispatcher.Run); the heartbeat,
// token, and audit subsystems do not read it.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Role         models.ConnectionRole
	AgentID      string
	UserID       string
	Err          error
}

// Config tunes the sweeper and the per-connection message rate limit.
type Config struct {
	SweepInterval time.Duration // default 30s
	IdleTimeout   time.Duration // default 30min
	UnauthTimeout time.Duration // default 60s

	// MessageRateLimit and MessageRateBurst bound how many frames a single
	// connection may send, spec.md §5's "100 messages/60s" default: a
	// bucket that starts full at MessageRateBurst and refills at
	// MessageRateLimit per second.
	MessageRateLimit float64 // messages/sec, default 100/60
	MessageRateBurst int     // default 100
}

func (c Config) withDefaults() Config {
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.UnauthTimeout == 0 {
		c.UnauthTimeout = 60 * time.Second
	}
	if c.MessageRateLimit == 0 {
		c.MessageRateLimit = 100.0 / 60.0
	}
	if c.MessageRateBurst == 0 {
		c.MessageRateBurst = 100
	}
	return c
}

// Pool owns the connection-id -> Connection mapping.
type Pool struct {
	config Config

	mu          sync.RWMutex
	connections map[string]*Connection
	byAgent     map[string]string // agentID -> connectionID
	byUser      map[string]map[string]bool // userID -> set of connectionIDs

	events  chan Event
	stopCh  chan struct{}
	stopped bool
}

// New constructs a Pool. Call Run in a goroutine to start the sweeper.
func New(config Config) *Pool {
	return &Pool{
		config:      config.withDefaults(),
		connections: make(map[string]*Connection),
		byAgent:     make(map[string]string),
		byUser:      make(map[string]map[string]bool),
		events:      make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Events returns the channel lifecycle events are published on.
func (p *Pool) Events() <-chan Event {
	return p.events
}

func (p *Pool) emit(e Event) {
	select {
	case p.events <- e:
	default:
		logger.WebSocket().Warn().Str("kind", string(e.Kind)).Msg("pool event channel full, dropping event")
	}
}

// Run starts the periodic sweeper; it blocks until Stop is called.
func (p *Pool) Run() {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// Stop terminates the sweeper loop.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Add registers a new, not-yet-authenticated connection.
func (p *Pool) Add(id string, role models.ConnectionRole, sender Sender, remoteAddr, userAgent string) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:             id,
		Role:           role,
		ConnectedAt:    now,
		LastActivityAt: now,
		RemoteAddr:     remoteAddr,
		UserAgent:      userAgent,
		sender:         sender,
		limiter:        rate.NewLimiter(rate.Limit(p.config.MessageRateLimit), p.config.MessageRateBurst),
	}

	p.mu.Lock()
	p.connections[id] = conn
	p.mu.Unlock()

	p.emit(Event{Kind: EventAdded, ConnectionID: id, Role: role})
	return conn
}

// Authenticate marks a connection authenticated with its identity. If an
// agent connection already holds the same agentId, the older connection is
// closed and removed first, satisfying spec.md §3's "Agent" invariant: at
// most one active Connection per agent id.
func (p *Pool) Authenticate(id string, identity models.Identity, agentID string) {
	p.mu.Lock()
	conn, ok := p.connections[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	var evicted *Connection
	if agentID != "" {
		if oldID, exists := p.byAgent[agentID]; exists && oldID != id {
			evicted = p.connections[oldID]
			delete(p.connections, oldID)
		}
		p.byAgent[agentID] = id
	} else {
		if p.byUser[identity.UserID] == nil {
			p.byUser[identity.UserID] = make(map[string]bool)
		}
		p.byUser[identity.UserID][id] = true
	}
	p.mu.Unlock()

	if evicted != nil {
		evicted.sender.Close()
		p.emit(Event{Kind: EventRemoved, ConnectionID: evicted.ID, Role: evicted.Role, AgentID: agentID})
	}

	conn.mu.Lock()
	conn.Authenticated = true
	conn.UserID = identity.UserID
	conn.AgentID = agentID
	conn.mu.Unlock()

	p.emit(Event{Kind: EventUpdated, ConnectionID: id, Role: conn.Role, AgentID: agentID, UserID: identity.UserID})
}

// Touch records inbound/outbound activity on a connection, used by both the
// read and write paths to keep LastActivityAt current for the idle sweeper.
func (p *Pool) Touch(id string, inBytes, outBytes int) {
	p.mu.RLock()
	conn, ok := p.connections[id]
	p.mu.RUnlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.LastActivityAt = time.Now()
	if inBytes > 0 {
		conn.MessagesIn++
		conn.BytesIn += uint64(inBytes)
	}
	if outBytes > 0 {
		conn.MessagesOut++
		conn.BytesOut += uint64(outBytes)
	}
	conn.mu.Unlock()
}

// Allow reports whether connection id may send another frame right now,
// consuming one token from its per-connection rate limiter if so. A
// breach never closes the socket (spec.md §5/§7); the caller sends a
// RATE_LIMIT_EXCEEDED error and keeps reading.
func (p *Pool) Allow(id string) bool {
	p.mu.RLock()
	conn, ok := p.connections[id]
	p.mu.RUnlock()
	if !ok {
		return true
	}
	return conn.limiter.Allow()
}

// Remove deletes a connection's record exactly once.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	conn, ok := p.connections[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.connections, id)
	if conn.AgentID != "" && p.byAgent[conn.AgentID] == id {
		delete(p.byAgent, conn.AgentID)
	}
	if conn.UserID != "" {
		delete(p.byUser[conn.UserID], id)
	}
	p.mu.Unlock()

	p.emit(Event{Kind: EventRemoved, ConnectionID: id, Role: conn.Role, AgentID: conn.AgentID, UserID: conn.UserID})
}

// CloseConnection tears down one connection's underlying socket and removes
// its record, the forced-teardown path tokenmanager's EventPermanentlyFailed
// needs (spec.md §4.E: a record that can never refresh closes the socket
// rather than retrying forever).
func (p *Pool) CloseConnection(id string) {
	p.mu.RLock()
	conn, ok := p.connections[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	conn.sender.Close()
	p.Remove(id)
}

// Get returns a connection by id.
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.connections[id]
	return conn, ok
}

// GetByAgent returns the connection currently authenticated as agentID.
func (p *Pool) GetByAgent(agentID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byAgent[agentID]
	if !ok {
		return nil, false
	}
	conn, ok := p.connections[id]
	return conn, ok
}

// GetByUser returns every connection authenticated as userID.
func (p *Pool) GetByUser(userID string) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Connection
	for id := range p.byUser[userID] {
		if conn, ok := p.connections[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// GetByType returns a snapshot of every connection with the given role.
func (p *Pool) GetByType(role models.ConnectionRole) []models.ConnectionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.ConnectionSnapshot
	for _, conn := range p.connections {
		if conn.Role == role {
			out = append(out, conn.snapshot())
		}
	}
	return out
}

// Authenticated returns a snapshot of every authenticated connection.
func (p *Pool) Authenticated() []models.ConnectionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.ConnectionSnapshot
	for _, conn := range p.connections {
		if conn.Authenticated {
			out = append(out, conn.snapshot())
		}
	}
	return out
}

// Healthy reports whether a connection's underlying socket is still usable.
// The heartbeat subsystem overrides this notion of health with its own
// missed-ping bookkeeping; this check only rules out a socket already torn
// down.
func (p *Pool) Healthy(id string) bool {
	p.mu.RLock()
	conn, ok := p.connections[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return !conn.sender.Closed()
}

// SendTo delivers frame to one connection. It never holds the pool lock
// while sending.
func (p *Pool) SendTo(id string, frame []byte) error {
	p.mu.RLock()
	conn, ok := p.connections[id]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	err := conn.sender.Send(frame)
	if err == nil {
		p.Touch(id, 0, len(frame))
	}
	return err
}

// Broadcast delivers frame to every authenticated connection matching
// filter. A send failure does not abort the broadcast; the failing
// connection is left for the sweeper to reap.
func (p *Pool) Broadcast(filter func(models.ConnectionSnapshot) bool, frame []byte) {
	p.mu.RLock()
	var targets []*Connection
	for _, conn := range p.connections {
		if !conn.Authenticated {
			continue
		}
		if filter == nil || filter(conn.snapshot()) {
			targets = append(targets, conn)
		}
	}
	p.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.sender.Send(frame); err != nil {
			p.emit(Event{Kind: EventError, ConnectionID: conn.ID, Role: conn.Role, Err: err})
			continue
		}
		p.Touch(conn.ID, 0, len(frame))
	}
}

// Count returns the number of live connections.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

func (p *Pool) sweep() {
	now := time.Now()

	p.mu.RLock()
	var stale []string
	for id, conn := range p.connections {
		conn.mu.RLock()
		authenticated := conn.Authenticated
		lastActivity := conn.LastActivityAt
		connectedAt := conn.ConnectedAt
		conn.mu.RUnlock()

		switch {
		case authenticated && now.Sub(lastActivity) > p.config.IdleTimeout:
			stale = append(stale, id)
		case !authenticated && now.Sub(connectedAt) > p.config.UnauthTimeout:
			stale = append(stale, id)
		case conn.sender.Closed():
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range stale {
		p.Remove(id)
	}
}
