// Package tokenmanager implements Component E, the token manager:
// per-connection token lifecycle, threshold-triggered renewal that rotates
// credentials without tearing down the socket. Grounded on the worker-pool
// batching shape of services/command_dispatcher.go, generalized from a
// command queue to a rolling refresh cycle. Records are held in memory only
// and do not survive a process restart.
package tokenmanager

import (
	"context"
	"sync"
	"time"

	"github.com/fleetctl/controlplane/internal/logger"
)

// Refresher performs the actual credential renewal against whatever issued
// the original token (local signer or external identity service). It is
// the seam spec.md §9's "external identity library abstracted behind a
// capability" design note asks for.
type Refresher interface {
	Refresh(ctx context.Context, rec Record) (accessToken string, expiry time.Time, refreshToken string, err error)
}

// Record is the per-connection token state.
type Record struct {
	ConnectionID      string
	UserID            string
	AccessToken       string
	RefreshToken      string
	Expiry            time.Time
	LastRefreshAt     time.Time
	Attempts          int
	InProgress        bool
	PermanentlyFailed bool
}

func (r Record) expiredSince(d time.Duration) bool {
	return time.Since(r.Expiry) > d
}

func (r Record) withinRefreshThreshold(threshold time.Duration) bool {
	remaining := time.Until(r.Expiry)
	return remaining >= 0 && remaining <= threshold
}

// Config tunes the refresh cycle.
type Config struct {
	CycleInterval    time.Duration // default 60s
	RefreshThreshold time.Duration // default 5min
	ExpiredGrace     time.Duration // default 1h, records older than this are dropped
	MaxAttempts      int           // default 3
	BatchSize        int           // default 5
	BatchGap         time.Duration // default 100ms
}

func (c Config) withDefaults() Config {
	if c.CycleInterval == 0 {
		c.CycleInterval = 60 * time.Second
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.ExpiredGrace == 0 {
		c.ExpiredGrace = time.Hour
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.BatchGap == 0 {
		c.BatchGap = 100 * time.Millisecond
	}
	return c
}

// EventKind tags a token manager lifecycle event.
type EventKind string

const (
	EventUpdated          EventKind = "tokenUpdated"
	EventPermanentlyFailed EventKind = "tokenPermanentlyFailed"
)

// Event is emitted when a record's token changes or is permanently failed.
// The server translates EventUpdated into a TOKEN_REFRESH frame, and
// EventPermanentlyFailed into closing the connection with reason
// "reauthenticate".
type Event struct {
	Kind         EventKind
	ConnectionID string
	AccessToken  string
	ExpiresIn    int64
	RefreshToken string
}

// Manager owns every connection's token Record and drives the refresh cycle.
type Manager struct {
	config    Config
	refresher Refresher

	mu      sync.Mutex
	records map[string]*Record

	events chan Event
	stopCh chan struct{}
}

// New constructs a Manager. refresher may be nil only in tests that never
// trigger a refresh.
func New(config Config, refresher Refresher) *Manager {
	return &Manager{
		config:    config.withDefaults(),
		refresher: refresher,
		records:   make(map[string]*Record),
		events:    make(chan Event, 64),
		stopCh:    make(chan struct{}),
	}
}

// Events returns the channel token lifecycle events are published on.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Track registers a new connection's token record.
func (m *Manager) Track(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rec
	m.records[rec.ConnectionID] = &r
}

// Forget drops a connection's record, called when the connection closes.
func (m *Manager) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, connID)
}

// Run starts the periodic refresh cycle; it blocks until Stop is called.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-m.stopCh:
			return
		}
	}
}

// Stop terminates the refresh cycle.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// cycle runs one pass: drop long-expired records, then refresh the rest in
// bounded concurrent batches.
func (m *Manager) cycle() {
	m.mu.Lock()
	var toDrop []string
	var toRefresh []*Record
	for id, rec := range m.records {
		if rec.expiredSince(m.config.ExpiredGrace) {
			toDrop = append(toDrop, id)
			continue
		}
		if !rec.InProgress && !rec.PermanentlyFailed && rec.withinRefreshThreshold(m.config.RefreshThreshold) {
			rec.InProgress = true
			toRefresh = append(toRefresh, rec)
		}
	}
	for _, id := range toDrop {
		delete(m.records, id)
	}
	m.mu.Unlock()

	for i := 0; i < len(toRefresh); i += m.config.BatchSize {
		end := i + m.config.BatchSize
		if end > len(toRefresh) {
			end = len(toRefresh)
		}
		m.refreshBatch(toRefresh[i:end])
		if end < len(toRefresh) {
			time.Sleep(m.config.BatchGap)
		}
	}
}

func (m *Manager) refreshBatch(batch []*Record) {
	var wg sync.WaitGroup
	for _, rec := range batch {
		wg.Add(1)
		go func(r *Record) {
			defer wg.Done()
			m.refreshOne(r)
		}(rec)
	}
	wg.Wait()
}

// refreshOne performs one idempotent refresh attempt. The in-progress flag
// set by cycle() prevents a second concurrent attempt on the same record.
func (m *Manager) refreshOne(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accessToken, expiry, refreshToken, err := m.refresher.Refresh(ctx, *rec)

	m.mu.Lock()
	current, ok := m.records[rec.ConnectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	current.InProgress = false

	if err != nil {
		current.Attempts++
		permanentlyFailed := current.Attempts >= m.config.MaxAttempts
		if permanentlyFailed {
			current.PermanentlyFailed = true
		}
		connID := current.ConnectionID
		m.mu.Unlock()

		logger.TokenManager().Warn().Str("connectionId", connID).Int("attempts", current.Attempts).Err(err).Msg("token refresh attempt failed")
		if permanentlyFailed {
			m.emit(Event{Kind: EventPermanentlyFailed, ConnectionID: connID})
		}
		return
	}

	current.AccessToken = accessToken
	current.Expiry = expiry
	current.RefreshToken = refreshToken
	current.LastRefreshAt = time.Now()
	current.Attempts = 0
	connID := current.ConnectionID
	m.mu.Unlock()

	m.emit(Event{
		Kind:         EventUpdated,
		ConnectionID: connID,
		AccessToken:  accessToken,
		ExpiresIn:    int64(time.Until(expiry).Seconds()),
		RefreshToken: refreshToken,
	})
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		logger.TokenManager().Warn().Str("kind", string(e.Kind)).Msg("token manager event channel full, dropping event")
	}
}

// Get returns a copy of a connection's current record.
func (m *Manager) Get(connID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
