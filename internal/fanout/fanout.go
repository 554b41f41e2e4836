// Package fanout implements Component H, subscription fan-out: routes
// agent-originated streams (terminal output, trace events, status) to the
// dashboards subscribed to that agent and event kind. Grounded on the
// teacher's websocket/notifier.go (subscription maps keyed by a target id,
// non-blocking per-client send), generalized from (user, session)
// subscriptions to (dashboard connection, agent id, event kind) triples and
// from a best-effort channel send to a bounded drop-oldest queue per
// subscriber, since spec.md §4.H requires ordering guarantees a bare
// "drop the client on a full buffer" policy would break.
package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

// DefaultBufferSize bounds each subscriber's pending-frame queue.
const DefaultBufferSize = 64

// boundedQueue is a drop-oldest FIFO of encoded frames, per spec.md §4.H's
// recommended policy for a subscriber that cannot keep up.
type boundedQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    [][]byte
	capacity int
	closed   bool
}

func newBoundedQueue(capacity int) *boundedQueue {
	q := &boundedQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *boundedQueue) push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, frame)
	q.cond.Signal()
}

func (q *boundedQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *boundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// subscriber is one dashboard connection's fan-out state.
type subscriber struct {
	connID string
	queue  *boundedQueue
	subs   map[string]map[models.EventKind]bool // agentID -> kinds
}

// Fanout routes agent-originated frames to subscribed dashboards.
type Fanout struct {
	pool       *pool.Pool
	codec      *codec.Codec
	bufferSize int

	mu          sync.Mutex
	subscribers map[string]*subscriber // dashboardConnID -> subscriber
	byAgent     map[string]map[string]bool // agentID -> set of dashboardConnID

	seqMu       sync.Mutex
	sequences   map[string]uint64 // "agentID|commandID" -> last sequence assigned
}

// New constructs a Fanout bound to a connection pool and codec.
func New(p *pool.Pool, c *codec.Codec, bufferSize int) *Fanout {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Fanout{
		pool:        p,
		codec:       c,
		bufferSize:  bufferSize,
		subscribers: make(map[string]*subscriber),
		byAgent:     make(map[string]map[string]bool),
		sequences:   make(map[string]uint64),
	}
}

// RegisterDashboard starts the delivery pump for a newly connected
// dashboard. Call before any Subscribe for that connection.
func (f *Fanout) RegisterDashboard(connID string) {
	f.mu.Lock()
	if _, exists := f.subscribers[connID]; exists {
		f.mu.Unlock()
		return
	}
	sub := &subscriber{connID: connID, queue: newBoundedQueue(f.bufferSize), subs: make(map[string]map[models.EventKind]bool)}
	f.subscribers[connID] = sub
	f.mu.Unlock()

	go f.pump(sub)
}

func (f *Fanout) pump(sub *subscriber) {
	for {
		frame, ok := sub.queue.pop()
		if !ok {
			return
		}
		if err := f.pool.SendTo(sub.connID, frame); err != nil {
			logger.Dispatch().Debug().Str("connectionId", sub.connID).Err(err).Msg("fan-out delivery failed")
		}
	}
}

// Subscribe records that a dashboard wants agentID's frames of the given kinds.
func (f *Fanout) Subscribe(dashboardConnID, agentID string, kinds []models.EventKind) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subscribers[dashboardConnID]
	if !ok {
		return
	}
	if sub.subs[agentID] == nil {
		sub.subs[agentID] = make(map[models.EventKind]bool)
	}
	for _, k := range kinds {
		sub.subs[agentID][k] = true
	}

	if f.byAgent[agentID] == nil {
		f.byAgent[agentID] = make(map[string]bool)
	}
	f.byAgent[agentID][dashboardConnID] = true
}

// Unsubscribe is O(1): it drops one dashboard's interest in one agent.
func (f *Fanout) Unsubscribe(dashboardConnID, agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subscribers[dashboardConnID]; ok {
		delete(sub.subs, agentID)
	}
	delete(f.byAgent[agentID], dashboardConnID)
}

// UnregisterDashboard removes every subscription for a dashboard and stops
// its delivery pump, called when the dashboard connection closes.
func (f *Fanout) UnregisterDashboard(dashboardConnID string) {
	f.mu.Lock()
	sub, ok := f.subscribers[dashboardConnID]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.subscribers, dashboardConnID)
	for agentID := range sub.subs {
		delete(f.byAgent[agentID], dashboardConnID)
	}
	f.mu.Unlock()

	sub.queue.close()
}

// Publish delivers a pre-encoded frame to every dashboard subscribed to
// agentID for kind.
func (f *Fanout) Publish(agentID string, kind models.EventKind, frame []byte) {
	f.mu.Lock()
	var targets []*subscriber
	for connID := range f.byAgent[agentID] {
		sub, ok := f.subscribers[connID]
		if !ok {
			continue
		}
		if sub.subs[agentID][kind] {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.queue.push(frame)
	}
}

// nextSequence assigns the next monotonic sequence number for (agentID,
// commandID), overriding whatever the agent sent so subscriber ordering is
// authoritative at the server regardless of agent behavior.
func (f *Fanout) nextSequence(agentID, commandID string) uint64 {
	key := agentID + "|" + commandID
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	f.sequences[key]++
	return f.sequences[key]
}

// PublishTerminalOutput tags, sanitizes, and forwards a TERMINAL_OUTPUT frame.
func (f *Fanout) PublishTerminalOutput(agentID string, payload models.TerminalOutputPayload) error {
	payload.Sequence = f.nextSequence(agentID, payload.CommandID)
	payload.Output = codec.SanitizeText(payload.Output)

	env, err := codec.EncodePayload(models.TypeTerminalOutput, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	frame, err := f.codec.Encode(env)
	if err != nil {
		return err
	}
	f.Publish(agentID, models.EventTerminalStream, frame)
	return nil
}

// PublishTraceEvent sanitizes and forwards a TRACE_EVENT frame.
func (f *Fanout) PublishTraceEvent(agentID string, payload models.TraceEventPayload) error {
	payload.Content = codec.SanitizeText(payload.Content)

	env, err := codec.EncodePayload(models.TypeTraceEvent, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	frame, err := f.codec.Encode(env)
	if err != nil {
		return err
	}
	f.Publish(agentID, models.EventTraceStream, frame)
	return nil
}

// PublishCommandStatus forwards a command lifecycle frame (COMMAND_ACK,
// COMMAND_COMPLETE) to status subscribers.
func (f *Fanout) PublishCommandStatus(agentID string, kind models.MessageType, payload interface{}) error {
	env, err := codec.EncodePayload(kind, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	frame, err := f.codec.Encode(env)
	if err != nil {
		return err
	}
	f.Publish(agentID, models.EventCommandStatus, frame)
	return nil
}

// PublishQueuePositionUpdate forwards a single QUEUE_POSITION_UPDATE frame.
func (f *Fanout) PublishQueuePositionUpdate(agentID string, update models.QueuePositionUpdatePayload) error {
	env, err := codec.EncodePayload(models.TypeQueuePositionUpdate, uuid.NewString(), time.Now().UnixMilli(), update)
	if err != nil {
		return err
	}
	frame, err := f.codec.Encode(env)
	if err != nil {
		return err
	}
	f.Publish(agentID, models.EventQueueUpdate, frame)
	return nil
}
