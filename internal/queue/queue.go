// Package queue implements Component F, the per-agent command queue: a
// bounded, priority-ordered admission list plus a single executing slot.
// The teacher's services/command_dispatcher.go uses one global FIFO channel
// shared by every agent; this generalizes that to one ordered, capacity-
// bounded list per agent id, since spec.md §3 requires priority ordering
// and per-agent position tracking the teacher's single channel cannot
// express. Positions are tracked with an explicit ordered slice rather than
// container/heap: spec.md §4.F needs the 1-indexed rank of every queued
// command on every enqueue/cancel, which a heap's partial order cannot
// answer without a full drain, while a sorted-insertion slice answers it in
// O(1) per item.
package queue

import (
	"sync"
	"time"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

// PositionUpdate is one entry of a queue-position-update frame: a command id
// and its newly authoritative 1-indexed position.
type PositionUpdate struct {
	CommandID string
	Position  int
}

// entry pairs a command with its submission sequence, used to break
// priority ties by earlier-arrival-wins.
type entry struct {
	command *models.Command
	seq     uint64
}

// AgentQueue is the bounded priority queue for one agent, plus its single
// optional executing slot.
type AgentQueue struct {
	mu            sync.Mutex
	agentID       string
	max           int
	items         []*entry
	executing     *models.Command
	nextSeq       uint64
	estimatedStep time.Duration
}

// New constructs an AgentQueue. max is the configured capacity (spec.md §9
// open question (a): the commonly observed default of 5 is a test fixture,
// not a hardcoded production value — callers configure it). estimatedStep
// is the per-position duration used to compute estimatedStartTime.
func New(agentID string, max int, estimatedStep time.Duration) *AgentQueue {
	if estimatedStep <= 0 {
		estimatedStep = 30 * time.Second
	}
	return &AgentQueue{
		agentID:       agentID,
		max:           max,
		estimatedStep: estimatedStep,
	}
}

// Max returns the configured capacity.
func (q *AgentQueue) Max() int {
	return q.max
}

// Len returns the number of queued (not executing) commands.
func (q *AgentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue admits a command, inserting it at the first position whose
// existing entry has strictly lower priority (stable by arrival: equal
// priority entries keep earlier ones first). Returns the 1-indexed position
// and an estimated start time, or *errors.ProtocolError(QUEUE_FULL).
func (q *AgentQueue) Enqueue(cmd *models.Command) (int, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		return 0, time.Time{}, errors.QueueFull(q.max)
	}

	e := &entry{command: cmd, seq: q.nextSeq}
	q.nextSeq++

	idx := len(q.items)
	for i, existing := range q.items {
		if existing.command.Priority < cmd.Priority {
			idx = i
			break
		}
	}

	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e

	cmd.Status = models.CommandQueued
	position := idx + 1
	estimatedStart := time.Now().Add(time.Duration(position-1) * q.estimatedStep)
	return position, estimatedStart, nil
}

// PositionOf returns a queued command's 1-indexed position, or false if it
// is not currently queued (executing or unknown).
func (q *AgentQueue) PositionOf(commandID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.command.CommandID == commandID {
			return i + 1, true
		}
	}
	return 0, false
}

// RemoveQueued removes a queued (not executing) command and returns the
// reindexed positions of every item that remains.
func (q *AgentQueue) RemoveQueued(commandID string) (*models.Command, []PositionUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.items {
		if e.command.CommandID == commandID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil
	}

	removed := q.items[idx].command
	q.items = append(q.items[:idx], q.items[idx+1:]...)

	updates := make([]PositionUpdate, 0, len(q.items))
	for i, e := range q.items {
		updates = append(updates, PositionUpdate{CommandID: e.command.CommandID, Position: i + 1})
	}
	return removed, updates
}

// Executing returns the currently executing command, or nil.
func (q *AgentQueue) Executing() *models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing
}

// SetExecuting occupies the executing slot.
func (q *AgentQueue) SetExecuting(cmd *models.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executing = cmd
}

// ClearExecuting frees the executing slot and returns the command that was
// occupying it, or nil.
func (q *AgentQueue) ClearExecuting() *models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.executing
	q.executing = nil
	return prev
}

// PromoteNext, when the executing slot is empty, pops the head of the queue
// into it, skipping (and discarding) any already-cancelled head entries per
// spec.md §4.F's re-promotion rule. Returns the newly executing command, or
// nil if the slot is already occupied or no uncancelled command is queued.
func (q *AgentQueue) PromoteNext() *models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.executing != nil {
		return nil
	}

	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if head.command.Status == models.CommandCancelled {
			continue
		}
		head.command.Status = models.CommandExecuting
		q.executing = head.command
		return q.executing
	}
	return nil
}

// Snapshot returns the queued commands in current order, for recovery or
// status reporting. The returned slice is a defensive copy of the pointers,
// not of the commands themselves.
func (q *AgentQueue) Snapshot() []*models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Command, len(q.items))
	for i, e := range q.items {
		out[i] = e.command
	}
	return out
}

// DrainAll removes every queued command (used by emergency stop and by the
// dispatcher's disconnect grace-window expiry) and returns them in order.
func (q *AgentQueue) DrainAll() []*models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Command, len(q.items))
	for i, e := range q.items {
		out[i] = e.command
	}
	q.items = nil
	return out
}
