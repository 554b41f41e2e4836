// Package dispatcher implements Component G: per-agent command lifecycle
// transitions (queued -> executing -> completed|failed|cancelled) on top of
// the per-agent queue, driven by agent frames, pool connectivity events, and
// heartbeat health events. Grounded on the teacher's
// services/command_dispatcher.go worker-pool pattern, generalized from one
// global FIFO channel shared by every agent to the per-agent queue in
// internal/queue, and from a fire-and-forget send to the full state machine
// spec.md §4.G names (disconnect grace window, reconnect re-check,
// heartbeat-driven timeout).
package dispatcher

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
	"github.com/fleetctl/controlplane/internal/queue"
)

// Config tunes grace windows and default queue capacity.
type Config struct {
	GraceWindow        time.Duration // default 60s, agent disconnect grace
	ForceKillTimeout   time.Duration // default 10s, cancel-ack wait on an executing command
	CommandQueryTimeout time.Duration // default 5s, reconnect re-check wait
	DefaultQueueMax    int           // default 100; spec.md §9 open question (a) treats the commonly observed 5 as a test fixture
	EstimatedStep      time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.GraceWindow == 0 {
		c.GraceWindow = 60 * time.Second
	}
	if c.ForceKillTimeout == 0 {
		c.ForceKillTimeout = 10 * time.Second
	}
	if c.CommandQueryTimeout == 0 {
		c.CommandQueryTimeout = 5 * time.Second
	}
	if c.DefaultQueueMax == 0 {
		c.DefaultQueueMax = 100
	}
	if c.EstimatedStep == 0 {
		c.EstimatedStep = 30 * time.Second
	}
	return c
}

// Dispatcher owns the agentId -> queue table and every per-agent timer that
// governs disconnect grace, force-kill, and reconnect re-checks.
type Dispatcher struct {
	config Config
	pool   *pool.Pool
	codec  *codec.Codec
	fanout *fanout.Fanout
	audit  *audit.Sink

	mu          sync.Mutex
	queues      map[string]*queue.AgentQueue
	graceTimers map[string]*time.Timer
	cancelTimers map[string]*time.Timer
	queryTimers map[string]*time.Timer

	stopCh chan struct{}
}

// New constructs a Dispatcher bound to its collaborating components.
func New(config Config, p *pool.Pool, c *codec.Codec, f *fanout.Fanout, a *audit.Sink) *Dispatcher {
	return &Dispatcher{
		config:       config.withDefaults(),
		pool:         p,
		codec:        c,
		fanout:       f,
		audit:        a,
		queues:       make(map[string]*queue.AgentQueue),
		graceTimers:  make(map[string]*time.Timer),
		cancelTimers: make(map[string]*time.Timer),
		queryTimers:  make(map[string]*time.Timer),
		stopCh:       make(chan struct{}),
	}
}

func (d *Dispatcher) queueFor(agentID string) *queue.AgentQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[agentID]
	if !ok {
		q = queue.New(agentID, d.config.DefaultQueueMax, d.config.EstimatedStep)
		d.queues[agentID] = q
	}
	return q
}

// QueueSnapshot exposes one agent's queue for status reporting.
func (d *Dispatcher) QueueSnapshot(agentID string) []*models.Command {
	return d.queueFor(agentID).Snapshot()
}

// Run consumes pool and heartbeat lifecycle events and drives the
// disconnect/reconnect/timeout transitions. It blocks until Stop is called.
func (d *Dispatcher) Run(poolEvents <-chan pool.Event, heartbeatEvents <-chan heartbeat.Event) {
	for {
		select {
		case e, ok := <-poolEvents:
			if !ok {
				continue
			}
			if e.Role != models.RoleAgent || e.AgentID == "" {
				continue
			}
			switch e.Kind {
			case pool.EventRemoved:
				d.onAgentDisconnected(e.AgentID)
			case pool.EventUpdated:
				d.onAgentReconnected(e.AgentID)
			}
		case e, ok := <-heartbeatEvents:
			if !ok {
				continue
			}
			if e.Kind == heartbeat.EventUnhealthy && e.AgentID != "" {
				d.onHeartbeatUnhealthy(e.AgentID)
			}
		case <-d.stopCh:
			return
		}
	}
}

// Stop terminates Run and cancels every pending per-agent timer.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.graceTimers {
		t.Stop()
	}
	for _, t := range d.cancelTimers {
		t.Stop()
	}
	for _, t := range d.queryTimers {
		t.Stop()
	}
}

// Submit admits a new command onto its agent's queue, acknowledges the
// submitter with the assigned position, and attempts an immediate promotion
// if the agent is online and idle.
func (d *Dispatcher) Submit(cmd *models.Command) (int, time.Time, error) {
	q := d.queueFor(cmd.AgentID)
	position, estimatedStart, err := q.Enqueue(cmd)
	if err != nil {
		return 0, time.Time{}, err
	}

	startMs := estimatedStart.UnixMilli()
	d.ack(cmd.AgentID, models.CommandAckPayload{
		CommandID:          cmd.CommandID,
		Status:             "queued",
		QueuePosition:      &position,
		EstimatedStartTime: &startMs,
	})

	d.tryPromote(cmd.AgentID)
	return position, estimatedStart, nil
}

// tryPromote pops the queue head into the executing slot and forwards a
// COMMAND_REQUEST to the agent, if the agent is connected and idle.
func (d *Dispatcher) tryPromote(agentID string) {
	conn, ok := d.pool.GetByAgent(agentID)
	if !ok {
		return
	}

	q := d.queueFor(agentID)
	cmd := q.PromoteNext()
	if cmd == nil {
		return
	}
	cmd.StartedAt = time.Now()

	frame, err := d.codec.Encode(mustEnvelope(models.TypeCommandRequest, models.CommandRequestPayload{
		CommandID:            cmd.CommandID,
		Content:              cmd.Content,
		Priority:             cmd.Priority,
		ExecutionConstraints: cmd.ExecutionConstraints,
	}))
	if err != nil {
		logger.Dispatch().Error().Err(err).Str("commandId", cmd.CommandID).Msg("failed to encode command-request")
		return
	}
	if err := d.pool.SendTo(conn.ID, frame); err != nil {
		logger.Dispatch().Warn().Err(err).Str("agentId", agentID).Msg("failed to deliver command-request")
	}

	d.audit.Append(models.AuditEvent{Kind: models.AuditCommandExecuted, TargetAgentID: agentID, TargetCommandID: cmd.CommandID})
	d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "executing"})
}

// HandleComplete applies an agent-reported COMMAND_COMPLETE, clearing the
// executing slot and promoting the next queued command.
func (d *Dispatcher) HandleComplete(agentID string, payload models.CommandCompletePayload) {
	q := d.queueFor(agentID)
	cmd := q.ClearExecuting()
	if cmd == nil || cmd.CommandID != payload.CommandID {
		logger.Dispatch().Warn().Str("agentId", agentID).Str("commandId", payload.CommandID).Msg("command-complete for unknown executing command")
		d.tryPromote(agentID)
		return
	}

	d.clearQueryTimer(agentID)

	completedAt := time.Now()
	cmd.CompletedAt = completedAt
	cmd.ExitCode = payload.ExitCode
	cmd.Error = payload.Error

	auditKind := models.AuditCommandCompleted
	if payload.Status == "failed" {
		cmd.Status = models.CommandFailed
		auditKind = models.AuditCommandFailed
	} else {
		cmd.Status = models.CommandCompleted
	}

	d.audit.Append(models.AuditEvent{Kind: auditKind, TargetAgentID: agentID, TargetCommandID: cmd.CommandID, Details: map[string]interface{}{"error": payload.Error}})
	d.publishComplete(agentID, payload)
	d.tryPromote(agentID)
}

// HandleAgentAck applies an agent-originated COMMAND_ACK, used to confirm a
// forwarded cancel has taken effect on the agent side.
func (d *Dispatcher) HandleAgentAck(agentID string, payload models.CommandAckPayload) {
	if payload.Status != "cancelled" {
		return
	}
	q := d.queueFor(agentID)
	cmd := q.Executing()
	if cmd == nil || cmd.CommandID != payload.CommandID {
		return
	}
	d.finalizeExecutingCancel(agentID, cmd, "cancelled by agent")
}

// Cancel handles a dashboard-originated COMMAND_CANCEL for one command,
// removing it from the queue or forwarding the cancel to the executing
// agent and arming a force-kill timeout.
func (d *Dispatcher) Cancel(agentID, commandID, reason string) error {
	q := d.queueFor(agentID)

	if removed, updates := q.RemoveQueued(commandID); removed != nil {
		removed.Status = models.CommandCancelled
		removed.CancelReason = reason
		removed.CompletedAt = time.Now()

		for _, u := range updates {
			d.fanout.PublishQueuePositionUpdate(agentID, models.QueuePositionUpdatePayload{CommandID: u.CommandID, QueuePosition: u.Position})
		}
		d.ack(agentID, models.CommandAckPayload{CommandID: commandID, Status: "cancelled"})
		d.audit.Append(models.AuditEvent{Kind: models.AuditCommandCancelled, TargetAgentID: agentID, TargetCommandID: commandID, Details: map[string]interface{}{"reason": reason}})
		return nil
	}

	cmd := q.Executing()
	if cmd == nil || cmd.CommandID != commandID {
		return errors.CommandNotFound(commandID)
	}

	if conn, ok := d.pool.GetByAgent(agentID); ok {
		frame, err := d.codec.Encode(mustEnvelope(models.TypeCommandCancel, models.CommandCancelPayload{CommandID: commandID, Reason: reason}))
		if err == nil {
			d.pool.SendTo(conn.ID, frame)
		}
	}

	d.armForceKill(agentID, commandID, reason)
	return nil
}

func (d *Dispatcher) armForceKill(agentID, commandID, reason string) {
	d.mu.Lock()
	if t, ok := d.cancelTimers[agentID]; ok {
		t.Stop()
	}
	d.cancelTimers[agentID] = time.AfterFunc(d.config.ForceKillTimeout, func() {
		q := d.queueFor(agentID)
		cmd := q.Executing()
		if cmd == nil || cmd.CommandID != commandID {
			return
		}
		d.finalizeExecutingCancel(agentID, cmd, reason)
	})
	d.mu.Unlock()
}

func (d *Dispatcher) finalizeExecutingCancel(agentID string, cmd *models.Command, reason string) {
	q := d.queueFor(agentID)
	q.ClearExecuting()
	cmd.Status = models.CommandCancelled
	cmd.CancelReason = reason
	cmd.CompletedAt = time.Now()

	d.mu.Lock()
	if t, ok := d.cancelTimers[agentID]; ok {
		t.Stop()
		delete(d.cancelTimers, agentID)
	}
	d.mu.Unlock()

	d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "cancelled"})
	d.audit.Append(models.AuditEvent{Kind: models.AuditCommandCancelled, TargetAgentID: agentID, TargetCommandID: cmd.CommandID, Details: map[string]interface{}{"reason": reason}})
	d.tryPromote(agentID)
}

// onHeartbeatUnhealthy fails the currently executing command the instant the
// heartbeat manager declares its connection unhealthy (spec.md invariant 7),
// independent of the disconnect grace window governing queued backlog.
func (d *Dispatcher) onHeartbeatUnhealthy(agentID string) {
	q := d.queueFor(agentID)
	cmd := q.ClearExecuting()
	if cmd == nil {
		return
	}
	cmd.Status = models.CommandFailed
	cmd.Error = "agent timeout"
	cmd.CompletedAt = time.Now()

	d.audit.Append(models.AuditEvent{Kind: models.AuditCommandFailed, TargetAgentID: agentID, TargetCommandID: cmd.CommandID, Details: map[string]interface{}{"reason": "agent timeout"}})
	d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "failed"})
	d.tryPromote(agentID)
}

// onAgentDisconnected starts the reconnect grace window. If it elapses
// without a reconnect, every queued command fails and, if a command is still
// occupying the executing slot, it is failed too.
func (d *Dispatcher) onAgentDisconnected(agentID string) {
	d.audit.Append(models.AuditEvent{Kind: models.AuditAgentDisconnected, TargetAgentID: agentID})

	d.mu.Lock()
	if t, ok := d.graceTimers[agentID]; ok {
		t.Stop()
	}
	d.graceTimers[agentID] = time.AfterFunc(d.config.GraceWindow, func() {
		d.expireGraceWindow(agentID)
	})
	d.mu.Unlock()
}

func (d *Dispatcher) expireGraceWindow(agentID string) {
	q := d.queueFor(agentID)
	for _, cmd := range q.DrainAll() {
		cmd.Status = models.CommandFailed
		cmd.Error = "agent unavailable"
		cmd.CompletedAt = time.Now()
		d.audit.Append(models.AuditEvent{Kind: models.AuditCommandFailed, TargetAgentID: agentID, TargetCommandID: cmd.CommandID, Details: map[string]interface{}{"reason": "agent unavailable"}})
		d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "failed"})
	}
	if cmd := q.ClearExecuting(); cmd != nil {
		cmd.Status = models.CommandFailed
		cmd.Error = "agent unavailable"
		cmd.CompletedAt = time.Now()
		d.audit.Append(models.AuditEvent{Kind: models.AuditCommandFailed, TargetAgentID: agentID, TargetCommandID: cmd.CommandID, Details: map[string]interface{}{"reason": "agent unavailable"}})
		d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "failed"})
	}

	d.mu.Lock()
	delete(d.graceTimers, agentID)
	d.mu.Unlock()
}

// onAgentReconnected cancels the grace window and, if a command was still
// occupying the executing slot, re-verifies it with the agent by resending
// the COMMAND_REQUEST for that command id. The protocol has no dedicated
// query frame; resending the same command id doubles as the "server
// command-query" spec.md §4.G describes, since the agent is expected to
// reply with a fresh COMMAND_ACK or COMMAND_COMPLETE for a command id it
// already knows about. No reply within CommandQueryTimeout fails the
// command with reason agent disconnect.
func (d *Dispatcher) onAgentReconnected(agentID string) {
	d.mu.Lock()
	if t, ok := d.graceTimers[agentID]; ok {
		t.Stop()
		delete(d.graceTimers, agentID)
	}
	d.mu.Unlock()

	q := d.queueFor(agentID)
	cmd := q.Executing()
	if cmd == nil {
		d.tryPromote(agentID)
		return
	}

	conn, ok := d.pool.GetByAgent(agentID)
	if !ok {
		return
	}
	frame, err := d.codec.Encode(mustEnvelope(models.TypeCommandRequest, models.CommandRequestPayload{
		CommandID: cmd.CommandID,
		Content:   cmd.Content,
		Priority:  cmd.Priority,
	}))
	if err == nil {
		d.pool.SendTo(conn.ID, frame)
	}

	d.mu.Lock()
	if t, ok := d.queryTimers[agentID]; ok {
		t.Stop()
	}
	d.queryTimers[agentID] = time.AfterFunc(d.config.CommandQueryTimeout, func() {
		q := d.queueFor(agentID)
		stillExecuting := q.Executing()
		if stillExecuting == nil || stillExecuting.CommandID != cmd.CommandID {
			return
		}
		q.ClearExecuting()
		stillExecuting.Status = models.CommandFailed
		stillExecuting.Error = "agent disconnect"
		stillExecuting.CompletedAt = time.Now()
		d.audit.Append(models.AuditEvent{Kind: models.AuditCommandFailed, TargetAgentID: agentID, TargetCommandID: stillExecuting.CommandID, Details: map[string]interface{}{"reason": "agent disconnect"}})
		d.ack(agentID, models.CommandAckPayload{CommandID: stillExecuting.CommandID, Status: "failed"})
		d.tryPromote(agentID)
	})
	d.mu.Unlock()
}

func (d *Dispatcher) clearQueryTimer(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.queryTimers[agentID]; ok {
		t.Stop()
		delete(d.queryTimers, agentID)
	}
}

// CancelAll snapshots and cancels every agent's executing and queued
// commands, for the emergency-stop controller (Component J). Returns the
// number of agents that had at least one command cancelled and the total
// number of commands cancelled.
func (d *Dispatcher) CancelAll(reason string) (agentsStopped, commandsCancelled int) {
	d.mu.Lock()
	agentIDs := make([]string, 0, len(d.queues))
	for agentID := range d.queues {
		agentIDs = append(agentIDs, agentID)
	}
	d.mu.Unlock()

	for _, agentID := range agentIDs {
		q := d.queueFor(agentID)
		drained := q.DrainAll()
		executing := q.ClearExecuting()

		all := drained
		if executing != nil {
			all = append(all, executing)
		}
		if len(all) == 0 {
			continue
		}
		agentsStopped++

		now := time.Now()
		for _, cmd := range all {
			cmd.Status = models.CommandCancelled
			cmd.CancelReason = reason
			cmd.CompletedAt = now
			commandsCancelled++
			d.ack(agentID, models.CommandAckPayload{CommandID: cmd.CommandID, Status: "cancelled"})
		}

		if executing != nil {
			if conn, ok := d.pool.GetByAgent(agentID); ok {
				frame, err := d.codec.Encode(mustEnvelope(models.TypeCommandCancel, models.CommandCancelPayload{CommandID: executing.CommandID, Reason: reason}))
				if err == nil {
					d.pool.SendTo(conn.ID, frame)
				}
			}
		}
	}

	return agentsStopped, commandsCancelled
}

func (d *Dispatcher) ack(agentID string, payload models.CommandAckPayload) {
	if err := d.fanout.PublishCommandStatus(agentID, models.TypeCommandAck, payload); err != nil {
		logger.Dispatch().Warn().Err(err).Str("agentId", agentID).Msg("failed to publish command-ack")
	}
}

func (d *Dispatcher) publishComplete(agentID string, payload models.CommandCompletePayload) {
	if err := d.fanout.PublishCommandStatus(agentID, models.TypeCommandComplete, payload); err != nil {
		logger.Dispatch().Warn().Err(err).Str("agentId", agentID).Msg("failed to publish command-complete")
	}
}

func mustEnvelope(kind models.MessageType, payload interface{}) *models.Envelope {
	env, err := codec.EncodePayload(kind, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		panic(err)
	}
	return env
}
