package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

type fakeSender struct {
	sent   chan []byte
	closed bool
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan []byte, 100)} }
func (s *fakeSender) Send(frame []byte) error {
	s.sent <- frame
	return nil
}
func (s *fakeSender) Closed() bool  { return s.closed }
func (s *fakeSender) Close() error { s.closed = true; return nil }

func setup(t *testing.T) (*Dispatcher, *pool.Pool, *fakeSender) {
	p := pool.New(pool.Config{})
	agentSender := newFakeSender()
	p.Add("agent-conn-1", models.RoleAgent, agentSender, "", "")
	p.Authenticate("agent-conn-1", models.Identity{}, "agent-1")

	c := codec.New(codec.DefaultLimits())
	f := fanout.New(p, c, 16)
	a := audit.New(audit.Config{BufferSize: 100}, nil, events.NewBus(events.Config{}))

	d := New(Config{ForceKillTimeout: 50 * time.Millisecond, CommandQueryTimeout: 50 * time.Millisecond, GraceWindow: 50 * time.Millisecond}, p, c, f, a)
	return d, p, agentSender
}

// TestSubmit_S3CancelQueued mirrors scenario S3: a queued (not executing)
// command is cancelled and the remaining queue is reindexed.
func TestSubmit_S3CancelQueued(t *testing.T) {
	d, _, agentSender := setup(t)

	// occupy the executing slot so subsequent submissions stay queued.
	first := &models.Command{CommandID: "first", AgentID: "agent-1", Priority: 1}
	_, _, err := d.Submit(first)
	require.NoError(t, err)
	<-agentSender.sent // command-request for "first"

	second := &models.Command{CommandID: "second", AgentID: "agent-1", Priority: 1}
	pos, _, err := d.Submit(second)
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	third := &models.Command{CommandID: "third", AgentID: "agent-1", Priority: 1}
	_, _, err = d.Submit(third)
	require.NoError(t, err)

	err = d.Cancel("agent-1", "second", "user cancel")
	require.NoError(t, err)
	require.Equal(t, models.CommandCancelled, second.Status)

	p, ok := d.queueFor("agent-1").PositionOf("third")
	require.True(t, ok)
	require.Equal(t, 1, p)
}

// TestTryPromote_SingleExecutionInvariant is invariant 4: no agent ever has
// two commands executing concurrently.
func TestTryPromote_SingleExecutionInvariant(t *testing.T) {
	d, _, agentSender := setup(t)

	first := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(first)
	<-agentSender.sent

	second := &models.Command{CommandID: "c2", AgentID: "agent-1", Priority: 1}
	d.Submit(second)

	require.Equal(t, first, d.queueFor("agent-1").Executing())
	require.Equal(t, models.CommandQueued, second.Status)
}

// TestHandleComplete_TerminalFinality is invariant 5: once a command
// reaches a terminal status, no further transition applies.
func TestHandleComplete_TerminalFinality(t *testing.T) {
	d, _, agentSender := setup(t)

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-agentSender.sent

	d.HandleComplete("agent-1", models.CommandCompletePayload{CommandID: "c1", Status: "completed"})
	require.Equal(t, models.CommandCompleted, cmd.Status)
	require.True(t, cmd.Status.Terminal())

	// a stray duplicate complete for the same, no-longer-executing command
	// must not panic or alter its terminal status.
	d.HandleComplete("agent-1", models.CommandCompletePayload{CommandID: "c1", Status: "failed"})
	require.Equal(t, models.CommandCompleted, cmd.Status)
}

func TestHandleComplete_PromotesNext(t *testing.T) {
	d, _, agentSender := setup(t)

	first := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(first)
	<-agentSender.sent

	second := &models.Command{CommandID: "c2", AgentID: "agent-1", Priority: 1}
	d.Submit(second)

	d.HandleComplete("agent-1", models.CommandCompletePayload{CommandID: "c1", Status: "completed"})
	<-agentSender.sent // command-request for c2

	require.Equal(t, second, d.queueFor("agent-1").Executing())
	require.Equal(t, models.CommandExecuting, second.Status)
}

func TestOnHeartbeatUnhealthy_FailsExecutingImmediately(t *testing.T) {
	d, _, agentSender := setup(t)

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-agentSender.sent

	d.onHeartbeatUnhealthy("agent-1")
	require.Equal(t, models.CommandFailed, cmd.Status)
	require.Equal(t, "agent timeout", cmd.Error)
	require.Nil(t, d.queueFor("agent-1").Executing())
}

func TestExpireGraceWindow_FailsQueuedAndExecuting(t *testing.T) {
	d, _, agentSender := setup(t)

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-agentSender.sent

	queued := &models.Command{CommandID: "c2", AgentID: "agent-1", Priority: 1}
	d.Submit(queued)

	d.onAgentDisconnected("agent-1")
	require.Eventually(t, func() bool {
		return cmd.Status == models.CommandFailed && queued.Status == models.CommandFailed
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "agent unavailable", cmd.Error)
	require.Equal(t, "agent unavailable", queued.Error)
}

func TestCancelAll_EmergencyStopAcrossAgents(t *testing.T) {
	d, p, agentSender := setup(t)

	secondSender := newFakeSender()
	p.Add("agent-conn-2", models.RoleAgent, secondSender, "", "")
	p.Authenticate("agent-conn-2", models.Identity{}, "agent-2")

	c1 := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(c1)
	<-agentSender.sent

	c2 := &models.Command{CommandID: "c2", AgentID: "agent-2", Priority: 1}
	d.Submit(c2)
	<-secondSender.sent

	queued := &models.Command{CommandID: "c3", AgentID: "agent-1", Priority: 1}
	d.Submit(queued)

	agentsStopped, commandsCancelled := d.CancelAll("emergency stop")
	require.Equal(t, 2, agentsStopped)
	require.Equal(t, 3, commandsCancelled)
	require.Equal(t, models.CommandCancelled, c1.Status)
	require.Equal(t, models.CommandCancelled, c2.Status)
	require.Equal(t, models.CommandCancelled, queued.Status)
}
