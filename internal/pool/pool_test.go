package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/models"
)

type fakeSender struct {
	sent   [][]byte
	closed bool
	err    error
}

func (f *fakeSender) Send(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeSender) Closed() bool  { return f.closed }
func (f *fakeSender) Close() error  { f.closed = true; return nil }

func TestAuthenticate_EvictsOlderAgentConnection(t *testing.T) {
	p := New(Config{})
	old := &fakeSender{}
	fresh := &fakeSender{}

	p.Add("conn-old", models.RoleAgent, old, "1.2.3.4", "agent/1.0")
	p.Authenticate("conn-old", models.Identity{UserID: ""}, "agent-1")

	p.Add("conn-new", models.RoleAgent, fresh, "1.2.3.5", "agent/1.0")
	p.Authenticate("conn-new", models.Identity{UserID: ""}, "agent-1")

	require.True(t, old.closed)
	conn, ok := p.GetByAgent("agent-1")
	require.True(t, ok)
	require.Equal(t, "conn-new", conn.ID)
}

func TestSweep_RemovesUnauthenticatedPastTimeout(t *testing.T) {
	p := New(Config{UnauthTimeout: 10 * time.Millisecond, SweepInterval: time.Hour})
	s := &fakeSender{}
	p.Add("conn-1", models.RoleDashboard, s, "", "")

	time.Sleep(20 * time.Millisecond)
	p.sweep()

	_, ok := p.Get("conn-1")
	require.False(t, ok)
}

func TestSweep_KeepsAuthenticatedWithinIdleTimeout(t *testing.T) {
	p := New(Config{IdleTimeout: time.Hour, SweepInterval: time.Hour})
	s := &fakeSender{}
	p.Add("conn-1", models.RoleDashboard, s, "", "")
	p.Authenticate("conn-1", models.Identity{UserID: "user-1"}, "")

	p.sweep()

	_, ok := p.Get("conn-1")
	require.True(t, ok)
}

func TestBroadcast_ContinuesPastSendFailure(t *testing.T) {
	p := New(Config{})
	failing := &fakeSender{err: errSend}
	ok := &fakeSender{}

	p.Add("conn-fail", models.RoleDashboard, failing, "", "")
	p.Authenticate("conn-fail", models.Identity{UserID: "u1"}, "")
	p.Add("conn-ok", models.RoleDashboard, ok, "", "")
	p.Authenticate("conn-ok", models.Identity{UserID: "u2"}, "")

	p.Broadcast(nil, []byte("hello"))

	require.Len(t, ok.sent, 1)
}

var errSend = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }
