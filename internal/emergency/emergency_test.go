package emergency

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/dispatcher"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

type fakeSender struct{ sent chan []byte }

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan []byte, 100)} }
func (s *fakeSender) Send(frame []byte) error {
	s.sent <- frame
	return nil
}
func (s *fakeSender) Closed() bool  { return false }
func (s *fakeSender) Close() error { return nil }

func setup(t *testing.T) (*Controller, *dispatcher.Dispatcher, *fakeSender) {
	p := pool.New(pool.Config{})
	sender := newFakeSender()
	p.Add("agent-conn-1", models.RoleAgent, sender, "", "")
	p.Authenticate("agent-conn-1", models.Identity{}, "agent-1")

	c := codec.New(codec.DefaultLimits())
	f := fanout.New(p, c, 16)
	a := audit.New(audit.Config{BufferSize: 100}, nil, events.NewBus(events.Config{}))
	d := dispatcher.New(dispatcher.Config{}, p, c, f, a)

	ctrl := New(Config{IdempotencyWindow: 100 * time.Millisecond}, d, a)
	return ctrl, d, sender
}

// TestTrigger_S5EmergencyStop mirrors scenario S5.
func TestTrigger_S5EmergencyStop(t *testing.T) {
	ctrl, d, sender := setup(t)

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-sender.sent

	result, err := ctrl.Trigger("operator-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, result.AgentsStopped)
	require.Equal(t, 1, result.CommandsCancelled)
	require.Equal(t, models.CommandCancelled, cmd.Status)
}

// TestTrigger_IdempotentWithinWindow is invariant 6.
func TestTrigger_IdempotentWithinWindow(t *testing.T) {
	ctrl, d, sender := setup(t)

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-sender.sent

	first, err := ctrl.Trigger("operator-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, first.CommandsCancelled)

	second, err := ctrl.Trigger("operator-1", "")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestTrigger_RejectsInvalidTOTP(t *testing.T) {
	ctrl, _, _ := setup(t)
	ctrl.config.RequireTOTP = true
	ctrl.config.TOTPSecret = "JBSWY3DPEHPK3PXP"

	_, err := ctrl.Trigger("operator-1", "000000")
	require.Error(t, err)
}

func TestTrigger_AcceptsValidTOTP(t *testing.T) {
	ctrl, d, sender := setup(t)
	secret := "JBSWY3DPEHPK3PXP"
	ctrl.config.RequireTOTP = true
	ctrl.config.TOTPSecret = secret

	cmd := &models.Command{CommandID: "c1", AgentID: "agent-1", Priority: 1}
	d.Submit(cmd)
	<-sender.sent

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	result, err := ctrl.Trigger("operator-1", code)
	require.NoError(t, err)
	require.Equal(t, 1, result.AgentsStopped)
}
