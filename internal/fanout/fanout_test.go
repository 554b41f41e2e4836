package fanout

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

type recordingSender struct {
	frames chan []byte
}

func newRecordingSender() *recordingSender { return &recordingSender{frames: make(chan []byte, 100)} }
func (s *recordingSender) Send(frame []byte) error { s.frames <- frame; return nil }
func (s *recordingSender) Closed() bool             { return false }
func (s *recordingSender) Close() error              { return nil }

func setup(t *testing.T) (*Fanout, *pool.Pool, *recordingSender) {
	p := pool.New(pool.Config{})
	s := newRecordingSender()
	p.Add("dash-1", models.RoleDashboard, s, "", "")
	p.Authenticate("dash-1", models.Identity{UserID: "user-1"}, "")

	f := New(p, codec.New(codec.DefaultLimits()), 8)
	f.RegisterDashboard("dash-1")
	f.Subscribe("dash-1", "agent-1", []models.EventKind{models.EventTerminalStream})
	return f, p, s
}

// TestPublishTerminalOutput_MonotoneGapFreeSequence is invariant 3.
func TestPublishTerminalOutput_MonotoneGapFreeSequence(t *testing.T) {
	f, _, s := setup(t)

	for i := 0; i < 5; i++ {
		err := f.PublishTerminalOutput("agent-1", models.TerminalOutputPayload{
			CommandID: "cmd-1",
			AgentID:   "agent-1",
			Output:    "line",
			Stream:    "stdout",
		})
		require.NoError(t, err)
	}

	var sequences []uint64
	for i := 0; i < 5; i++ {
		select {
		case frame := <-s.frames:
			var env models.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			var payload models.TerminalOutputPayload
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			sequences = append(sequences, payload.Sequence)
		case <-time.After(time.Second):
			t.Fatal("expected frame")
		}
	}

	for i, seq := range sequences {
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestPublishTerminalOutput_SanitizesOutput(t *testing.T) {
	f, _, s := setup(t)

	require.NoError(t, f.PublishTerminalOutput("agent-1", models.TerminalOutputPayload{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		Output:    "<script>alert(1)</script>safe",
		Stream:    "stdout",
	}))

	frame := <-s.frames
	var env models.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	var payload models.TerminalOutputPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "safe", payload.Output)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	f, _, s := setup(t)
	f.Unsubscribe("dash-1", "agent-1")

	require.NoError(t, f.PublishTerminalOutput("agent-1", models.TerminalOutputPayload{
		CommandID: "cmd-1", AgentID: "agent-1", Output: "x", Stream: "stdout",
	}))

	select {
	case <-s.frames:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterDashboard_RemovesAllSubscriptions(t *testing.T) {
	f, _, _ := setup(t)
	f.UnregisterDashboard("dash-1")

	f.mu.Lock()
	_, exists := f.byAgent["agent-1"]["dash-1"]
	f.mu.Unlock()
	require.False(t, exists)
}
