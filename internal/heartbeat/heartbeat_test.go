package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
)

type fakeSender struct{ sent [][]byte }

func (f *fakeSender) Send(frame []byte) error { f.sent = append(f.sent, frame); return nil }
func (f *fakeSender) Closed() bool             { return false }
func (f *fakeSender) Close() error             { return nil }

func TestTick_MarksUnhealthyAfterMissedThreshold(t *testing.T) {
	p := pool.New(pool.Config{})
	s := &fakeSender{}
	p.Add("conn-1", models.RoleAgent, s, "", "")
	p.Authenticate("conn-1", models.Identity{}, "agent-1")

	m := New(Config{MissedThreshold: 3, PongTimeout: time.Hour}, p, codec.New(codec.DefaultLimits()))

	m.tick()
	require.True(t, m.Healthy("conn-1"))
	m.tick()
	require.True(t, m.Healthy("conn-1"))
	m.tick()
	require.False(t, m.Healthy("conn-1"))

	select {
	case ev := <-m.Events():
		require.Equal(t, EventUnhealthy, ev.Kind)
		require.Equal(t, "agent-1", ev.AgentID)
	default:
		t.Fatal("expected unhealthy event")
	}
}

func TestRecordPong_DecrementsMissedPingsAndRecoversHealth(t *testing.T) {
	p := pool.New(pool.Config{})
	s := &fakeSender{}
	p.Add("conn-1", models.RoleAgent, s, "", "")
	p.Authenticate("conn-1", models.Identity{}, "agent-1")

	m := New(Config{MissedThreshold: 2, PongTimeout: time.Hour}, p, codec.New(codec.DefaultLimits()))

	m.tick()
	m.tick()
	require.False(t, m.Healthy("conn-1"))

	m.RecordPong("conn-1", time.Now().UnixMilli())
	require.True(t, m.Healthy("conn-1"))

	select {
	case ev := <-m.Events():
		require.Equal(t, EventUnhealthy, ev.Kind)
	default:
		t.Fatal("expected prior unhealthy event")
	}
	select {
	case ev := <-m.Events():
		require.Equal(t, EventRecovered, ev.Kind)
	default:
		t.Fatal("expected recovered event")
	}
}

func TestRecordPong_ComputesLatencyStats(t *testing.T) {
	p := pool.New(pool.Config{})
	s := &fakeSender{}
	p.Add("conn-1", models.RoleAgent, s, "", "")
	p.Authenticate("conn-1", models.Identity{}, "agent-1")

	m := New(Config{PongTimeout: time.Hour}, p, codec.New(codec.DefaultLimits()))
	m.tick()

	past := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	m.RecordPong("conn-1", past)

	stats := m.Stats("conn-1")
	require.Equal(t, 1, stats.Samples)
	require.True(t, stats.Avg >= 40*time.Millisecond)
}
