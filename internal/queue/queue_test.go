package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

func cmd(id string, priority int) *models.Command {
	return &models.Command{CommandID: id, Priority: priority}
}

// TestEnqueue_S1QueuePositions mirrors scenario S1: three same-priority
// commands queue in submission order.
func TestEnqueue_S1QueuePositions(t *testing.T) {
	q := New("A1", 5, time.Second)

	pos1, _, err := q.Enqueue(cmd("C1", 1))
	require.NoError(t, err)
	require.Equal(t, 1, pos1)

	pos2, _, err := q.Enqueue(cmd("C2", 1))
	require.NoError(t, err)
	require.Equal(t, 2, pos2)

	pos3, _, err := q.Enqueue(cmd("C3", 1))
	require.NoError(t, err)
	require.Equal(t, 3, pos3)

	q.PromoteNext() // C1 becomes executing
	_, updates := q.RemoveQueued("does-not-exist")
	require.Nil(t, updates)

	p2, ok := q.PositionOf("C2")
	require.True(t, ok)
	require.Equal(t, 1, p2)
	p3, ok := q.PositionOf("C3")
	require.True(t, ok)
	require.Equal(t, 2, p3)
}

// TestEnqueue_S2PriorityPreemption mirrors scenario S2.
func TestEnqueue_S2PriorityPreemption(t *testing.T) {
	q := New("A1", 5, time.Second)

	low := cmd("low", 1)
	q.Enqueue(low)
	q.PromoteNext() // agent idle, low runs immediately
	require.Equal(t, low, q.Executing())

	high := cmd("high", 10)
	pos, _, err := q.Enqueue(high)
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	// cancel low, promote next
	q.ClearExecuting()
	promoted := q.PromoteNext()
	require.Equal(t, high, promoted)
}

// TestEnqueue_S4QueueFull mirrors scenario S4.
func TestEnqueue_S4QueueFull(t *testing.T) {
	q := New("A1", 5, time.Second)
	for i := 0; i < 5; i++ {
		_, _, err := q.Enqueue(cmd(string(rune('A'+i)), 1))
		require.NoError(t, err)
	}

	_, _, err := q.Enqueue(cmd("overflow-1", 1))
	require.Error(t, err)
	pe := err.(*errors.ProtocolError)
	require.Equal(t, errors.CodeQueueFull, pe.Code)
	require.Equal(t, 5, pe.Details["maxQueueSize"])

	_, _, err = q.Enqueue(cmd("overflow-2", 1))
	require.Error(t, err)
}

// TestInvariant_PriorityOrderWithTieBreak is invariant 2.
func TestInvariant_PriorityOrderWithTieBreak(t *testing.T) {
	q := New("A1", 10, time.Second)
	q.Enqueue(cmd("low-first", 1))
	q.Enqueue(cmd("high", 5))
	q.Enqueue(cmd("low-second", 1))

	posHigh, _ := q.PositionOf("high")
	posLowFirst, _ := q.PositionOf("low-first")
	posLowSecond, _ := q.PositionOf("low-second")

	require.Less(t, posHigh, posLowFirst)
	require.Less(t, posLowFirst, posLowSecond)
}

func TestRemoveQueued_ReindexesRemaining(t *testing.T) {
	q := New("A1", 5, time.Second)
	q.Enqueue(cmd("C1", 1))
	q.Enqueue(cmd("C2", 1))
	q.Enqueue(cmd("C3", 1))

	removed, updates := q.RemoveQueued("C2")
	require.Equal(t, "C2", removed.CommandID)
	require.Equal(t, []PositionUpdate{{CommandID: "C1", Position: 1}, {CommandID: "C3", Position: 2}}, updates)
}

func TestPromoteNext_SkipsAlreadyCancelledHead(t *testing.T) {
	q := New("A1", 5, time.Second)
	c1 := cmd("C1", 1)
	q.Enqueue(c1)
	c1.Status = models.CommandCancelled // cancelled while still queued
	c2 := cmd("C2", 1)
	q.Enqueue(c2)

	promoted := q.PromoteNext()
	require.Equal(t, "C2", promoted.CommandID)
}
