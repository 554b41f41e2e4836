package tokenmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls int32
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, rec Record) (string, time.Time, string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return "", time.Time{}, "", errors.New("identity service unavailable")
	}
	return "new-access-token", time.Now().Add(time.Hour), "new-refresh-token", nil
}

// TestCycle_RefreshesTokenWithinThreshold mirrors scenario S6: expiry 2 min
// away with a 5 min threshold should trigger an in-place refresh, no
// connection close.
func TestCycle_RefreshesTokenWithinThreshold(t *testing.T) {
	refresher := &fakeRefresher{}
	m := New(Config{RefreshThreshold: 5 * time.Minute}, refresher)
	m.Track(Record{
		ConnectionID: "conn-1",
		UserID:       "user-1",
		AccessToken:  "old-token",
		Expiry:       time.Now().Add(2 * time.Minute),
	})

	m.cycle()

	select {
	case ev := <-m.Events():
		require.Equal(t, EventUpdated, ev.Kind)
		require.Equal(t, "new-access-token", ev.AccessToken)
	case <-time.After(time.Second):
		t.Fatal("expected tokenUpdated event")
	}

	rec, ok := m.Get("conn-1")
	require.True(t, ok)
	require.Equal(t, "new-access-token", rec.AccessToken)
	require.Equal(t, 0, rec.Attempts)
	require.False(t, rec.InProgress)
}

func TestCycle_SkipsRecordsOutsideThreshold(t *testing.T) {
	refresher := &fakeRefresher{}
	m := New(Config{RefreshThreshold: 5 * time.Minute}, refresher)
	m.Track(Record{
		ConnectionID: "conn-1",
		Expiry:       time.Now().Add(time.Hour),
	})

	m.cycle()

	require.Equal(t, int32(0), atomic.LoadInt32(&refresher.calls))
}

func TestCycle_PermanentlyFailsAfterMaxAttempts(t *testing.T) {
	refresher := &fakeRefresher{fail: true}
	m := New(Config{RefreshThreshold: 5 * time.Minute, MaxAttempts: 2}, refresher)
	m.Track(Record{
		ConnectionID: "conn-1",
		Expiry:       time.Now().Add(time.Minute),
	})

	m.cycle()
	m.cycle()

	select {
	case ev := <-m.Events():
		require.Equal(t, EventPermanentlyFailed, ev.Kind)
		require.Equal(t, "conn-1", ev.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("expected tokenPermanentlyFailed event")
	}
}

func TestCycle_DropsRecordsExpiredPastGrace(t *testing.T) {
	m := New(Config{ExpiredGrace: time.Minute}, &fakeRefresher{})
	m.Track(Record{
		ConnectionID: "conn-1",
		Expiry:       time.Now().Add(-2 * time.Minute),
	})

	m.cycle()

	_, ok := m.Get("conn-1")
	require.False(t, ok)
}
