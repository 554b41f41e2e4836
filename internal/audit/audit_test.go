package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/db"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/models"
)

func setup(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	database := db.NewDatabaseForTesting(mockDB)
	bus := events.NewBus(events.Config{})
	return New(Config{BufferSize: 10}, database, bus), mock
}

func TestAppend_PersistsAndDoesNotBlock(t *testing.T) {
	s, mock := setup(t)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(string(models.AuditAgentConnected), "user-1", "agent-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	s.Append(models.AuditEvent{
		Kind:          models.AuditAgentConnected,
		ActorUserID:   "user-1",
		TargetAgentID: "agent-1",
	})

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	<-done
}

func TestAppend_DropsWhenBufferFull(t *testing.T) {
	s, _ := setup(t)
	// no writer running: buffer of 10 fills, then overflow is dropped rather
	// than blocking the caller.
	for i := 0; i < 15; i++ {
		s.Append(models.AuditEvent{Kind: models.AuditSecurityAlert})
	}
	require.Equal(t, uint64(5), s.Dropped())
}

func TestQuery_RejectsInvalidLimit(t *testing.T) {
	s, _ := setup(t)
	_, err := s.Query(context.Background(), models.AuditQuery{Limit: 0})
	require.Error(t, err)
	require.Equal(t, errors.CodeValidationFailed, err.(*errors.ProtocolError).Code)

	_, err = s.Query(context.Background(), models.AuditQuery{Limit: 1001})
	require.Error(t, err)

	_, err = s.Query(context.Background(), models.AuditQuery{Limit: 10, Offset: -1})
	require.Error(t, err)
}

func TestQuery_ReturnsRowsWithinRetentionWindow(t *testing.T) {
	s, mock := setup(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "kind", "actor_user_id", "target_agent_id", "target_command_id", "details", "created_at"}).
		AddRow(1, "AGENT_CONNECTED", "user-1", "agent-1", nil, []byte(`{}`), now)

	mock.ExpectQuery("SELECT id, kind").WillReturnRows(rows)

	got, err := s.Query(context.Background(), models.AuditQuery{Limit: 50, Offset: 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, models.AuditAgentConnected, got[0].Kind)
	require.Equal(t, "user-1", got[0].ActorUserID)
}
