// Package audit implements Component I, the audit sink: an append-only,
// total-order stream of security- and lifecycle-relevant events, queryable
// with pagination and a 30-day retention window. Grounded on
// internal/db/database.go for the durable store and internal/events.Bus for
// publishing the same stream to external consumers (a SIEM exporter, a
// second control-plane replica), mirroring the publisher/stub split the
// pack uses for non-blocking event emission.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetctl/controlplane/internal/db"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
)

// RetentionWindow is spec.md §3's fixed retention policy: events older than
// this are not returned by queries, and (open question (c)) are also
// deleted at write time by a scheduled job rather than left to accumulate
// forever.
const RetentionWindow = 30 * 24 * time.Hour

// Config tunes the sink's buffering.
type Config struct {
	BufferSize int // default 1000
}

func (c Config) withDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = 1000
	}
	return c
}

// Sink appends audit events without blocking the hot path: Append enqueues
// onto a buffered channel and a background writer performs the actual
// insert, publishing the same event to the NATS bus for external
// consumers. Overflow increments a dropped-events counter rather than
// blocking the caller.
type Sink struct {
	config Config
	db     *db.Database
	bus    *events.Bus

	buffer  chan models.AuditEvent
	dropped uint64

	cron   *cron.Cron
	stopCh chan struct{}
}

// New constructs a Sink. bus may be nil (publish becomes a no-op via
// events.Bus's own graceful degradation).
func New(config Config, database *db.Database, bus *events.Bus) *Sink {
	s := &Sink{
		config: config.withDefaults(),
		db:     database,
		bus:    bus,
		stopCh: make(chan struct{}),
	}
	s.buffer = make(chan models.AuditEvent, s.config.BufferSize)
	return s
}

// Run starts the background writer; it blocks until Stop is called.
func (s *Sink) Run() {
	for {
		select {
		case event := <-s.buffer:
			s.write(event)
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the background writer and any retention cron job.
func (s *Sink) Stop() {
	close(s.stopCh)
	if s.cron != nil {
		s.cron.Stop()
	}
}

// StartRetentionEnforcement schedules a daily job deleting events older
// than RetentionWindow, enforcing retention at write time in addition to
// the query-time filter Query applies.
func (s *Sink) StartRetentionEnforcement() {
	s.cron = cron.New()
	s.cron.AddFunc("@daily", func() {
		cutoff := time.Now().Add(-RetentionWindow)
		res, err := s.db.DB().Exec(`DELETE FROM audit_events WHERE created_at < $1`, cutoff)
		if err != nil {
			logger.Audit().Error().Err(err).Msg("retention enforcement failed")
			return
		}
		n, _ := res.RowsAffected()
		logger.Audit().Info().Int64("deleted", n).Msg("audit retention enforcement ran")
	})
	s.cron.Start()
}

// Append enqueues an event for asynchronous persistence. It never blocks:
// a full buffer increments the dropped-events counter.
func (s *Sink) Append(event models.AuditEvent) {
	event.CreatedAt = time.Now()
	select {
	case s.buffer <- event:
	default:
		atomic.AddUint64(&s.dropped, 1)
		logger.Audit().Warn().Str("kind", string(event.Kind)).Msg("audit buffer full, event dropped")
	}
}

// Dropped returns the count of events dropped due to buffer overflow.
func (s *Sink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Sink) write(event models.AuditEvent) {
	details, err := json.Marshal(event.Details)
	if err != nil {
		details = []byte("{}")
	}

	_, err = s.db.DB().Exec(`
		INSERT INTO audit_events (kind, actor_user_id, target_agent_id, target_command_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(event.Kind), nullIfEmpty(event.ActorUserID), nullIfEmpty(event.TargetAgentID), nullIfEmpty(event.TargetCommandID), details, event.CreatedAt)
	if err != nil {
		logger.Audit().Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to persist audit event")
		return
	}

	s.bus.Publish(events.SubjectAuditEvent, event)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Query paginates the audit stream by (kind, user id, agent id, time
// range), validating page size and offset, and never returning events
// older than RetentionWindow.
func (s *Sink) Query(ctx context.Context, q models.AuditQuery) ([]models.AuditEvent, error) {
	if q.Limit < 1 || q.Limit > 1000 {
		return nil, errors.ValidationFailed("limit must be between 1 and 1000")
	}
	if q.Offset < 0 {
		return nil, errors.ValidationFailed("offset must be >= 0")
	}

	retentionFloor := time.Now().Add(-RetentionWindow)
	from := retentionFloor
	if q.From.After(retentionFloor) {
		from = q.From
	}

	sqlQuery := `
		SELECT id, kind, actor_user_id, target_agent_id, target_command_id, details, created_at
		FROM audit_events
		WHERE created_at >= $1
	`
	args := []interface{}{from}
	argN := 2

	if q.Kind != "" {
		sqlQuery += " AND kind = $" + itoa(argN)
		args = append(args, string(q.Kind))
		argN++
	}
	if q.UserID != "" {
		sqlQuery += " AND actor_user_id = $" + itoa(argN)
		args = append(args, q.UserID)
		argN++
	}
	if q.AgentID != "" {
		sqlQuery += " AND target_agent_id = $" + itoa(argN)
		args = append(args, q.AgentID)
		argN++
	}
	if !q.To.IsZero() {
		sqlQuery += " AND created_at <= $" + itoa(argN)
		args = append(args, q.To)
		argN++
	}

	sqlQuery += " ORDER BY created_at DESC LIMIT $" + itoa(argN) + " OFFSET $" + itoa(argN+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.DB().QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errors.InternalError("audit query failed")
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			e                                       models.AuditEvent
			actorUserID, targetAgentID, targetCmdID sql.NullString
			detailsRaw                               []byte
		)
		if err := rows.Scan(&e.ID, &e.Kind, &actorUserID, &targetAgentID, &targetCmdID, &detailsRaw, &e.CreatedAt); err != nil {
			return nil, errors.InternalError("audit query failed")
		}
		e.ActorUserID = actorUserID.String
		e.TargetAgentID = targetAgentID.String
		e.TargetCommandID = targetCmdID.String
		if len(detailsRaw) > 0 {
			json.Unmarshal(detailsRaw, &e.Details)
		}
		out = append(out, e)
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
