package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

var allEventKinds = []models.EventKind{
	models.EventStatus,
	models.EventCommandStatus,
	models.EventTerminalStream,
	models.EventTraceStream,
	models.EventQueueUpdate,
}

// parseKinds turns a comma-separated kinds query parameter into the set of
// EventKind the dashboard wants; an empty or unrecognized parameter
// subscribes to every kind.
func parseKinds(raw string) []models.EventKind {
	if raw == "" {
		return allEventKinds
	}
	var kinds []models.EventKind
	for _, part := range strings.Split(raw, ",") {
		k := models.EventKind(strings.TrimSpace(part))
		for _, known := range allEventKinds {
			if k == known {
				kinds = append(kinds, k)
			}
		}
	}
	if len(kinds) == 0 {
		return allEventKinds
	}
	return kinds
}

// HandleDashboardWS upgrades an inbound HTTP request to a WebSocket for a
// dashboard operator. The protocol's fixed message-kind table has no wire
// frame for subscribe/unsubscribe, so a dashboard connection is scoped to
// one target agent named by the required agentId query parameter at
// handshake time, mirroring the teacher's one-target-per-connection
// VNCProxyHandler; watching a different agent means opening another
// connection. The optional kinds parameter (comma-separated) narrows which
// event kinds are forwarded; it defaults to all five.
func (s *Server) HandleDashboardWS(c *gin.Context) {
	token := extractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, errors.AuthenticationFailed("missing token"))
		return
	}

	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, errors.ValidationFailed("agentId query parameter is required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	identity, err := s.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		c.JSON(http.StatusUnauthorized, errors.AuthenticationFailed("invalid token"))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	wc := newWSConn(connID, conn)
	s.pool.Add(connID, models.RoleDashboard, wc, c.ClientIP(), c.Request.UserAgent())
	s.pool.Authenticate(connID, identity, "")
	s.rememberIdentity(connID, identity)
	s.tokens.Track(tokenmanager.Record{
		ConnectionID: connID,
		UserID:       identity.UserID,
		AccessToken:  token,
		Expiry:       identity.Expiry,
	})
	armReadDeadlines(conn)

	s.fanout.RegisterDashboard(connID)
	s.fanout.Subscribe(connID, agentID, parseKinds(c.Query("kinds")))
	s.audit.Append(models.AuditEvent{Kind: models.AuditAuthLogin, ActorUserID: identity.UserID, TargetAgentID: agentID})

	defer func() {
		s.fanout.UnregisterDashboard(connID)
		s.removeConnection(connID)
		wc.Close()
	}()

	s.dashboardReadLoop(connID, agentID, identity.UserID, conn)
}

func (s *Server) dashboardReadLoop(connID, agentID, userID string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.pool.Touch(connID, len(raw), 0)

		if !s.pool.Allow(connID) {
			s.sendError(connID, errors.RateLimitExceeded())
			continue
		}

		env, err := s.codec.Decode(raw)
		if err != nil {
			s.sendError(connID, err)
			continue
		}

		switch env.Type {
		case models.TypePong:
			var p models.PingPongPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				s.heartbeat.RecordPong(connID, p.Timestamp)
			}

		case models.TypeCommandRequest:
			s.handleCommandRequest(connID, agentID, userID, env.Payload)

		case models.TypeCommandCancel:
			var p models.CommandCancelPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.sendError(connID, errors.InvalidMessageFormat("malformed COMMAND_CANCEL payload"))
				continue
			}
			if err := s.dispatcher.Cancel(agentID, p.CommandID, p.Reason); err != nil {
				s.sendError(connID, err)
			}

		case models.TypeEmergencyStop:
			var p models.EmergencyStopPayload
			json.Unmarshal(env.Payload, &p)
			if _, err := s.emergency.Trigger(userID, ""); err != nil {
				s.sendError(connID, err)
			}

		default:
			s.sendError(connID, errors.UnsupportedMessageType(string(env.Type)))
		}
	}
}

func (s *Server) handleCommandRequest(connID, agentID, userID string, raw json.RawMessage) {
	var p models.CommandRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(connID, errors.InvalidMessageFormat("malformed COMMAND_REQUEST payload"))
		return
	}
	if p.CommandID == "" {
		p.CommandID = uuid.NewString()
	}

	cmd := &models.Command{
		CommandID:            p.CommandID,
		UserID:                userID,
		AgentID:               agentID,
		Content:               p.Content,
		Priority:              p.Priority,
		ExecutionConstraints: p.ExecutionConstraints,
		CreatedAt:             time.Now(),
		Status:                models.CommandQueued,
	}

	if _, _, err := s.dispatcher.Submit(cmd); err != nil {
		s.sendError(connID, err)
	}
}
