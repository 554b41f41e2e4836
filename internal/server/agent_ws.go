package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

// agentHandshakeTimeout bounds how long a freshly accepted agent socket has
// to send its AGENT_CONNECT frame.
const agentHandshakeTimeout = 30 * time.Second

var errAgentAuthFailed = errors.AuthenticationFailed("invalid agent token")

// HandleAgentWS upgrades an inbound HTTP request to a WebSocket and runs an
// agent connection's full lifecycle: handshake, frame dispatch, teardown.
// Grounded on the teacher's websocket/agent_hub.go RegisterAgent path and
// hub.go's readPump/writePump split.
func (s *Server) HandleAgentWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WebSocket().Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wc := newWSConn(connID, conn)
	s.pool.Add(connID, models.RoleAgent, wc, c.ClientIP(), c.Request.UserAgent())
	armReadDeadlines(conn)

	defer func() {
		s.removeConnection(connID)
		wc.Close()
	}()

	agentID, ok := s.agentHandshake(connID, conn)
	if !ok {
		return
	}

	s.agentReadLoop(connID, agentID, conn)
}

// agentHandshake blocks for the first frame, which must be AGENT_CONNECT,
// and authenticates the connection. Any other frame, a decode error, or a
// timeout closes the socket without ever registering the agent.
func (s *Server) agentHandshake(connID string, conn *websocket.Conn) (string, bool) {
	conn.SetReadDeadline(time.Now().Add(agentHandshakeTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	s.pool.Touch(connID, len(raw), 0)

	env, err := s.codec.Decode(raw)
	if err != nil {
		s.sendError(connID, err)
		return "", false
	}
	if env.Type != models.TypeAgentConnect {
		s.sendError(connID, errors.InvalidMessageFormat("first frame must be AGENT_CONNECT"))
		return "", false
	}

	var payload models.AgentConnectPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.sendError(connID, errors.InvalidMessageFormat("malformed AGENT_CONNECT payload"))
		return "", false
	}

	identity, err := s.authenticateAgent(payload.AgentID, payload.Token)
	if err != nil {
		s.sendError(connID, errors.AuthenticationFailed("invalid agent token"))
		return "", false
	}

	s.pool.Authenticate(connID, identity, payload.AgentID)
	s.rememberIdentity(connID, identity)
	s.tokens.Track(tokenmanager.Record{
		ConnectionID: connID,
		UserID:       identity.UserID,
		AccessToken:  payload.Token,
		Expiry:       identity.Expiry,
	})
	s.audit.Append(models.AuditEvent{Kind: models.AuditAgentConnected, ActorUserID: identity.UserID, TargetAgentID: payload.AgentID})

	armReadDeadlines(conn)
	return payload.AgentID, true
}

// authenticateAgent accepts either a JWT (verified by the shared Verifier)
// or a pre-shared API key registered for this agentID, the supplemented
// auth path for unattended long-running agents (SPEC_FULL.md §10.1).
func (s *Server) authenticateAgent(agentID, token string) (models.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if identity, err := s.verifier.Verify(ctx, token); err == nil {
		return identity, nil
	}

	if s.agentKeys.Verify(agentID, token) {
		return models.Identity{UserID: agentID, Role: "agent"}, nil
	}

	return models.Identity{}, errAgentAuthFailed
}

// agentReadLoop processes every agent-originated frame after a successful
// handshake until the socket closes.
func (s *Server) agentReadLoop(connID, agentID string, conn *websocket.Conn) {
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

		case models.TypeAgentHeartbeat:
			// Metrics are carried for observability only; liveness itself is
			// tracked by the heartbeat manager's own ping/pong cycle.

		case models.TypeCommandAck:
			var p models.CommandAckPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				s.dispatcher.HandleAgentAck(agentID, p)
			}

		case models.TypeCommandComplete:
			var p models.CommandCompletePayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				s.dispatcher.HandleComplete(agentID, p)
			}

		case models.TypeTerminalOutput:
			var p models.TerminalOutputPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				p.AgentID = agentID
				s.fanout.PublishTerminalOutput(agentID, p)
			}

		case models.TypeTraceEvent:
			var p models.TraceEventPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				p.AgentID = agentID
				s.fanout.PublishTraceEvent(agentID, p)
			}

		case models.TypeAgentError:
			var p models.AgentErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				logger.WebSocket().Warn().Str("agentId", agentID).Str("code", p.Code).Str("message", p.Message).Bool("fatal", p.Fatal).Msg("agent reported error")
				s.audit.Append(models.AuditEvent{Kind: models.AuditSecurityAlert, TargetAgentID: agentID, Details: map[string]interface{}{"code": p.Code, "message": p.Message}})
			}

		default:
			s.sendError(connID, errors.UnsupportedMessageType(string(env.Type)))
		}
	}
}

// sendError encodes and delivers an ERROR frame to one connection, the
// canonical response to any per-message decode or validation failure
// (spec.md §7: per-message failures never close the socket).
func (s *Server) sendError(connID string, err error) {
	protoErr, ok := err.(*errors.ProtocolError)
	if !ok {
		protoErr = errors.InternalError("internal error")
	}
	env, encErr := codec.EncodePayload(models.TypeError, uuid.NewString(), time.Now().UnixMilli(), models.ErrorPayload{
		Code:    protoErr.Code,
		Message: protoErr.Message,
		Details: protoErr.Details,
	})
	if encErr != nil {
		return
	}
	frame, encErr := s.codec.Encode(env)
	if encErr != nil {
		return
	}
	s.pool.SendTo(connID, frame)
}
