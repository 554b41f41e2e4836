// Package models defines the wire protocol and domain records shared across
// the connection plane: the envelope every frame is wrapped in, the typed
// payload for each message kind, including the ERROR frame's payload. The
// error taxonomy itself lives in internal/errors.
package models

import "encoding/json"

// Envelope is the wrapping structure every frame on the wire uses, in both
// directions, over both the agent and dashboard channels.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MessageType is a fixed, case-sensitive message kind tag.
type MessageType string

const (
	TypeAgentConnect   MessageType = "AGENT_CONNECT"
	TypeAgentHeartbeat MessageType = "AGENT_HEARTBEAT"
	TypeAgentError     MessageType = "AGENT_ERROR"

	TypeCommandRequest MessageType = "COMMAND_REQUEST"
	TypeCommandAck     MessageType = "COMMAND_ACK"
	TypeCommandCancel  MessageType = "COMMAND_CANCEL"
	TypeCommandComplete MessageType = "COMMAND_COMPLETE"

	TypeTerminalOutput     MessageType = "TERMINAL_OUTPUT"
	TypeTraceEvent         MessageType = "TRACE_EVENT"
	TypeQueuePositionUpdate MessageType = "QUEUE_POSITION_UPDATE"

	TypeEmergencyStop MessageType = "EMERGENCY_STOP"
	TypeTokenRefresh  MessageType = "TOKEN_REFRESH"

	TypePing  MessageType = "PING"
	TypePong  MessageType = "PONG"
	TypeError MessageType = "ERROR"
)

// AgentConnectPayload is carried by an AGENT_CONNECT frame (A->S).
type AgentConnectPayload struct {
	AgentID      string   `json:"agentId"`
	Token        string   `json:"token"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// AgentHeartbeatPayload is carried by an AGENT_HEARTBEAT frame (A->S).
type AgentHeartbeatPayload struct {
	AgentID string                 `json:"agentId"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// AgentErrorPayload is carried by an AGENT_ERROR frame (A->S).
type AgentErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// ExecutionConstraints bounds how long a command may run.
type ExecutionConstraints struct {
	TimeLimitSeconds int `json:"timeLimitSeconds,omitempty"`
}

// CommandRequestPayload is carried by a COMMAND_REQUEST frame (S->A, D->S).
type CommandRequestPayload struct {
	CommandID            string                 `json:"commandId"`
	Content               string                 `json:"content"`
	Priority              int                    `json:"priority"`
	ExecutionConstraints *ExecutionConstraints `json:"executionConstraints,omitempty"`
}

// CommandAckPayload is carried by a COMMAND_ACK frame (A->S, S->D).
type CommandAckPayload struct {
	CommandID          string `json:"commandId"`
	Status             string `json:"status"`
	QueuePosition      *int   `json:"queuePosition,omitempty"`
	EstimatedStartTime *int64 `json:"estimatedStartTime,omitempty"`
}

// CommandCancelPayload is carried by a COMMAND_CANCEL frame (D->S, S->A).
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason"`
}

// CommandCompletePayload is carried by a COMMAND_COMPLETE frame (A->S, S->D).
type CommandCompletePayload struct {
	CommandID   string `json:"commandId"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Duration    int64  `json:"duration"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Error       string `json:"error,omitempty"`
}

// TerminalOutputPayload is carried by a TERMINAL_OUTPUT frame (A->S, S->D).
type TerminalOutputPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Output    string `json:"output"`
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// TraceEventPayload is carried by a TRACE_EVENT frame (A->S, S->D).
type TraceEventPayload struct {
	CommandID string                 `json:"commandId"`
	AgentID   string                 `json:"agentId"`
	ParentID  string                 `json:"parentId,omitempty"`
	Type      string                 `json:"type"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueuePositionUpdatePayload is carried by a QUEUE_POSITION_UPDATE frame (S->D).
type QueuePositionUpdatePayload struct {
	CommandID     string `json:"commandId"`
	QueuePosition int    `json:"queuePosition"`
}

// EmergencyStopPayload is carried by an EMERGENCY_STOP frame (D->S).
type EmergencyStopPayload struct {
	Reason string `json:"reason"`
}

// TokenRefreshPayload is carried by a TOKEN_REFRESH frame (S->*).
type TokenRefreshPayload struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// PingPongPayload is carried by PING/PONG frames (bidirectional).
type PingPongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is carried by an ERROR frame (S->*).
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
