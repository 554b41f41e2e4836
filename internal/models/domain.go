package models

import "time"

// ConnectionRole distinguishes the two kinds of clients the server multiplexes.
type ConnectionRole string

const (
	RoleAgent     ConnectionRole = "agent"
	RoleDashboard ConnectionRole = "dashboard"
)

// AgentStatus is the lifecycle status of an Agent record.
type AgentStatus string

const (
	AgentOffline     AgentStatus = "offline"
	AgentOnline      AgentStatus = "online"
	AgentExecuting   AgentStatus = "executing"
	AgentError       AgentStatus = "error"
	AgentMaintenance AgentStatus = "maintenance"
)

// CommandStatus is the lifecycle status of a Command record. Once a command
// reaches a terminal status (CommandCompleted, CommandFailed, CommandCancelled)
// no further transition is observable.
type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandCancelled
}

// Identity is the result of a successful token verification.
type Identity struct {
	UserID string
	Email  string
	Role   string
	Expiry time.Time
}

// Agent is the declared identity and status of one fleet member.
type Agent struct {
	AgentID      string
	Type         string
	Capabilities []string
	Version      string
	Status       AgentStatus
	LastPingAt   time.Time
	Metadata     map[string]interface{}
}

// Command is one unit of work submitted by a dashboard to an agent.
type Command struct {
	CommandID            string
	UserID                string
	AgentID               string
	Content               string
	Priority              int
	ExecutionConstraints *ExecutionConstraints
	CreatedAt             time.Time
	Status                CommandStatus
	CancelReason          string
	StartedAt             time.Time
	CompletedAt           time.Time
	ExitCode              *int
	Error                 string
}

// ConnectionSnapshot is an immutable copy-on-read view of a live Connection,
// safe to hand out to callers without holding the pool's lock.
type ConnectionSnapshot struct {
	ConnectionID    string
	Role            ConnectionRole
	Identity        string // user id for dashboards, agent id for agents
	Authenticated   bool
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	MessagesIn      uint64
	MessagesOut     uint64
	BytesIn         uint64
	BytesOut        uint64
	RemoteAddr      string
	UserAgent       string
}

// Subscription is the (dashboard, agent, event-kind set) fan-out binding.
type Subscription struct {
	DashboardConnID string
	AgentID         string
	Kinds           map[EventKind]bool
}

// EventKind is the set of agent-originated stream kinds a dashboard can
// subscribe to.
type EventKind string

const (
	EventStatus          EventKind = "status"
	EventCommandStatus   EventKind = "command_status"
	EventTerminalStream  EventKind = "terminal_stream"
	EventTraceStream     EventKind = "trace_stream"
	EventQueueUpdate     EventKind = "queue_update"
)

// AuditEventKind is the fixed tag set for audit events.
type AuditEventKind string

const (
	AuditAuthLogin               AuditEventKind = "AUTH_LOGIN"
	AuditAuthTokenRefresh        AuditEventKind = "AUTH_TOKEN_REFRESH"
	AuditAgentConnected          AuditEventKind = "AGENT_CONNECTED"
	AuditAgentDisconnected       AuditEventKind = "AGENT_DISCONNECTED"
	AuditCommandExecuted         AuditEventKind = "COMMAND_EXECUTED"
	AuditCommandCompleted        AuditEventKind = "COMMAND_COMPLETED"
	AuditCommandFailed           AuditEventKind = "COMMAND_FAILED"
	AuditCommandCancelled        AuditEventKind = "COMMAND_CANCELLED"
	AuditSecurityAlert           AuditEventKind = "SECURITY_ALERT"
	AuditEmergencyStopTriggered  AuditEventKind = "EMERGENCY_STOP_TRIGGERED"
)

// AuditEvent is one append-only record in the audit sink.
type AuditEvent struct {
	ID              int64
	Kind            AuditEventKind
	ActorUserID     string
	TargetAgentID   string
	TargetCommandID string
	Details         map[string]interface{}
	CreatedAt       time.Time
}

// AuditQuery is the validated parameter set for a paginated audit query.
type AuditQuery struct {
	Kind    AuditEventKind
	UserID  string
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}
