// Package codec implements Component A, the message codec and validator:
// parse/serialize the wire envelope, enforce per-message byte budgets before
// any payload parsing, and validate each payload against its message kind's
// schema. Grounded on the AgentMessage/CommandMessage marshaling pattern of
// the teacher's models/agent_protocol.go, generalized from one fixed schema
// to the full message-kind table of spec.md §6.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

// Limits bounds the size of inbound frames, enforced before JSON parsing.
type Limits struct {
	// MaxMessageBytes is the default per-frame budget.
	MaxMessageBytes int
	// MaxTerminalBytes is the budget for TERMINAL_OUTPUT frames specifically.
	MaxTerminalBytes int
}

// DefaultLimits matches spec.md §4.A: 1 MiB general, 64 KiB for terminal chunks.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes:  1 << 20,
		MaxTerminalBytes: 64 << 10,
	}
}

func (l Limits) budgetFor(raw []byte) int {
	if looksLikeTerminalOutput(raw) {
		return l.MaxTerminalBytes
	}
	return l.MaxMessageBytes
}

// looksLikeTerminalOutput does a cheap substring check so the byte-budget
// decision can be made before the frame is parsed at all. A false negative
// only means the larger general budget applies, never a validation bypass:
// schema validation still runs after parsing.
func looksLikeTerminalOutput(raw []byte) bool {
	const needle = `"type":"TERMINAL_OUTPUT"`
	const needleSpaced = `"type": "TERMINAL_OUTPUT"`
	return containsBytes(raw, []byte(needle)) || containsBytes(raw, []byte(needleSpaced))
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

// Codec parses and validates frames under a fixed set of size limits.
type Codec struct {
	limits Limits
}

// New constructs a Codec with the given limits.
func New(limits Limits) *Codec {
	return &Codec{limits: limits}
}

// Decode parses raw bytes into an Envelope, enforcing the byte budget first
// and the envelope/payload schema second. Every returned error is a
// *errors.ProtocolError suitable for an ERROR frame; the connection is never
// implied to close by a Decode failure.
func (c *Codec) Decode(raw []byte) (*models.Envelope, error) {
	budget := c.limits.budgetFor(raw)
	if len(raw) > budget {
		return nil, errors.MessageTooLarge(budget)
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.InvalidMessageFormat("message is not a valid envelope object")
	}
	if env.Type == "" {
		return nil, errors.InvalidMessageFormat("missing required field: type")
	}
	if env.ID == "" {
		return nil, errors.InvalidMessageFormat("missing required field: id")
	}
	if env.Timestamp == 0 {
		return nil, errors.InvalidMessageFormat("missing required field: timestamp")
	}

	if !knownType(env.Type) {
		return nil, errors.UnsupportedMessageType(string(env.Type))
	}

	if err := validatePayload(env.Type, env.Payload); err != nil {
		return nil, err
	}

	return &env, nil
}

// Encode serializes an Envelope to raw bytes for writing to the socket.
func (c *Codec) Encode(env *models.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.InternalError("failed to encode envelope")
	}
	return raw, nil
}

// EncodePayload marshals a typed payload and wraps it in an Envelope of the
// given kind and id, ready for Encode.
func EncodePayload(kind models.MessageType, id string, timestamp int64, payload interface{}) (*models.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", kind, err)
	}
	return &models.Envelope{Type: kind, ID: id, Timestamp: timestamp, Payload: raw}, nil
}

var knownTypes = map[models.MessageType]bool{
	models.TypeAgentConnect:         true,
	models.TypeAgentHeartbeat:       true,
	models.TypeAgentError:           true,
	models.TypeCommandRequest:       true,
	models.TypeCommandAck:           true,
	models.TypeCommandCancel:        true,
	models.TypeCommandComplete:      true,
	models.TypeTerminalOutput:       true,
	models.TypeTraceEvent:           true,
	models.TypeQueuePositionUpdate:  true,
	models.TypeEmergencyStop:        true,
	models.TypeTokenRefresh:         true,
	models.TypePing:                 true,
	models.TypePong:                 true,
	models.TypeError:                true,
}

func knownType(t models.MessageType) bool {
	return knownTypes[t]
}
