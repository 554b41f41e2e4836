package codec

import (
	"encoding/json"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

// validatePayload unmarshals raw into the payload struct for kind and
// checks the fields spec.md §6's table marks required. Unknown fields are
// ignored; internal code only ever sees the typed struct afterward.
func validatePayload(kind models.MessageType, raw json.RawMessage) error {
	switch kind {
	case models.TypeAgentConnect:
		var p models.AgentConnectPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return errors.ValidationFailed("agentId is required")
		}
		if p.Token == "" {
			return errors.ValidationFailed("token is required")
		}
		if p.Version == "" {
			return errors.ValidationFailed("version is required")
		}
		return nil

	case models.TypeAgentHeartbeat:
		var p models.AgentHeartbeatPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return errors.ValidationFailed("agentId is required")
		}
		return nil

	case models.TypeAgentError:
		var p models.AgentErrorPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.Code == "" || p.Message == "" {
			return errors.ValidationFailed("code and message are required")
		}
		return nil

	case models.TypeCommandRequest:
		var p models.CommandRequestPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.Content == "" {
			return errors.ValidationFailed("content is required")
		}
		return nil

	case models.TypeCommandAck:
		var p models.CommandAckPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.Status == "" {
			return errors.ValidationFailed("commandId and status are required")
		}
		return nil

	case models.TypeCommandCancel:
		var p models.CommandCancelPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" {
			return errors.ValidationFailed("commandId is required")
		}
		return nil

	case models.TypeCommandComplete:
		var p models.CommandCompletePayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.Status == "" {
			return errors.ValidationFailed("commandId and status are required")
		}
		return nil

	case models.TypeTerminalOutput:
		var p models.TerminalOutputPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.AgentID == "" {
			return errors.ValidationFailed("commandId and agentId are required")
		}
		if p.Stream != "stdout" && p.Stream != "stderr" {
			return errors.ValidationFailed("stream must be stdout or stderr")
		}
		return nil

	case models.TypeTraceEvent:
		var p models.TraceEventPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.AgentID == "" || p.Type == "" {
			return errors.ValidationFailed("commandId, agentId, and type are required")
		}
		return nil

	case models.TypeQueuePositionUpdate:
		var p models.QueuePositionUpdatePayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.CommandID == "" {
			return errors.ValidationFailed("commandId is required")
		}
		return nil

	case models.TypeEmergencyStop:
		var p models.EmergencyStopPayload
		return unmarshalOrFail(raw, &p)

	case models.TypeTokenRefresh:
		var p models.TokenRefreshPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.AccessToken == "" {
			return errors.ValidationFailed("accessToken is required")
		}
		return nil

	case models.TypePing, models.TypePong:
		var p models.PingPongPayload
		return unmarshalOrFail(raw, &p)

	case models.TypeError:
		var p models.ErrorPayload
		if err := unmarshalOrFail(raw, &p); err != nil {
			return err
		}
		if p.Code == "" {
			return errors.ValidationFailed("code is required")
		}
		return nil
	}

	return errors.UnsupportedMessageType(string(kind))
}

func unmarshalOrFail(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return errors.ValidationFailed("missing payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.InvalidMessageFormat("payload does not match expected schema")
	}
	return nil
}
