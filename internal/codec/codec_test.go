package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

func TestDecode_RejectsOversizeMessage(t *testing.T) {
	c := New(Limits{MaxMessageBytes: 10, MaxTerminalBytes: 10})
	_, err := c.Decode([]byte(`{"type":"PING","id":"1","timestamp":1,"payload":{}}`))
	require.Error(t, err)
	pe, ok := err.(*errors.ProtocolError)
	require.True(t, ok)
	require.Equal(t, errors.CodeMessageTooLarge, pe.Code)
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	c := New(DefaultLimits())
	_, err := c.Decode([]byte(`{"type":"NOT_A_KIND","id":"1","timestamp":1,"payload":{}}`))
	require.Error(t, err)
	pe := err.(*errors.ProtocolError)
	require.Equal(t, errors.CodeUnsupportedType, pe.Code)
}

func TestDecode_RejectsMissingEnvelopeField(t *testing.T) {
	c := New(DefaultLimits())
	_, err := c.Decode([]byte(`{"type":"PING","timestamp":1,"payload":{}}`))
	require.Error(t, err)
	pe := err.(*errors.ProtocolError)
	require.Equal(t, errors.CodeInvalidMessageFormat, pe.Code)
}

func TestDecode_RejectsInvalidPayloadSchema(t *testing.T) {
	c := New(DefaultLimits())
	_, err := c.Decode([]byte(`{"type":"COMMAND_REQUEST","id":"1","timestamp":1,"payload":{"priority":1}}`))
	require.Error(t, err)
	pe := err.(*errors.ProtocolError)
	require.Equal(t, errors.CodeValidationFailed, pe.Code)
}

func TestDecode_AcceptsValidAgentConnect(t *testing.T) {
	c := New(DefaultLimits())
	env, err := c.Decode([]byte(`{"type":"AGENT_CONNECT","id":"1","timestamp":1,"payload":{"agentId":"a1","token":"t","version":"1.0","capabilities":["shell"]}}`))
	require.NoError(t, err)
	require.Equal(t, models.TypeAgentConnect, env.Type)
}

func TestEncodePayload_RoundTrips(t *testing.T) {
	env, err := EncodePayload(models.TypePing, "1", 100, models.PingPongPayload{Timestamp: 100})
	require.NoError(t, err)

	c := New(DefaultLimits())
	raw, err := c.Encode(env)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, models.TypePing, decoded.Type)
}

func TestSanitizeText_StripsHTML(t *testing.T) {
	out := SanitizeText(`<script>alert(1)</script>hello`)
	require.Equal(t, "hello", out)
}

func TestDecode_TerminalOutputUsesSmallerBudget(t *testing.T) {
	c := New(Limits{MaxMessageBytes: 1 << 20, MaxTerminalBytes: 40})
	raw := []byte(`{"type":"TERMINAL_OUTPUT","id":"1","timestamp":1,"payload":{"commandId":"c1","agentId":"a1","output":"hello world this is long","stream":"stdout","sequence":1,"timestamp":1}}`)
	_, err := c.Decode(raw)
	require.Error(t, err)
	pe := err.(*errors.ProtocolError)
	require.Equal(t, errors.CodeMessageTooLarge, pe.Code)
}
