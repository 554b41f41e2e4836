package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/auth"
	"github.com/fleetctl/controlplane/internal/cache"
	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/dispatcher"
	"github.com/fleetctl/controlplane/internal/emergency"
	"github.com/fleetctl/controlplane/internal/events"
	"github.com/fleetctl/controlplane/internal/fanout"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/pool"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

// testHarness wires every component the same way cmd/main.go does, but
// in-memory end to end: no real database, cache, or NATS connection, the
// pattern established by dispatcher_test.go's setup helper.
type testHarness struct {
	srv  *Server
	http *httptest.Server
	jwt  *auth.JWTVerifier
	pool *pool.Pool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := pool.New(pool.Config{})
	c := codec.New(codec.DefaultLimits())
	hb := heartbeat.New(heartbeat.Config{}, p, c)
	f := fanout.New(p, c, 16)
	a := audit.New(audit.Config{BufferSize: 100}, nil, events.NewBus(events.Config{}))
	d := dispatcher.New(dispatcher.Config{DefaultQueueMax: 5}, p, c, f, a)
	em := emergency.New(emergency.Config{}, d, a)

	jwtVerifier := auth.NewJWTVerifier(auth.JWTConfig{SecretKey: strings.Repeat("k", 32)})
	verifier := auth.NewVerifier(jwtVerifier, nil)
	redisCache, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	sessions := auth.NewSessionStore(redisCache)

	identities := NewIdentityStore()
	refresher := NewTokenRefresher(identities, jwtVerifier)
	tokens := tokenmanager.New(tokenmanager.Config{}, refresher)

	srv := New(Config{}, Dependencies{
		Pool:       p,
		Codec:      c,
		Heartbeat:  hb,
		Tokens:     tokens,
		Dispatcher: d,
		Fanout:     f,
		Audit:      a,
		Emergency:  em,
		Verifier:   verifier,
		JWT:        jwtVerifier,
		Sessions:   sessions,
		Bus:        events.NewBus(events.Config{}),
		Identities: identities,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testHarness{srv: srv, http: ts, jwt: jwtVerifier, pool: p}
}

func (h *testHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}

func dialWS(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, kind models.MessageType, payload interface{}) {
	t.Helper()
	env, err := codec.EncodePayload(kind, "test-"+string(kind), time.Now().UnixMilli(), payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t)
	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentHandshake_ValidJWTIsAccepted(t *testing.T) {
	h := newTestHarness(t)
	token, _, err := h.jwt.GenerateToken("agent-user", "", "agent")
	require.NoError(t, err)

	conn := dialWS(t, h.wsURL("/ws/agent"))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypeAgentConnect, models.AgentConnectPayload{
		AgentID: "agent-1",
		Token:   token,
		Version: "1.0.0",
	})

	// A successful handshake sends no frame back; drive it by sending a
	// heartbeat and confirming the socket stays open instead of receiving
	// an ERROR envelope.
	writeEnvelope(t, conn, models.TypeAgentHeartbeat, models.AgentHeartbeatPayload{AgentID: "agent-1"})

	require.Eventually(t, func() bool {
		conn, ok := h.pool.GetByAgent("agent-1")
		return ok && conn.Authenticated
	}, time.Second, 10*time.Millisecond)
}

func TestAgentHandshake_InvalidTokenIsRejected(t *testing.T) {
	h := newTestHarness(t)
	conn := dialWS(t, h.wsURL("/ws/agent"))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypeAgentConnect, models.AgentConnectPayload{
		AgentID: "agent-1",
		Token:   "not-a-real-token",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, models.TypeError, env.Type)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestAgentHandshake_WrongFirstFrameRejected(t *testing.T) {
	h := newTestHarness(t)
	conn := dialWS(t, h.wsURL("/ws/agent"))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypePong, models.PingPongPayload{Timestamp: time.Now().UnixMilli()})

	env := readEnvelope(t, conn)
	require.Equal(t, models.TypeError, env.Type)
}

func TestAgentHandshake_PreSharedAPIKeyIsAccepted(t *testing.T) {
	h := newTestHarness(t)
	key, err := h.srv.RegisterAgentAPIKey("agent-unattended")
	require.NoError(t, err)

	conn := dialWS(t, h.wsURL("/ws/agent"))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypeAgentConnect, models.AgentConnectPayload{
		AgentID: "agent-unattended",
		Token:   key,
		Version: "1.0.0",
	})

	require.Eventually(t, func() bool {
		conn, ok := h.pool.GetByAgent("agent-unattended")
		return ok && conn.Authenticated
	}, time.Second, 10*time.Millisecond)
}

func TestDashboardHandshake_RequiresAgentID(t *testing.T) {
	h := newTestHarness(t)
	token, _, err := h.jwt.GenerateToken("dash-user", "", "operator")
	require.NoError(t, err)

	url := strings.Replace(h.wsURL("/ws/dashboard"), "ws://", "http://", 1) + "?token=" + token
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboardHandshake_MissingTokenRejected(t *testing.T) {
	h := newTestHarness(t)
	url := strings.Replace(h.wsURL("/ws/dashboard"), "ws://", "http://", 1) + "?agentId=agent-1"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestDashboardCommandRequest_S1QueuePosition is scenario S1: a dashboard
// submits a command and receives a COMMAND_ACK with its queue position.
func TestDashboardCommandRequest_S1QueuePosition(t *testing.T) {
	h := newTestHarness(t)
	token, _, err := h.jwt.GenerateToken("dash-user", "", "operator")
	require.NoError(t, err)

	conn := dialWS(t, h.wsURL("/ws/dashboard?agentId=agent-1&token="+token))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypeCommandRequest, models.CommandRequestPayload{
		CommandID: "cmd-1",
		Content:   "echo hello",
		Priority:  0,
	})

	env := readEnvelope(t, conn)
	require.Equal(t, models.TypeCommandAck, env.Type)

	var ack models.CommandAckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	require.Equal(t, "cmd-1", ack.CommandID)
	require.Equal(t, "queued", ack.Status)
	require.NotNil(t, ack.QueuePosition)
}

// TestDashboardCommandRequest_S4QueueFull is scenario S4: once the per-agent
// queue is at its configured maximum, Submit rejects further commands and
// the dashboard receives an ERROR frame rather than a silent drop.
func TestDashboardCommandRequest_S4QueueFull(t *testing.T) {
	h := newTestHarness(t)
	token, _, err := h.jwt.GenerateToken("dash-user", "", "operator")
	require.NoError(t, err)

	conn := dialWS(t, h.wsURL("/ws/dashboard?agentId=agent-1&token="+token))
	defer conn.Close()

	// DefaultQueueMax is 5 in this harness; no agent is connected so every
	// command stays queued instead of promoting.
	for i := 0; i < 5; i++ {
		writeEnvelope(t, conn, models.TypeCommandRequest, models.CommandRequestPayload{
			CommandID: "cmd-" + string(rune('a'+i)),
			Content:   "noop",
		})
		ack := readEnvelope(t, conn)
		require.Equal(t, models.TypeCommandAck, ack.Type)
	}

	writeEnvelope(t, conn, models.TypeCommandRequest, models.CommandRequestPayload{
		CommandID: "cmd-overflow",
		Content:   "noop",
	})
	env := readEnvelope(t, conn)
	require.Equal(t, models.TypeError, env.Type)
}

// TestEmergencyStop_S5 is scenario S5: an EMERGENCY_STOP frame from an
// authenticated dashboard reaches the emergency controller.
func TestEmergencyStop_S5(t *testing.T) {
	h := newTestHarness(t)
	token, _, err := h.jwt.GenerateToken("dash-user", "", "operator")
	require.NoError(t, err)

	conn := dialWS(t, h.wsURL("/ws/dashboard?agentId=agent-1&token="+token))
	defer conn.Close()

	writeEnvelope(t, conn, models.TypeEmergencyStop, models.EmergencyStopPayload{})

	// Trigger with no agents connected and no commands executing completes
	// without error; confirm no ERROR envelope was pushed back.
	writeEnvelope(t, conn, models.TypeCommandRequest, models.CommandRequestPayload{CommandID: "cmd-after-stop", Content: "noop"})
	env := readEnvelope(t, conn)
	require.Equal(t, models.TypeCommandAck, env.Type)
}

func TestExtractToken_HeaderQueryCookiePrecedence(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/?token=query-token", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})

	require.Equal(t, "header-token", extractToken(req))

	req.Header.Del("Authorization")
	require.Equal(t, "query-token", extractToken(req))

	req2, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req2.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	require.Equal(t, "cookie-token", extractToken(req2))
}
