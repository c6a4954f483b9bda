// ABOUTME: End-to-end server tests over real websocket connections.
// ABOUTME: Exercises handshake, routing, liveness eviction, control surface, and health endpoints.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swarm-relay/internal/protocol"
	"github.com/2389/swarm-relay/internal/router"
	"github.com/2389/swarm-relay/internal/store"
	"github.com/2389/swarm-relay/internal/topology"
)

type testHarness struct {
	srv  *Server
	http *httptest.Server
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	if opts.ServerID == "" {
		opts.ServerID = "relay-test"
	}
	srv := New(opts, store.NopStore{}, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testHarness{srv: srv, http: ts}
}

func (h *testHarness) wsURL(agentID, capabilities string) string {
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?agent=" + agentID
	if capabilities != "" {
		url += "&capabilities=" + capabilities
	}
	return url
}

// dial connects an agent and consumes the welcome frame.
func (h *testHarness) dial(t *testing.T, agentID, capabilities string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, h.wsURL(agentID, capabilities), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })

	welcome := readMsg(t, ws)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func TestConnectReceivesWelcome(t *testing.T) {
	h := newHarness(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, h.wsURL("agent-a", "planning,coding"), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	welcome := readMsg(t, ws)
	assert.Equal(t, protocol.TypeWelcome, welcome.Type)
	assert.Equal(t, "relay-test", welcome.From)

	var payload protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(welcome.Payload, &payload))
	assert.Equal(t, "agent-a", payload.AgentID)
	assert.NotEmpty(t, payload.ConnectionID)
	assert.NotZero(t, payload.ServerTime)

	require.Eventually(t, func() bool {
		conns := h.srv.pool.ConnectionsForAgent("agent-a")
		return len(conns) == 1 && conns[0].HasCapability("coding")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWithoutAgentIDRejected(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := http.Get(h.http.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectDeliveryOverWire(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")
	b := h.dial(t, "agent-b", "")

	msg := protocol.New(protocol.TypeMessage, "agent-a")
	msg.To = "agent-b"
	msg.Payload = json.RawMessage(`{"task":"review"}`)
	writeMsg(t, a, msg)

	got := readMsg(t, b)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "agent-a", got.From)
	assert.JSONEq(t, `{"task":"review"}`, string(got.Payload))
}

func TestPingPongOverWire(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")

	ping := protocol.New(protocol.TypePing, "agent-a")
	writeMsg(t, a, ping)

	pong := readMsg(t, a)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, ping.ID, pong.ResponseID)
}

func TestUnknownRecipientReportedOverWire(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")

	msg := protocol.New(protocol.TypeMessage, "agent-a")
	msg.To = "nobody"
	writeMsg(t, a, msg)

	errMsg := readMsg(t, a)
	assert.Equal(t, protocol.TypeError, errMsg.Type)
	assert.Equal(t, protocol.CodeRecipientNotFound, errMsg.Error)
}

func TestBroadcastOverWire(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")
	b := h.dial(t, "agent-b", "")
	c := h.dial(t, "agent-c", "")

	bc := protocol.New(protocol.TypeBroadcast, "agent-a")
	bc.Payload = json.RawMessage(`{"announce":true}`)
	writeMsg(t, a, bc)

	for _, ws := range []*websocket.Conn{b, c} {
		got := readMsg(t, ws)
		assert.Equal(t, protocol.TypeBroadcast, got.Type)
		assert.Equal(t, bc.ID, got.ID)
	}
}

func TestSendWithResponseOverWire(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")

	type result struct {
		payload json.RawMessage
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := h.srv.SendWithResponse(context.Background(), "", "agent-a",
			json.RawMessage(`{"question":"status"}`), 5*time.Second)
		resCh <- result{payload, err}
	}()

	req := readMsg(t, a)
	require.Equal(t, protocol.TypeRequest, req.Type)

	resp := protocol.New(protocol.TypeResponse, "agent-a")
	resp.To = req.From
	resp.ResponseID = req.ID
	resp.Payload = json.RawMessage(`{"status":"idle"}`)
	writeMsg(t, a, resp)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"status":"idle"}`, string(res.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestSendWithResponseZeroTimeoutUsesConfigured(t *testing.T) {
	h := newHarness(t, Options{RequestTimeout: 100 * time.Millisecond})
	h.dial(t, "agent-a", "")

	require.Eventually(t, func() bool {
		return len(h.srv.pool.ConnectionsForAgent("agent-a")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	_, err := h.srv.SendWithResponse(context.Background(), "", "agent-a", nil, 0)
	assert.ErrorIs(t, err, router.ErrRequestTimeout)
	assert.Less(t, time.Since(start), 2*time.Second,
		"zero timeout falls back to the configured request timeout")
}

func TestTopologyEnforcedOverWire(t *testing.T) {
	h := newHarness(t, Options{Topology: topology.PolicyStar})
	h.srv.Topology().SetHub("hub", []string{"agent-a", "agent-b"})

	a := h.dial(t, "agent-a", "")
	h.dial(t, "agent-b", "")

	msg := protocol.New(protocol.TypeMessage, "agent-a")
	msg.To = "agent-b"
	writeMsg(t, a, msg)

	errMsg := readMsg(t, a)
	assert.Equal(t, protocol.TypeError, errMsg.Type)
	assert.Equal(t, protocol.CodeTopologyViolation, errMsg.Error)
}

func TestPoolCapacityClosesExtraConnection(t *testing.T) {
	h := newHarness(t, Options{MaxConnections: 1})
	h.dial(t, "agent-a", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, h.wsURL("agent-b", ""), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}

func TestSweepStaleEvictsSilentConnection(t *testing.T) {
	h := newHarness(t, Options{HeartbeatTimeout: time.Minute})
	a := h.dial(t, "agent-a", "")

	require.Eventually(t, func() bool {
		return len(h.srv.pool.ConnectionsForAgent("agent-a")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A sweep taken from far enough in the future sees the connection as
	// silent past the timeout.
	h.srv.sweepStale(time.Now().Add(2 * time.Minute))

	assert.Empty(t, h.srv.pool.ConnectionsForAgent("agent-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := a.Read(ctx)
	require.Error(t, err, "evicted connection must be closed")
	assert.Equal(t, websocket.StatusCode(StatusEvicted), websocket.CloseStatus(err),
		"eviction closes with the application status so clients reconnect")
}

func TestSweepPingsLiveConnections(t *testing.T) {
	h := newHarness(t, Options{HeartbeatTimeout: time.Minute})
	a := h.dial(t, "agent-a", "")

	h.srv.sweepStale(time.Now())

	ping := readMsg(t, a)
	assert.Equal(t, protocol.TypePing, ping.Type)
	assert.Equal(t, "relay-test", ping.From)
}

func TestDisconnectAgentClosesAllConnections(t *testing.T) {
	h := newHarness(t, Options{})
	a1 := h.dial(t, "agent-a", "")
	a2 := h.dial(t, "agent-a", "")

	require.Eventually(t, func() bool {
		return len(h.srv.pool.ConnectionsForAgent("agent-a")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	n := h.srv.DisconnectAgent("agent-a", "admin eviction")
	assert.Equal(t, 2, n)
	assert.Empty(t, h.srv.pool.ConnectionsForAgent("agent-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ws := range []*websocket.Conn{a1, a2} {
		_, _, err := ws.Read(ctx)
		require.Error(t, err)
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err),
			"requested disconnect is a normal closure")
	}
}

func TestDisconnectAgentUnknownAgent(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Zero(t, h.srv.DisconnectAgent("nobody", "x"))
}

func TestConnectionStats(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.started = time.Now()
	a := h.dial(t, "agent-a", "")
	b := h.dial(t, "agent-b", "")

	msg := protocol.New(protocol.TypeMessage, "agent-a")
	msg.To = "agent-b"
	writeMsg(t, a, msg)
	readMsg(t, b)

	require.Eventually(t, func() bool {
		return h.srv.ConnectionStats().Messages > 0
	}, 2*time.Second, 10*time.Millisecond)

	stats := h.srv.ConnectionStats()
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.Equal(t, uint64(2), stats.TotalRegistered)
	assert.NotZero(t, stats.Bytes)
}

func TestConnectedAgents(t *testing.T) {
	h := newHarness(t, Options{})
	h.dial(t, "agent-b", "review")
	h.dial(t, "agent-a", "planning,coding")

	require.Eventually(t, func() bool {
		return len(h.srv.ConnectedAgents()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	agents := h.srv.ConnectedAgents()
	assert.Equal(t, "agent-a", agents[0].AgentID)
	assert.Equal(t, []string{"coding", "planning"}, agents[0].Capabilities)
	assert.Equal(t, "agent-b", agents[1].AgentID)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, Options{})

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready without agents")

	h.dial(t, "agent-a", "")
	require.Eventually(t, func() bool {
		r, err := http.Get(h.http.URL + "/health/ready")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "agent-a", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	_, _, err := a.Read(ctx)
	assert.Error(t, err)
	assert.Empty(t, h.srv.pool.All())
}

func TestRunCleanup(t *testing.T) {
	h := newHarness(t, Options{PendingGracePeriod: time.Nanosecond})
	h.dial(t, "agent-a", "")

	_, err := h.srv.SendWithResponse(context.Background(), "", "agent-a",
		nil, 50*time.Millisecond)
	assert.Error(t, err, "no reply expected")

	h.srv.runCleanup()
	assert.Zero(t, h.srv.Router().Pending().Len())
}

func TestSplitCapabilities(t *testing.T) {
	assert.Nil(t, splitCapabilities(""))
	assert.Equal(t, []string{"a", "b"}, splitCapabilities("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitCapabilities(" a , b ,"))
}

func TestHealthStatus(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.started = time.Now()
	h.dial(t, "agent-a", "")

	require.Eventually(t, func() bool {
		return h.srv.HealthStatus().Metrics["active_connections"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	health := h.srv.HealthStatus()
	assert.True(t, health.Healthy)
	assert.Contains(t, health.Metrics, "pending_requests")
	assert.Contains(t, health.Metrics, "uptime_ms")
}
