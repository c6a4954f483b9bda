// ABOUTME: Client tests: backoff, offline queue, dedupe, and live exchanges against a real server.
// ABOUTME: Integration cases run the coordination server on httptest listeners.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swarm-relay/internal/protocol"
	"github.com/2389/swarm-relay/internal/server"
	"github.com/2389/swarm-relay/internal/store"
)

func newRelay(t *testing.T) string {
	t.Helper()
	srv := server.New(server.Options{ServerID: "relay-test"}, store.NopStore{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newClient(t *testing.T, serverURL, agentID string, caps ...string) *Client {
	t.Helper()
	c, err := New(Config{
		ServerURL:    serverURL,
		AgentID:      agentID,
		Capabilities: caps,
		QueueSize:    5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Equal(t, StateConnected, c.State())
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{AgentID: "a"})
	assert.Error(t, err, "server url required")
	_, err = New(Config{ServerURL: "ws://x/ws"})
	assert.Error(t, err, "agent id required")
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(base, max, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 8*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, max, backoffDelay(base, max, 5))
	assert.Equal(t, max, backoffDelay(base, max, 50), "capped, no overflow")
}

func TestOfflineQueueBound(t *testing.T) {
	c, err := New(Config{ServerURL: "ws://unreachable/ws", AgentID: "agent-a", QueueSize: 3})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send("agent-b", nil))
	}
	assert.ErrorIs(t, c.Send("agent-b", nil), ErrQueueFull)
	assert.Equal(t, 3, c.QueuedMessages())
}

func TestSendAfterCloseFails(t *testing.T) {
	c, err := New(Config{ServerURL: "ws://unreachable/ws", AgentID: "agent-a"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send("agent-b", nil), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestConnectAndWelcome(t *testing.T) {
	url := newRelay(t)
	c := newClient(t, url, "agent-a", "coding")

	var transitions []State
	c.OnStateChange(func(s State) { transitions = append(transitions, s) })

	connect(t, c)
	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, []State{StateConnecting, StateConnected}, transitions)
}

func TestDirectMessageBetweenClients(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	b := newClient(t, url, "agent-b")

	received := make(chan *protocol.Message, 1)
	b.OnMessage(protocol.TypeMessage, func(msg *protocol.Message) { received <- msg })

	connect(t, b)
	connect(t, a)

	require.NoError(t, a.Send("agent-b", json.RawMessage(`{"task":"review"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "agent-a", msg.From)
		assert.JSONEq(t, `{"task":"review"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestBroadcastReachesOtherClients(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	b := newClient(t, url, "agent-b")

	var selfCopies atomic.Int64
	a.OnMessage(protocol.TypeBroadcast, func(*protocol.Message) { selfCopies.Add(1) })
	received := make(chan *protocol.Message, 1)
	b.OnMessage(protocol.TypeBroadcast, func(msg *protocol.Message) { received <- msg })

	connect(t, b)
	connect(t, a)

	require.NoError(t, a.Broadcast(json.RawMessage(`{"announce":true}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "agent-a", msg.From)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never arrived")
	}
	assert.Zero(t, selfCopies.Load(), "sender is excluded from its own broadcast")
}

func TestRequestResponseBetweenClients(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	b := newClient(t, url, "agent-b")

	b.OnRequest(func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"idle"}`), nil
	})

	connect(t, b)
	connect(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.Request(ctx, "agent-b", json.RawMessage(`{"question":"status"}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"idle"}`, string(resp))
}

func TestRequestToUnknownAgentFails(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	connect(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Request(ctx, "nobody", nil, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.CodeRecipientNotFound)
}

func TestRequestWithoutHandlerIsRejected(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	b := newClient(t, url, "agent-b")

	connect(t, b)
	connect(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Request(ctx, "agent-b", nil, 5*time.Second)
	assert.Error(t, err, "agent without a request handler rejects requests")
}

func TestOfflineQueueFlushedOnConnect(t *testing.T) {
	url := newRelay(t)
	b := newClient(t, url, "agent-b")
	received := make(chan *protocol.Message, 2)
	b.OnMessage(protocol.TypeMessage, func(msg *protocol.Message) { received <- msg })
	connect(t, b)

	a := newClient(t, url, "agent-a")
	require.NoError(t, a.Send("agent-b", json.RawMessage(`{"seq":1}`)))
	require.NoError(t, a.Send("agent-b", json.RawMessage(`{"seq":2}`)))
	require.Equal(t, 2, a.QueuedMessages())

	connect(t, a)

	for want := 1; want <= 2; want++ {
		select {
		case msg := <-received:
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, want), string(msg.Payload),
				"flushed oldest-first")
		case <-time.After(5 * time.Second):
			t.Fatalf("queued message %d never arrived", want)
		}
	}
	assert.Zero(t, a.QueuedMessages())
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	c, err := New(Config{ServerURL: "ws://unreachable/ws", AgentID: "agent-a"})
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int64
	c.OnMessage(protocol.TypeMessage, func(*protocol.Message) { calls.Add(1) })

	msg := protocol.New(protocol.TypeMessage, "agent-b")
	msg.To = "agent-a"
	frame, err := msg.Encode()
	require.NoError(t, err)

	c.dispatch(frame)
	c.dispatch(frame)

	assert.Equal(t, int64(1), calls.Load(), "second copy of the same id is dropped")
}

func TestHeartbeatUpdatesCapabilities(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a", "planning")
	connect(t, a)

	require.NoError(t, a.Heartbeat())
	// the ack comes back as a heartbeat-typed frame and must not disturb the session
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, a.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newRelay(t)
	a := newClient(t, url, "agent-a")
	connect(t, a)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, StateDisconnected, a.State())
}

// recordingListener tracks accepted connections so tests can sever them
// underneath the HTTP server; httptest stops tracking hijacked websocket
// connections, so its own CloseClientConnections cannot reach them.
type recordingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *recordingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
	}
	return conn, err
}

func (l *recordingListener) severAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	srv := server.New(server.Options{ServerID: "relay-test"}, store.NopStore{}, nil)
	ts := httptest.NewUnstartedServer(srv.Handler())
	ln := &recordingListener{Listener: ts.Listener}
	ts.Listener = ln
	ts.Start()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	c, err := New(Config{
		ServerURL:            url,
		AgentID:              "agent-a",
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)
	defer c.Close()

	fatal := make(chan error, 1)
	c.OnTerminalFailure(func(err error) { fatal <- err })
	connect(t, c)

	// Stop accepting so reconnect attempts fail, then cut the live TCP
	// connection so the client's read loop sees an abnormal drop.
	ts.Close()
	ln.severAll()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never surfaced")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEvictedClientReconnects(t *testing.T) {
	srv := server.New(server.Options{ServerID: "relay-test"}, store.NopStore{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	c, err := New(Config{
		ServerURL:            url,
		AgentID:              "agent-a",
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	connect(t, c)
	firstConnID := c.ConnectionID()

	conns := srv.Pool().ConnectionsForAgent("agent-a")
	require.Len(t, conns, 1)
	require.NoError(t, conns[0].CloseLink(server.StatusEvicted, "no heartbeat for 2m0s"))

	// Eviction closes with an application status, not normal closure, so
	// the client schedules a reconnect instead of staying down.
	require.Eventually(t, func() bool {
		return c.State() == StateConnected && c.ConnectionID() != firstConnID
	}, 5*time.Second, 10*time.Millisecond, "client should reconnect after eviction")
}
