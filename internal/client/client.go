// ABOUTME: Agent-side coordination client: connect, heartbeat, send, request, and dispatch.
// ABOUTME: Reconnects with exponential backoff and queues outbound messages while offline.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/swarm-relay/internal/dedupe"
	"github.com/2389/swarm-relay/internal/protocol"
)

// Client errors.
var (
	ErrQueueFull          = errors.New("offline queue full")
	ErrClosed             = errors.New("client closed")
	ErrNoWelcome          = errors.New("server did not send welcome")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrReconnectExhausted = errors.New("reconnect attempt budget exhausted")
)

// State is the client connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler processes an inbound message.
type Handler func(msg *protocol.Message)

// RequestHandler answers an inbound request. The returned payload becomes
// the response body; a non-nil error is reported to the requester instead.
type RequestHandler func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error)

// Config configures a Client. Zero values fall back to the defaults below.
type Config struct {
	ServerURL    string // ws://host:port/ws
	AgentID      string
	Capabilities []string

	HeartbeatInterval    time.Duration // default 30s
	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 30s
	MaxReconnectAttempts int           // default 10
	QueueSize            int           // default 100
	DedupeTTL            time.Duration // default 5m
	DedupeSize           int           // default 1000

	Logger *slog.Logger
}

func (c *Config) applyDefaults() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	if c.AgentID == "" {
		return errors.New("agent id is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 5 * time.Minute
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client is one agent's connection to the coordination server.
type Client struct {
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Cache

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	connID   string
	offline  []*protocol.Message
	pending  map[string]chan *protocol.Message
	handlers map[string]Handler
	catchAll Handler
	onReq    RequestHandler
	onState  func(State)
	onFatal  func(error)
	closed   bool

	sessionDone chan struct{} // closed when the current read loop exits
	wg          sync.WaitGroup
}

// New creates a client. Connect must be called before sending.
func New(cfg Config) (*Client, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "client", "agent_id", cfg.AgentID),
		seen:     dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		state:    StateDisconnected,
		pending:  make(map[string]chan *protocol.Message),
		handlers: make(map[string]Handler),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned id of the current connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// OnMessage registers a handler for one message type.
func (c *Client) OnMessage(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// OnEvent registers a catch-all handler invoked for every inbound message
// after any type-specific handler.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = h
}

// OnRequest registers the handler that answers inbound requests.
func (c *Client) OnRequest(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReq = h
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTerminalFailure registers a callback invoked when the reconnect attempt
// budget is exhausted. The client is disconnected at that point; Connect may
// be called again to start over.
func (c *Client) OnTerminalFailure(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = fn
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

// Connect dials the server, waits for the welcome frame, and starts the
// read and heartbeat loops. Queued offline messages are flushed oldest-first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt, including the welcome handshake.
func (c *Client) dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}

	welcome, err := c.awaitWelcome(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "welcome handshake failed")
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.connID = welcome.ConnectionID
	c.sessionDone = done
	c.mu.Unlock()
	c.setState(StateConnected)

	c.logger.Info("connected",
		"connection_id", welcome.ConnectionID,
		"server_time", welcome.ServerTime,
	)

	c.wg.Add(2)
	go c.readLoop(ws, done)
	go c.heartbeatLoop(done)

	c.flushOffline(ws)
	return nil
}

func (c *Client) dialURL() string {
	u := c.cfg.ServerURL + "?agent=" + url.QueryEscape(c.cfg.AgentID)
	if len(c.cfg.Capabilities) > 0 {
		u += "&capabilities=" + url.QueryEscape(strings.Join(c.cfg.Capabilities, ","))
	}
	return u
}

func (c *Client) awaitWelcome(ctx context.Context, ws *websocket.Conn) (*protocol.WelcomePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoWelcome, err)
	}
	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeWelcome {
		return nil, ErrNoWelcome
	}
	var welcome protocol.WelcomePayload
	if err := json.Unmarshal(msg.Payload, &welcome); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrNoWelcome)
	}
	return &welcome, nil
}

// flushOffline drains the offline queue onto the new connection, oldest
// first. On write failure the unsent remainder is re-queued.
func (c *Client) flushOffline(ws *websocket.Conn) {
	c.mu.Lock()
	queued := c.offline
	c.offline = nil
	c.mu.Unlock()

	for i, msg := range queued {
		if err := c.write(ws, msg); err != nil {
			c.logger.Warn("offline flush interrupted", "sent", i, "queued", len(queued))
			c.mu.Lock()
			c.offline = append(queued[i:], c.offline...)
			if len(c.offline) > c.cfg.QueueSize {
				c.offline = c.offline[:c.cfg.QueueSize]
			}
			c.mu.Unlock()
			return
		}
	}
	if len(queued) > 0 {
		c.logger.Info("offline queue flushed", "count", len(queued))
	}
}

func (c *Client) write(ws *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// send writes msg if connected, otherwise queues it for the next session.
func (c *Client) send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ws := c.ws
	connected := c.state == StateConnected && ws != nil
	if !connected {
		if len(c.offline) >= c.cfg.QueueSize {
			c.mu.Unlock()
			return ErrQueueFull
		}
		c.offline = append(c.offline, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.write(ws, msg)
}

// Send delivers a payload to one agent. While disconnected the message is
// queued and flushed on reconnect.
func (c *Client) Send(to string, payload json.RawMessage) error {
	msg := protocol.New(protocol.TypeMessage, c.cfg.AgentID)
	msg.To = to
	msg.Payload = payload
	return c.send(msg)
}

// Broadcast delivers a payload to every other connected agent.
func (c *Client) Broadcast(payload json.RawMessage) error {
	msg := protocol.New(protocol.TypeBroadcast, c.cfg.AgentID)
	msg.Payload = payload
	return c.send(msg)
}

// Request sends a request to an agent and waits for the matching response,
// the timeout, or ctx cancellation.
func (c *Client) Request(ctx context.Context, to string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	msg := protocol.New(protocol.TypeRequest, c.cfg.AgentID)
	msg.To = to
	msg.Payload = payload
	msg.RequestID = msg.ID

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == protocol.TypeError {
			return nil, fmt.Errorf("request rejected: %s", resp.Error)
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Heartbeat sends one heartbeat carrying the current capability set.
func (c *Client) Heartbeat() error {
	msg := protocol.New(protocol.TypeHeartbeat, c.cfg.AgentID)
	msg.Payload, _ = json.Marshal(protocol.HeartbeatPayload{Capabilities: c.cfg.Capabilities})
	return c.send(msg)
}

// Close permanently shuts the client down. No reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.setState(StateDisconnected)
	c.wg.Wait()
	c.seen.Close()
	return nil
}

// QueuedMessages returns the current offline queue depth.
func (c *Client) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offline)
}
