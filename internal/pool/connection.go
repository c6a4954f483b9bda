// ABOUTME: Per-connection state: identity, link handle, capabilities, heartbeat, bounded outbound queue.
// ABOUTME: One Connection per physical link; an agent identity may own several at once.

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/swarm-relay/internal/protocol"
)

// Link is the transport half of a connection: the server's write pump drains
// the outbound queue through it. Implemented by the websocket layer and by
// test doubles. Close takes a websocket close code so the peer can tell a
// requested disconnect from an eviction.
type Link interface {
	WriteMessage(ctx context.Context, msg *protocol.Message) error
	Close(code int, reason string) error
}

// Metrics holds per-connection traffic counters.
type Metrics struct {
	Sent     uint64
	Received uint64
	Bytes    uint64
	Dropped  uint64
}

// Connection is the server-side record of one live agent link.
type Connection struct {
	ID      string // ephemeral, assigned by the pool
	AgentID string // logical identity, stable across reconnects

	link Link

	mu            sync.Mutex
	lastHeartbeat time.Time
	capabilities  map[string]struct{}
	queue         []*protocol.Message
	queueMax      int
	closed        bool

	// notify wakes the write pump; capacity 1 so signals coalesce.
	notify chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
	bytes    atomic.Uint64
	dropped  atomic.Uint64
}

// NewConnection creates a connection record for an accepted link.
// The pool assigns ID during Register.
func NewConnection(agentID string, capabilities []string, link Link, queueMax int) *Connection {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	if queueMax <= 0 {
		queueMax = 100
	}
	return &Connection{
		AgentID:       agentID,
		link:          link,
		lastHeartbeat: time.Now(),
		capabilities:  caps,
		queueMax:      queueMax,
		notify:        make(chan struct{}, 1),
	}
}

// Enqueue appends a message to the outbound queue, dropping the oldest entry
// when the queue is at capacity. Returns false if the connection is closed.
func (c *Connection) Enqueue(msg *protocol.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, msg)
	if len(c.queue) > c.queueMax {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Dequeue pops the oldest queued message. ok is false when the queue is empty.
func (c *Connection) Dequeue() (msg *protocol.Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	msg = c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// QueueLen returns the current outbound queue depth.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// TrimQueue discards oldest entries until the queue holds at most max
// messages, returning the number discarded.
func (c *Connection) TrimQueue(max int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max < 0 || len(c.queue) <= max {
		return 0
	}
	trimmed := len(c.queue) - max
	c.queue = append([]*protocol.Message(nil), c.queue[trimmed:]...)
	c.dropped.Add(uint64(trimmed))
	return trimmed
}

// Notify exposes the write pump wake-up channel.
func (c *Connection) Notify() <-chan struct{} {
	return c.notify
}

// WriteMessage sends a message on the underlying link and bumps counters.
func (c *Connection) WriteMessage(ctx context.Context, msg *protocol.Message) error {
	if err := c.link.WriteMessage(ctx, msg); err != nil {
		return err
	}
	c.sent.Add(1)
	if data, err := msg.Encode(); err == nil {
		c.bytes.Add(uint64(len(data)))
	}
	return nil
}

// CloseLink marks the connection closed and closes the transport link with
// the given close code. Idempotent; queued messages are discarded.
func (c *Connection) CloseLink(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return c.link.Close(code, reason)
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Touch records heartbeat activity now.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent heartbeat or accept.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Capabilities returns a copy of the capability set.
func (c *Connection) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := make([]string, 0, len(c.capabilities))
	for cap := range c.capabilities {
		caps = append(caps, cap)
	}
	return caps
}

// HasCapability reports whether the connection advertises the capability.
func (c *Connection) HasCapability(cap string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.capabilities[cap]
	return ok
}

func (c *Connection) setCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		c.capabilities[cap] = struct{}{}
	}
}

func (c *Connection) addCapability(cap string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[cap] = struct{}{}
}

func (c *Connection) removeCapability(cap string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.capabilities, cap)
}

// AddReceived records an inbound frame of the given size.
func (c *Connection) AddReceived(bytes int) {
	c.received.Add(1)
	c.bytes.Add(uint64(bytes))
}

// Snapshot returns the current traffic counters.
func (c *Connection) Snapshot() Metrics {
	return Metrics{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Bytes:    c.bytes.Load(),
		Dropped:  c.dropped.Load(),
	}
}
