// ABOUTME: Authoritative registry of live connections with byAgent and byCapability indices.
// ABOUTME: Every mutation touches the primary map and both indices in one locked step.

package pool

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/swarm-relay/internal/events"
)

// ErrPoolFull indicates the pool is at its configured connection capacity.
var ErrPoolFull = errors.New("connection pool at capacity")

// ErrConnectionNotFound indicates the connection id is not registered.
var ErrConnectionNotFound = errors.New("connection not found")

// Stats summarizes pool-wide activity.
type Stats struct {
	Active          int
	TotalRegistered uint64
	Messages        uint64
	Bytes           uint64
	Dropped         uint64
}

// AgentSummary describes one logical agent's live presence.
type AgentSummary struct {
	AgentID         string
	ConnectionCount int
	Capabilities    []string
	LastActivity    time.Time
}

// Pool owns all Connection records. byAgent and byCapability are derived
// indices kept consistent with the primary map on every insert and remove;
// empty buckets are deleted, never left dangling.
type Pool struct {
	mu           sync.RWMutex
	conns        map[string]*Connection
	byAgent      map[string]map[string]struct{}
	byCapability map[string]map[string]struct{}

	totalRegistered uint64
	maxConnections  int

	bus    *events.Bus
	logger *slog.Logger
}

// New creates an empty pool. maxConnections <= 0 means unlimited.
func New(maxConnections int, bus *events.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:          make(map[string]*Connection),
		byAgent:        make(map[string]map[string]struct{}),
		byCapability:   make(map[string]map[string]struct{}),
		maxConnections: maxConnections,
		bus:            bus,
		logger:         logger.With("component", "pool"),
	}
}

// Register assigns a fresh connection id and inserts the record into the
// primary map and both indices. Returns ErrPoolFull at capacity.
func (p *Pool) Register(conn *Connection) error {
	p.mu.Lock()
	if p.maxConnections > 0 && len(p.conns) >= p.maxConnections {
		p.mu.Unlock()
		return ErrPoolFull
	}

	conn.ID = uuid.New().String()
	p.conns[conn.ID] = conn
	p.indexLocked(conn)
	p.totalRegistered++
	active := len(p.conns)
	firstForAgent := len(p.byAgent[conn.AgentID]) == 1
	p.mu.Unlock()

	p.logger.Info("connection registered",
		"connection_id", conn.ID,
		"agent_id", conn.AgentID,
		"capabilities", conn.Capabilities(),
		"active", active,
	)

	if p.bus != nil {
		p.bus.Publish(events.ConnectionOpened, ConnectionDelta{
			ConnectionID: conn.ID,
			AgentID:      conn.AgentID,
			Active:       active,
			Delta:        1,
		})
		if firstForAgent {
			p.bus.Publish(events.AgentConnected, AgentPresence{
				AgentID:      conn.AgentID,
				Capabilities: conn.Capabilities(),
			})
		}
	}
	return nil
}

// Unregister removes a connection from the primary map and both indices.
// Unknown ids are ignored. Returns the removed connection, if any.
func (p *Pool) Unregister(connectionID string) *Connection {
	p.mu.Lock()
	conn, ok := p.conns[connectionID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, connectionID)
	p.unindexLocked(conn)
	active := len(p.conns)
	lastForAgent := len(p.byAgent[conn.AgentID]) == 0
	p.mu.Unlock()

	p.logger.Info("connection unregistered",
		"connection_id", connectionID,
		"agent_id", conn.AgentID,
		"active", active,
	)

	if p.bus != nil {
		p.bus.Publish(events.ConnectionClosed, ConnectionDelta{
			ConnectionID: connectionID,
			AgentID:      conn.AgentID,
			Active:       active,
			Delta:        -1,
		})
		if lastForAgent {
			p.bus.Publish(events.AgentDisconnected, AgentPresence{
				AgentID: conn.AgentID,
			})
		}
	}
	return conn
}

// indexLocked inserts conn into both secondary indices. Caller holds mu.
func (p *Pool) indexLocked(conn *Connection) {
	if _, ok := p.byAgent[conn.AgentID]; !ok {
		p.byAgent[conn.AgentID] = make(map[string]struct{})
	}
	p.byAgent[conn.AgentID][conn.ID] = struct{}{}

	for _, cap := range conn.Capabilities() {
		if _, ok := p.byCapability[cap]; !ok {
			p.byCapability[cap] = make(map[string]struct{})
		}
		p.byCapability[cap][conn.ID] = struct{}{}
	}
}

// unindexLocked removes conn from both indices, deleting empty buckets.
// Caller holds mu.
func (p *Pool) unindexLocked(conn *Connection) {
	if bucket, ok := p.byAgent[conn.AgentID]; ok {
		delete(bucket, conn.ID)
		if len(bucket) == 0 {
			delete(p.byAgent, conn.AgentID)
		}
	}
	for cap, bucket := range p.byCapability {
		delete(bucket, conn.ID)
		if len(bucket) == 0 {
			delete(p.byCapability, cap)
		}
	}
}

// Get returns the connection with the given id.
func (p *Pool) Get(connectionID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[connectionID]
	return conn, ok
}

// ConnectionsForAgent returns all live connections for the logical agent.
func (p *Pool) ConnectionsForAgent(agentID string) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bucket := p.byAgent[agentID]
	conns := make([]*Connection, 0, len(bucket))
	for id := range bucket {
		if conn, ok := p.conns[id]; ok && !conn.Closed() {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ConnectionsWithCapability returns all live connections advertising cap.
func (p *Pool) ConnectionsWithCapability(cap string) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bucket := p.byCapability[cap]
	conns := make([]*Connection, 0, len(bucket))
	for id := range bucket {
		if conn, ok := p.conns[id]; ok && !conn.Closed() {
			conns = append(conns, conn)
		}
	}
	return conns
}

// All returns every registered connection.
func (p *Pool) All() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	return conns
}

// AddCapability adds a capability to a connection and re-indexes it.
func (p *Pool) AddCapability(connectionID, cap string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.addCapability(cap)
	if _, ok := p.byCapability[cap]; !ok {
		p.byCapability[cap] = make(map[string]struct{})
	}
	p.byCapability[cap][connectionID] = struct{}{}
	return nil
}

// RemoveCapability removes a capability from a connection and re-indexes it.
func (p *Pool) RemoveCapability(connectionID, cap string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.removeCapability(cap)
	if bucket, ok := p.byCapability[cap]; ok {
		delete(bucket, connectionID)
		if len(bucket) == 0 {
			delete(p.byCapability, cap)
		}
	}
	return nil
}

// ReplaceCapabilities swaps a connection's capability set and rebuilds its
// index entries in the same locked step. Used by heartbeat capability merge.
func (p *Pool) ReplaceCapabilities(connectionID string, caps []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}

	for cap, bucket := range p.byCapability {
		delete(bucket, connectionID)
		if len(bucket) == 0 {
			delete(p.byCapability, cap)
		}
	}
	conn.setCapabilities(caps)
	for _, cap := range caps {
		if _, ok := p.byCapability[cap]; !ok {
			p.byCapability[cap] = make(map[string]struct{})
		}
		p.byCapability[cap][connectionID] = struct{}{}
	}
	return nil
}

// Stats aggregates connection counters across the pool.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		Active:          len(p.conns),
		TotalRegistered: p.totalRegistered,
	}
	for _, conn := range p.conns {
		m := conn.Snapshot()
		s.Messages += m.Sent + m.Received
		s.Bytes += m.Bytes
		s.Dropped += m.Dropped
	}
	return s
}

// Agents summarizes the live presence of every connected logical agent,
// sorted by agent id for stable output.
func (p *Pool) Agents() []AgentSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summaries := make([]AgentSummary, 0, len(p.byAgent))
	for agentID, bucket := range p.byAgent {
		summary := AgentSummary{AgentID: agentID, ConnectionCount: len(bucket)}
		caps := make(map[string]struct{})
		for id := range bucket {
			conn, ok := p.conns[id]
			if !ok {
				continue
			}
			for _, cap := range conn.Capabilities() {
				caps[cap] = struct{}{}
			}
			if hb := conn.LastHeartbeat(); hb.After(summary.LastActivity) {
				summary.LastActivity = hb
			}
		}
		for cap := range caps {
			summary.Capabilities = append(summary.Capabilities, cap)
		}
		sort.Strings(summary.Capabilities)
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AgentID < summaries[j].AgentID
	})
	return summaries
}

// ConnectionDelta is the event payload for connection count changes.
type ConnectionDelta struct {
	ConnectionID string
	AgentID      string
	Active       int
	Delta        int
}

// AgentPresence is the event payload for logical agent arrival/departure.
type AgentPresence struct {
	AgentID      string
	Capabilities []string
}
