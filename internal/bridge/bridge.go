// ABOUTME: Bridge between the coordination relay and an external orchestrator.
// ABOUTME: Mirrors agent presence into the orchestrator and republishes lifecycle events as broadcasts.

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/swarm-relay/internal/events"
	"github.com/2389/swarm-relay/internal/pool"
)

// Orchestrator is the external system that tracks swarm membership.
type Orchestrator interface {
	RegisterAgent(ctx context.Context, agentID string, capabilities []string) error
	DeregisterAgent(ctx context.Context, agentID string) error
}

// Broadcaster delivers a payload to every connected agent. Satisfied by
// server.Server.
type Broadcaster interface {
	Broadcast(ctx context.Context, from string, payload json.RawMessage, excludeAgents []string) int
}

// Envelope wraps an orchestrator lifecycle event for broadcast to the swarm.
type Envelope struct {
	EventType string `json:"eventType"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

const callTimeout = 10 * time.Second

// Options configures the bridge's periodic status broadcasts.
type Options struct {
	Source         string        // broadcast sender identity, default "bridge"
	StatusInterval time.Duration // swarm presence broadcast, default 60s
	StatsInterval  time.Duration // relay traffic broadcast, default 5m
}

func (o *Options) applyDefaults() {
	if o.Source == "" {
		o.Source = "bridge"
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 60 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 5 * time.Minute
	}
}

// Bridge keeps an orchestrator's view of the swarm in sync with the pool and
// fans orchestrator events back out as coordination broadcasts.
type Bridge struct {
	opts   Options
	orch   Orchestrator
	bcast  Broadcaster
	bus    *events.Bus
	pool   *pool.Pool
	logger *slog.Logger

	subs []subscription
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// subscription pairs an unsubscribe token with the event type it was
// registered under, since the bus keys handlers by both.
type subscription struct {
	event events.Type
	token string
}

// New creates a bridge. Start must be called to begin mirroring.
func New(orch Orchestrator, bcast Broadcaster, bus *events.Bus, p *pool.Pool, opts Options, logger *slog.Logger) *Bridge {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		opts:   opts,
		orch:   orch,
		bcast:  bcast,
		bus:    bus,
		pool:   p,
		logger: logger.With("component", "bridge"),
		done:   make(chan struct{}),
	}
}

// Start subscribes to presence events and launches the periodic status
// broadcasters. The bus publishes agent-connected only for an agent's first
// connection and agent-disconnected only for its last, so registration is
// naturally once per logical agent.
func (b *Bridge) Start() {
	b.subs = append(b.subs,
		subscription{events.AgentConnected, b.bus.Subscribe(events.AgentConnected, b.onAgentConnected)},
		subscription{events.AgentDisconnected, b.bus.Subscribe(events.AgentDisconnected, b.onAgentDisconnected)},
	)

	b.wg.Add(2)
	go b.statusLoop()
	go b.statsLoop()

	b.logger.Info("started",
		"status_interval", b.opts.StatusInterval,
		"stats_interval", b.opts.StatsInterval,
	)
}

// Stop unsubscribes and halts the periodic broadcasters. Safe to call twice.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		for _, sub := range b.subs {
			b.bus.Unsubscribe(sub.event, sub.token)
		}
		close(b.done)
		b.wg.Wait()
		b.logger.Info("stopped")
	})
}

func (b *Bridge) onAgentConnected(evt events.Event) {
	presence, ok := evt.Payload.(pool.AgentPresence)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := b.orch.RegisterAgent(ctx, presence.AgentID, presence.Capabilities); err != nil {
		b.logger.Warn("agent registration failed", "agent_id", presence.AgentID, "error", err)
		return
	}
	b.logger.Info("agent registered", "agent_id", presence.AgentID)
}

func (b *Bridge) onAgentDisconnected(evt events.Event) {
	presence, ok := evt.Payload.(pool.AgentPresence)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := b.orch.DeregisterAgent(ctx, presence.AgentID); err != nil {
		b.logger.Warn("agent deregistration failed", "agent_id", presence.AgentID, "error", err)
		return
	}
	b.logger.Info("agent deregistered", "agent_id", presence.AgentID)
}

// PublishEvent broadcasts an orchestrator lifecycle event to the swarm.
// Delivery is best-effort; an empty swarm is not an error.
func (b *Bridge) PublishEvent(eventType string, data any) {
	payload, err := json.Marshal(Envelope{
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Source:    b.opts.Source,
	})
	if err != nil {
		b.logger.Warn("event marshal failed", "event_type", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	delivered := b.bcast.Broadcast(ctx, b.opts.Source, payload, nil)
	b.logger.Debug("lifecycle event broadcast", "event_type", eventType, "delivered", delivered)
}

// statusLoop periodically broadcasts the connected-agent roster.
func (b *Bridge) statusLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.broadcastStatus()
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) broadcastStatus() {
	agents := b.pool.Agents()
	roster := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		roster = append(roster, map[string]any{
			"agentId":      a.AgentID,
			"connections":  a.ConnectionCount,
			"capabilities": a.Capabilities,
		})
	}
	b.PublishEvent("swarm-status", map[string]any{
		"agentCount": len(agents),
		"agents":     roster,
	})
}

// statsLoop periodically broadcasts relay traffic counters.
func (b *Bridge) statsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := b.pool.Stats()
			b.PublishEvent("relay-stats", map[string]any{
				"activeConnections": stats.Active,
				"totalRegistered":   stats.TotalRegistered,
				"messages":          stats.Messages,
				"bytes":             stats.Bytes,
				"dropped":           stats.Dropped,
			})
		case <-b.done:
			return
		}
	}
}
