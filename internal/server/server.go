// ABOUTME: Coordination server: owns the pool, router, topology enforcer, and HTTP surface.
// ABOUTME: Run starts the listener and supervisor loops; Shutdown drains them gracefully.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/swarm-relay/internal/events"
	"github.com/2389/swarm-relay/internal/pool"
	"github.com/2389/swarm-relay/internal/router"
	"github.com/2389/swarm-relay/internal/store"
	"github.com/2389/swarm-relay/internal/topology"
)

// Options configures a Server. Zero-valued durations fall back to the
// defaults below.
type Options struct {
	ServerID           string
	HTTPAddr           string
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	CleanupInterval    time.Duration
	PendingGracePeriod time.Duration
	RequestTimeout     time.Duration
	QueueSize          int
	MaxConnections     int
	Topology           topology.Policy
}

func (o *Options) applyDefaults() {
	if o.ServerID == "" {
		o.ServerID = "swarm-relay"
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = ":8420"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.PendingGracePeriod <= 0 {
		o.PendingGracePeriod = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.Topology == "" {
		o.Topology = topology.PolicyMesh
	}
}

// Server is the long-running coordination process.
type Server struct {
	opts   Options
	logger *slog.Logger

	bus    *events.Bus
	pool   *pool.Pool
	topo   *topology.Enforcer
	router *router.Router
	audit  store.AuditStore

	httpServer *http.Server
	started    time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the server's components together. The audit store is owned by
// the caller; pass store.NopStore{} to disable persistence.
func New(opts Options, audit store.AuditStore, logger *slog.Logger) *Server {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(logger)
	p := pool.New(opts.MaxConnections, bus, logger)
	topo := topology.NewEnforcer(opts.Topology)

	s := &Server{
		opts:   opts,
		logger: logger.With("component", "server"),
		bus:    bus,
		pool:   p,
		topo:   topo,
		router: router.New(opts.ServerID, p, topo, audit, bus, logger),
		audit:  audit,
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Bus exposes the lifecycle event bus for bridge subscriptions.
func (s *Server) Bus() *events.Bus { return s.bus }

// Pool exposes the connection pool.
func (s *Server) Pool() *pool.Pool { return s.pool }

// Topology exposes the topology enforcer for relationship setup.
func (s *Server) Topology() *topology.Enforcer { return s.topo }

// Router exposes the message router.
func (s *Server) Router() *router.Router { return s.router }

// Handler exposes the HTTP handler for embedding in an existing server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP listener and supervisor loops, blocking until ctx is
// cancelled or the listener fails. Shutdown is always attempted on exit.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			"addr", s.opts.HTTPAddr,
			"server_id", s.opts.ServerID,
			"topology", s.opts.Topology,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case runErr = <-errCh:
		s.logger.Error("listener failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the listener, evicts every connection, and waits for the
// supervisor loops and write pumps to exit. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		err = s.httpServer.Shutdown(ctx)

		for _, conn := range s.pool.All() {
			s.disconnect(conn, "server shutting down")
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		s.logger.Info("stopped")
	})
	return err
}

// disconnect closes a connection with a normal closure status, telling the
// peer not to reconnect. Used for requested disconnects and shutdown.
func (s *Server) disconnect(conn *pool.Connection, reason string) {
	s.disconnectWith(conn, int(websocket.StatusNormalClosure), reason)
}

// disconnectWith is the single eviction path: whichever caller wins the pool
// unregister performs the link close, so heartbeat timeout, read failure,
// write failure, admin eviction, and shutdown cannot race each other.
func (s *Server) disconnectWith(conn *pool.Connection, code int, reason string) {
	if s.pool.Unregister(conn.ID) == nil {
		return
	}
	if err := conn.CloseLink(code, reason); err != nil {
		s.logger.Debug("link close failed", "connection_id", conn.ID, "error", err)
	}
	s.recordHealthEvent("disconnect", conn.AgentID, reason)
}

// SendWithResponse sends a request from the server identity (or another
// caller-chosen identity) and waits for the matching response. A zero
// timeout uses the configured request timeout.
func (s *Server) SendWithResponse(ctx context.Context, from, to string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if from == "" {
		from = s.opts.ServerID
	}
	if timeout <= 0 {
		timeout = s.opts.RequestTimeout
	}
	return s.router.SendWithResponse(ctx, from, to, payload, timeout)
}

// Broadcast delivers payload to every connected agent except those excluded,
// returning the delivered connection count.
func (s *Server) Broadcast(ctx context.Context, from string, payload json.RawMessage, excludeAgents []string) int {
	if from == "" {
		from = s.opts.ServerID
	}
	return s.router.Broadcast(ctx, from, payload, excludeAgents)
}

// DisconnectAgent evicts every live connection of the agent, returning the
// number of connections closed.
func (s *Server) DisconnectAgent(agentID, reason string) int {
	conns := s.pool.ConnectionsForAgent(agentID)
	for _, conn := range conns {
		s.disconnect(conn, reason)
	}
	if len(conns) > 0 {
		s.logger.Info("agent disconnected by request",
			"agent_id", agentID, "connections", len(conns), "reason", reason)
	}
	return len(conns)
}

// ConnectionStats returns pool-wide counters plus server uptime.
func (s *Server) ConnectionStats() ConnectionStats {
	ps := s.pool.Stats()
	return ConnectionStats{
		ActiveConnections: ps.Active,
		TotalRegistered:   ps.TotalRegistered,
		Messages:          ps.Messages,
		Bytes:             ps.Bytes,
		Dropped:           ps.Dropped,
		PendingRequests:   s.router.Pending().Len(),
		Uptime:            time.Since(s.started),
	}
}

// ConnectedAgents summarizes every connected logical agent.
func (s *Server) ConnectedAgents() []pool.AgentSummary {
	return s.pool.Agents()
}

// HealthStatus reports overall health plus a metrics snapshot for the
// control surface.
func (s *Server) HealthStatus() Health {
	stats := s.ConnectionStats()
	return Health{
		Healthy: true,
		Metrics: map[string]any{
			"active_connections": stats.ActiveConnections,
			"total_registered":   stats.TotalRegistered,
			"messages":           stats.Messages,
			"bytes":              stats.Bytes,
			"dropped":            stats.Dropped,
			"pending_requests":   stats.PendingRequests,
			"uptime_ms":          stats.Uptime.Milliseconds(),
		},
	}
}

// Health is the control-surface health report.
type Health struct {
	Healthy bool           `json:"healthy"`
	Metrics map[string]any `json:"metrics"`
}

// ConnectionStats is the control-surface view of server activity.
type ConnectionStats struct {
	ActiveConnections int           `json:"activeConnections"`
	TotalRegistered   uint64        `json:"totalRegistered"`
	Messages          uint64        `json:"messages"`
	Bytes             uint64        `json:"bytes"`
	Dropped           uint64        `json:"dropped"`
	PendingRequests   int           `json:"pendingRequests"`
	Uptime            time.Duration `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.HealthStatus()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"server_id": s.opts.ServerID,
		"topology":  s.topo.Policy(),
		"healthy":   health.Healthy,
		"metrics":   health.Metrics,
	})
}

// handleReady reports ready only once at least one agent is connected, so
// orchestrators can gate traffic on a populated swarm.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	w.Header().Set("Content-Type", "application/json")
	if stats.Active == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "no agents connected"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ready",
		"agents": len(s.pool.Agents()),
	})
}

// recordHealthEvent persists a lifecycle event best-effort.
func (s *Server) recordHealthEvent(kind, agentID, detail string) {
	if s.audit == nil {
		return
	}
	evt := &store.HealthEvent{Kind: kind, AgentID: agentID, Detail: detail}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.audit.SaveHealthEvent(ctx, evt); err != nil {
			s.logger.Warn("health event write failed", "kind", kind, "error", err)
		}
	}()
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return data
}
