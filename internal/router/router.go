// ABOUTME: Message router: validates, normalizes, and dispatches inbound messages by type.
// ABOUTME: Applies topology constraints before delivery and audits routed messages best-effort.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/swarm-relay/internal/events"
	"github.com/2389/swarm-relay/internal/pool"
	"github.com/2389/swarm-relay/internal/protocol"
	"github.com/2389/swarm-relay/internal/store"
	"github.com/2389/swarm-relay/internal/topology"
)

// Routing errors surfaced to control-surface callers. Wire-originated
// messages get the matching protocol error code replied instead.
var (
	ErrMissingRecipient  = errors.New("missing recipient")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrTopologyViolation = errors.New("topology violation")
	ErrDeliveryFailed    = errors.New("delivery failed")
)

const auditTimeout = 5 * time.Second

// Router classifies inbound messages and dispatches them to direct-delivery,
// broadcast, request, or response handling.
type Router struct {
	serverID string
	pool     *pool.Pool
	topo     *topology.Enforcer
	pending  *PendingTable
	audit    store.AuditStore
	bus      *events.Bus
	logger   *slog.Logger
	started  time.Time
}

// New creates a router. audit may be store.NopStore{} to disable persistence.
func New(serverID string, p *pool.Pool, topo *topology.Enforcer, audit store.AuditStore, bus *events.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		serverID: serverID,
		pool:     p,
		topo:     topo,
		pending:  NewPendingTable(),
		audit:    audit,
		bus:      bus,
		logger:   logger.With("component", "router"),
		started:  time.Now(),
	}
}

// Pending exposes the pending-request table to the cleanup supervisor.
func (r *Router) Pending() *PendingTable {
	return r.pending
}

// HandleInbound processes one raw frame received on conn. Protocol and
// policy failures are reported to the sender as error messages; they are
// never fatal to the connection.
func (r *Router) HandleInbound(ctx context.Context, conn *pool.Connection, data []byte) {
	conn.AddReceived(len(data))

	msg, err := protocol.Decode(data)
	if err != nil {
		r.replyError(conn, protocol.CodeValidationError, err.Error(), "")
		return
	}

	// The pool's record is authoritative; any claimed sender is overridden.
	msg.From = conn.AgentID

	if msg.Expired(time.Now()) {
		r.logger.Debug("expired message dropped", "message_id", msg.ID, "from", msg.From, "ttl_ms", msg.TTL)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		r.handlePing(conn, msg)
	case protocol.TypePong:
		conn.Touch()
	case protocol.TypeMessage, protocol.TypeRequest:
		r.handleDirect(ctx, conn, msg)
	case protocol.TypeBroadcast:
		delivered := r.fanOut(ctx, msg, nil, true)
		r.logger.Debug("broadcast routed", "from", msg.From, "delivered", delivered)
	case protocol.TypeResponse:
		r.handleResponse(ctx, conn, msg)
	case protocol.TypeError:
		r.handleError(ctx, msg)
	case protocol.TypeHeartbeat:
		r.handleHeartbeat(conn, msg)
	default:
		r.replyError(conn, protocol.CodeUnknownType, fmt.Sprintf("unrecognized message type %q", msg.Type), msg.ID)
	}
}

// handlePing answers immediately with a pong echoing the original id.
func (r *Router) handlePing(conn *pool.Connection, msg *protocol.Message) {
	conn.Touch()
	pong := protocol.New(protocol.TypePong, r.serverID)
	pong.To = conn.AgentID
	pong.ResponseID = msg.ID
	conn.Enqueue(pong)
}

// handleDirect routes a message or request to a specific agent.
func (r *Router) handleDirect(ctx context.Context, conn *pool.Connection, msg *protocol.Message) {
	if err := r.Deliver(ctx, msg); err != nil {
		r.replyError(conn, codeForError(err), err.Error(), msg.ID)
	}
}

// Deliver fans a message out to every live connection of msg.To, applying
// the topology predicate first. Overall success requires at least one
// connection to accept the message.
func (r *Router) Deliver(ctx context.Context, msg *protocol.Message) error {
	if msg.To == "" {
		return ErrMissingRecipient
	}
	if !r.topo.CanCommunicate(msg.From, msg.To) {
		return fmt.Errorf("%w: %s -> %s under %s policy", ErrTopologyViolation, msg.From, msg.To, r.topo.Policy())
	}

	conns := r.pool.ConnectionsForAgent(msg.To)
	if len(conns) == 0 {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, msg.To)
	}

	delivered := 0
	for _, conn := range conns {
		if conn.Enqueue(msg) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w: all %d connections for %s rejected the message", ErrDeliveryFailed, len(conns), msg.To)
	}

	r.recordAudit(msg)
	if r.bus != nil {
		r.bus.Publish(events.MessageRouted, RoutedInfo{
			MessageID: msg.ID,
			Type:      msg.Type,
			From:      msg.From,
			To:        msg.To,
		})
	}
	return nil
}

// fanOut delivers msg to every live connection except (optionally) the
// sender's own, filtered through the topology predicate per recipient agent.
// Returns the number of connections that accepted the message.
func (r *Router) fanOut(ctx context.Context, msg *protocol.Message, excludeAgents []string, excludeSelf bool) int {
	excluded := make(map[string]struct{}, len(excludeAgents)+1)
	for _, id := range excludeAgents {
		excluded[id] = struct{}{}
	}
	if excludeSelf {
		excluded[msg.From] = struct{}{}
	}

	delivered := 0
	for _, conn := range r.pool.All() {
		if _, skip := excluded[conn.AgentID]; skip {
			continue
		}
		if !r.topo.CanCommunicate(msg.From, conn.AgentID) {
			continue
		}
		if conn.Enqueue(msg) {
			delivered++
		}
	}

	if delivered > 0 {
		r.recordAudit(msg)
	}
	if r.bus != nil {
		r.bus.Publish(events.BroadcastDelivered, BroadcastInfo{
			MessageID: msg.ID,
			From:      msg.From,
			Delivered: delivered,
		})
	}
	return delivered
}

// Broadcast sends payload to every connected agent except those listed,
// returning the delivered connection count. The control surface and the
// integration bridge call this; the sender itself is always excluded.
func (r *Router) Broadcast(ctx context.Context, from string, payload json.RawMessage, excludeAgents []string) int {
	msg := protocol.New(protocol.TypeBroadcast, from)
	msg.Payload = payload
	return r.fanOut(ctx, msg, excludeAgents, true)
}

// handleResponse resolves a locally pending request, or forwards the
// response as a normal direct message when the request is not ours
// (multi-hop request proxying).
func (r *Router) handleResponse(ctx context.Context, conn *pool.Connection, msg *protocol.Message) {
	if msg.ResponseID == "" {
		r.replyError(conn, protocol.CodeMissingResponseID, "response requires responseId", msg.ID)
		return
	}

	if r.pending.Resolve(msg.ResponseID, msg.Payload) {
		r.recordAudit(msg)
		return
	}

	// Not a request of ours; forward toward the original requester.
	if err := r.Deliver(ctx, msg); err != nil {
		r.replyError(conn, codeForError(err), err.Error(), msg.ID)
	}
}

// handleError settles a locally pending request with the remote failure, or
// forwards the error toward its addressee. Unroutable errors are dropped
// rather than answered, so two peers cannot bounce errors at each other.
func (r *Router) handleError(ctx context.Context, msg *protocol.Message) {
	if msg.ResponseID != "" && r.pending.Fail(msg.ResponseID, fmt.Errorf("%w: %s", ErrDeliveryFailed, msg.Error)) {
		return
	}
	if msg.To == "" {
		r.logger.Debug("unroutable error dropped", "from", msg.From, "code", msg.Error)
		return
	}
	if err := r.Deliver(ctx, msg); err != nil {
		r.logger.Debug("error forwarding failed", "from", msg.From, "to", msg.To, "error", err)
	}
}

// handleHeartbeat refreshes liveness, merges an updated capability set, and
// replies with server time and uptime.
func (r *Router) handleHeartbeat(conn *pool.Connection, msg *protocol.Message) {
	conn.Touch()

	if len(msg.Payload) > 0 {
		var hb protocol.HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &hb); err == nil && hb.Capabilities != nil {
			if err := r.pool.ReplaceCapabilities(conn.ID, hb.Capabilities); err != nil {
				r.logger.Warn("heartbeat capability merge failed",
					"connection_id", conn.ID, "error", err)
			}
		}
	}

	now := time.Now()
	ack := protocol.New(protocol.TypeHeartbeat, r.serverID)
	ack.To = conn.AgentID
	ack.ResponseID = msg.ID
	ack.Payload, _ = json.Marshal(protocol.HeartbeatAckPayload{
		ServerTime: now.UnixMilli(),
		UptimeMs:   now.Sub(r.started).Milliseconds(),
	})
	conn.Enqueue(ack)
}

// SendWithResponse sends a request to an agent and blocks until the matching
// response arrives, the timeout elapses, or ctx is cancelled. Send-time
// failure removes the pending entry immediately; no timers are orphaned.
func (r *Router) SendWithResponse(ctx context.Context, from, to string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	msg := protocol.New(protocol.TypeRequest, from)
	msg.To = to
	msg.Payload = payload
	msg.RequestID = msg.ID

	req := r.pending.Add(msg.ID, timeout)

	if err := r.Deliver(ctx, msg); err != nil {
		r.pending.Cancel(msg.ID)
		return nil, err
	}

	select {
	case out := <-req.done:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	case <-ctx.Done():
		r.pending.Cancel(msg.ID)
		return nil, ctx.Err()
	}
}

// replyError reports a failure back to the sender's own connection. Error
// replies bypass topology checks: the relay may always talk to its peers.
func (r *Router) replyError(conn *pool.Connection, code, detail, correlateID string) {
	conn.Enqueue(protocol.NewError(r.serverID, conn.AgentID, code, detail, correlateID))
	r.logger.Debug("protocol error reported",
		"agent_id", conn.AgentID,
		"code", code,
		"detail", detail,
	)
}

// recordAudit offers the message to the audit store without blocking the
// routing path. Persistence failure is logged, never propagated.
func (r *Router) recordAudit(msg *protocol.Message) {
	if r.audit == nil {
		return
	}
	rec := &store.RoutedMessage{
		MessageID: msg.ID,
		Type:      msg.Type,
		FromAgent: msg.From,
		ToAgent:   msg.To,
		Priority:  msg.Priority,
		Payload:   msg.Payload,
		RoutedAt:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := r.audit.SaveMessage(ctx, rec); err != nil {
			r.logger.Warn("audit write failed", "message_id", rec.MessageID, "error", err)
		}
	}()
}

// codeForError maps routing errors to protocol error codes.
func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrMissingRecipient):
		return protocol.CodeMissingRecipient
	case errors.Is(err, ErrRecipientNotFound):
		return protocol.CodeRecipientNotFound
	case errors.Is(err, ErrTopologyViolation):
		return protocol.CodeTopologyViolation
	case errors.Is(err, ErrDeliveryFailed):
		return protocol.CodeDeliveryFailed
	default:
		return protocol.CodeDeliveryFailed
	}
}

// RoutedInfo is the event payload for a routed direct message.
type RoutedInfo struct {
	MessageID string
	Type      string
	From      string
	To        string
}

// BroadcastInfo is the event payload for a completed broadcast.
type BroadcastInfo struct {
	MessageID string
	From      string
	Delivered int
}
