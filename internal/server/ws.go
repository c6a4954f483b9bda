// ABOUTME: Websocket accept path: connection handshake, read loop, and per-connection write pump.
// ABOUTME: All disconnect causes funnel through the same eviction path.

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/swarm-relay/internal/pool"
	"github.com/2389/swarm-relay/internal/protocol"
)

const writeTimeout = 10 * time.Second

// StatusEvicted is the websocket close code for a supervisor-initiated
// eviction (heartbeat timeout). It sits in the application range so clients
// treat the closure as abnormal and reconnect; a requested disconnect or
// server shutdown still closes with StatusNormalClosure.
const StatusEvicted = 4000

// wsLink adapts a websocket connection to the pool.Link interface.
type wsLink struct {
	ws *websocket.Conn
}

func (l *wsLink) WriteMessage(ctx context.Context, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return l.ws.Write(ctx, websocket.MessageText, data)
}

func (l *wsLink) Close(code int, reason string) error {
	return l.ws.Close(websocket.StatusCode(code), reason)
}

// handleWS upgrades an HTTP request to a coordination connection.
// The client identifies itself via the agent query parameter plus an
// optional comma-separated capability list.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		http.Error(w, "agent query parameter is required", http.StatusBadRequest)
		return
	}
	caps := splitCapabilities(r.URL.Query().Get("capabilities"))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks belong to the fronting proxy
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}

	conn := pool.NewConnection(agentID, caps, &wsLink{ws: ws}, s.opts.QueueSize)
	if err := s.pool.Register(conn); err != nil {
		// pool at capacity is connection-fatal with a specific close reason
		_ = ws.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}

	welcome := protocol.New(protocol.TypeWelcome, s.opts.ServerID)
	welcome.To = agentID
	welcome.Payload = mustJSON(protocol.WelcomePayload{
		ConnectionID: conn.ID,
		AgentID:      agentID,
		ServerTime:   time.Now().UnixMilli(),
	})
	conn.Enqueue(welcome)

	s.wg.Add(1)
	go s.writePump(conn)

	s.readLoop(r.Context(), ws, conn)
}

// readLoop consumes frames until the peer goes away, then evicts the
// connection through the shared disconnect path.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *pool.Connection) {
	defer s.disconnect(conn, "read closed")

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("peer closed connection", "connection_id", conn.ID)
			} else if ctx.Err() == nil {
				s.logger.Debug("read failed", "connection_id", conn.ID, "error", err)
			}
			return
		}
		s.router.HandleInbound(ctx, conn, data)
	}
}

// writePump drains the connection's outbound queue onto the wire.
// One pump per connection preserves per-sender FIFO ordering.
func (s *Server) writePump(conn *pool.Connection) {
	defer s.wg.Done()

	for {
		for {
			msg, ok := conn.Dequeue()
			if !ok {
				break
			}
			if err := conn.WriteMessage(context.Background(), msg); err != nil {
				s.disconnect(conn, "write failed")
				return
			}
		}

		if conn.Closed() {
			return
		}
		select {
		case <-conn.Notify():
		case <-s.done:
			return
		}
	}
}

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, p)
		}
	}
	return caps
}
