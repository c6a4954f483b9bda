// ABOUTME: Client session loops: inbound read/dispatch, heartbeat timer, reconnect with backoff.
// ABOUTME: Duplicate deliveries from multi-homed fan-out are dropped by message id.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/swarm-relay/internal/protocol"
)

// readLoop consumes frames until the connection drops, then hands off to
// the reconnect loop unless the client is closing.
func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()

			if closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.logger.Warn("connection lost", "error", err)
			c.wg.Add(1)
			go c.reconnectLoop()
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes and routes one inbound frame.
func (c *Client) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	// Multi-homed agents can receive the same message on several
	// connections; only the first copy is processed.
	if c.seen.Seen(msg.ID) {
		c.logger.Debug("duplicate delivery dropped", "message_id", msg.ID)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong, c.cfg.AgentID)
		pong.ResponseID = msg.ID
		_ = c.send(pong)
	case protocol.TypePong, protocol.TypeHeartbeat:
		// server liveness replies need no action
	case protocol.TypeResponse:
		c.resolvePending(msg)
	case protocol.TypeRequest:
		go c.answerRequest(msg)
	case protocol.TypeError:
		if msg.ResponseID != "" && c.resolvePending(msg) {
			return
		}
		c.logger.Warn("server reported error", "code", msg.Error)
		c.emit(msg)
	default:
		c.emit(msg)
	}
}

// resolvePending completes a local pending request, if one matches.
func (c *Client) resolvePending(msg *protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.ResponseID]
	if ok {
		delete(c.pending, msg.ResponseID)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// answerRequest runs the registered request handler and sends the response.
// Without a handler the request is reported back as undeliverable.
func (c *Client) answerRequest(msg *protocol.Message) {
	c.mu.Lock()
	h := c.onReq
	c.mu.Unlock()

	resp := protocol.New(protocol.TypeResponse, c.cfg.AgentID)
	resp.To = msg.From
	resp.ResponseID = msg.ID

	if h == nil {
		resp.Type = protocol.TypeError
		resp.Error = protocol.CodeDeliveryFailed
		resp.Payload, _ = json.Marshal(map[string]string{"detail": "agent has no request handler"})
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		payload, err := h(ctx, msg)
		if err != nil {
			resp.Type = protocol.TypeError
			resp.Error = protocol.CodeDeliveryFailed
			resp.Payload, _ = json.Marshal(map[string]string{"detail": err.Error()})
		} else {
			resp.Payload = payload
		}
	}

	if err := c.send(resp); err != nil {
		c.logger.Warn("response send failed", "request_id", msg.ID, "error", err)
	}
	c.emit(msg)
}

// emit invokes the type-specific handler, then the catch-all.
func (c *Client) emit(msg *protocol.Message) {
	c.mu.Lock()
	h := c.handlers[msg.Type]
	all := c.catchAll
	c.mu.Unlock()

	if h != nil {
		h(msg)
	}
	if all != nil {
		all(msg)
	}
}

// heartbeatLoop sends periodic heartbeats for the lifetime of one session.
func (c *Client) heartbeatLoop(done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
			}
		case <-done:
			return
		}
	}
}

// reconnectLoop redials with exponential backoff until a session is
// established or the attempt budget runs out.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	c.setState(StateReconnecting)

	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		closing := c.closed
		c.mu.Unlock()
		if closing {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}

	c.logger.Error("reconnect budget exhausted", "attempts", c.cfg.MaxReconnectAttempts)
	c.setState(StateDisconnected)

	c.mu.Lock()
	fn := c.onFatal
	c.mu.Unlock()
	if fn != nil {
		fn(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, c.cfg.MaxReconnectAttempts))
	}
}

// backoffDelay computes base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
