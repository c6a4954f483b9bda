// ABOUTME: Background supervisor loops: heartbeat liveness sweep and periodic cleanup.
// ABOUTME: Sweep bodies are separate methods so tests can drive them directly.

package server

import (
	"fmt"
	"time"

	"github.com/2389/swarm-relay/internal/events"
	"github.com/2389/swarm-relay/internal/protocol"
)

// heartbeatLoop pings live connections and evicts ones that have gone silent
// past the configured timeout.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepStale(time.Now())
		case <-s.done:
			return
		}
	}
}

// sweepStale evicts connections whose last heartbeat is older than the
// timeout and pings the rest. Eviction goes through the shared disconnect
// path, so a concurrent read-loop exit is harmless.
func (s *Server) sweepStale(now time.Time) {
	for _, conn := range s.pool.All() {
		silent := now.Sub(conn.LastHeartbeat())
		if silent > s.opts.HeartbeatTimeout {
			s.logger.Warn("heartbeat timeout",
				"connection_id", conn.ID,
				"agent_id", conn.AgentID,
				"silent_for", silent.Round(time.Second),
			)
			s.disconnectWith(conn, StatusEvicted, fmt.Sprintf("no heartbeat for %s", silent.Round(time.Second)))
			continue
		}

		ping := protocol.New(protocol.TypePing, s.opts.ServerID)
		ping.To = conn.AgentID
		conn.Enqueue(ping)
	}
}

// cleanupLoop reaps stale pending requests and trims oversized outbound
// queues on a slower cadence than the heartbeat sweep.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

// runCleanup performs one cleanup pass.
func (s *Server) runCleanup() {
	if reaped := s.router.Pending().ReapOlderThan(s.opts.PendingGracePeriod); reaped > 0 {
		s.logger.Info("reaped stale pending requests", "count", reaped)
	}

	for _, conn := range s.pool.All() {
		trimmed := conn.TrimQueue(s.opts.QueueSize)
		if trimmed == 0 {
			continue
		}
		s.logger.Warn("outbound queue trimmed",
			"connection_id", conn.ID,
			"agent_id", conn.AgentID,
			"trimmed", trimmed,
		)
		s.bus.Publish(events.QueueOverflow, QueueOverflowInfo{
			ConnectionID: conn.ID,
			AgentID:      conn.AgentID,
			Trimmed:      trimmed,
		})
	}
}

// QueueOverflowInfo is the event payload for a trimmed outbound queue.
type QueueOverflowInfo struct {
	ConnectionID string
	AgentID      string
	Trimmed      int
}
