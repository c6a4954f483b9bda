// ABOUTME: Pending-request table correlating outbound requests with their responses.
// ABOUTME: Each entry resolves or rejects exactly once and is always removed from the table.

package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when a pending request's deadline elapses.
var ErrRequestTimeout = errors.New("request timed out")

// ErrRequestExpired is returned when the cleanup loop reaps a stale request.
var ErrRequestExpired = errors.New("request expired")

type outcome struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight request. The done channel carries the
// single outcome; the deadline timer is cancelled on any exit path.
type pendingRequest struct {
	id        string
	createdAt time.Time
	timer     *time.Timer
	done      chan outcome
}

// PendingTable holds all in-flight requests keyed by message id.
// At most one entry exists per id; resolution, rejection, timeout, and
// send-failure all remove the entry, so nothing leaks.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*pendingRequest)}
}

// Add registers a pending request with a deadline. When the deadline elapses
// the entry is rejected with ErrRequestTimeout.
func (t *PendingTable) Add(id string, timeout time.Duration) *pendingRequest {
	req := &pendingRequest{
		id:        id,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		t.Fail(id, ErrRequestTimeout)
	})

	t.mu.Lock()
	t.entries[id] = req
	t.mu.Unlock()
	return req
}

// take removes and returns the entry for id, stopping its timer.
func (t *PendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	req, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		req.timer.Stop()
	}
	return req, ok
}

// Resolve completes the request with a response payload. Returns false if no
// such request is pending (already resolved, timed out, or never existed).
func (t *PendingTable) Resolve(id string, payload json.RawMessage) bool {
	req, ok := t.take(id)
	if !ok {
		return false
	}
	req.done <- outcome{payload: payload}
	return true
}

// Fail rejects the request with err. Returns false if no such request is
// pending.
func (t *PendingTable) Fail(id string, err error) bool {
	req, ok := t.take(id)
	if !ok {
		return false
	}
	req.done <- outcome{err: err}
	return true
}

// Cancel removes the entry without delivering an outcome. Used on send-time
// failure where the caller fails synchronously.
func (t *PendingTable) Cancel(id string) {
	t.take(id)
}

// Len returns the number of in-flight requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ReapOlderThan rejects every request older than maxAge with
// ErrRequestExpired, returning the number reaped.
func (t *PendingTable) ReapOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	var stale []string
	for id, req := range t.entries {
		if req.createdAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	reaped := 0
	for _, id := range stale {
		if t.Fail(id, ErrRequestExpired) {
			reaped++
		}
	}
	return reaped
}
