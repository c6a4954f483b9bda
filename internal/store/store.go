// ABOUTME: Audit store interface and record types for routed-message persistence.
// ABOUTME: Write-only from the coordination core; best-effort, never on the routing path.

package store

import (
	"context"
	"time"
)

// RoutedMessage is the append-only audit record for one routed message.
type RoutedMessage struct {
	MessageID string
	Type      string
	FromAgent string
	ToAgent   string // empty for broadcasts
	Priority  int
	Payload   []byte
	RoutedAt  time.Time
}

// HealthEvent records a health-relevant occurrence (eviction, overflow,
// disconnect) for post-hoc inspection.
type HealthEvent struct {
	ID         string
	Kind       string
	AgentID    string
	Detail     string
	OccurredAt time.Time
}

// AuditStore is the persistence collaborator. The coordination core only
// appends; it never reads records back.
type AuditStore interface {
	SaveMessage(ctx context.Context, rec *RoutedMessage) error
	SaveHealthEvent(ctx context.Context, evt *HealthEvent) error
	Close() error
}

// NopStore discards everything. Used when persistence is disabled and in
// tests that don't care about the audit trail.
type NopStore struct{}

func (NopStore) SaveMessage(context.Context, *RoutedMessage) error   { return nil }
func (NopStore) SaveHealthEvent(context.Context, *HealthEvent) error { return nil }
func (NopStore) Close() error                                        { return nil }
