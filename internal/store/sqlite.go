// ABOUTME: SQLite implementation of the audit store using modernc.org/sqlite.
// ABOUTME: Append-only tables with automatic schema creation and WAL mode.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements AuditStore on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the audit database at path.
// Parent directories are created if needed; use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps audit writes off the routing path's critical latency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS routed_messages (
			message_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			routed_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_routed_messages_from ON routed_messages(from_agent);
		CREATE INDEX IF NOT EXISTS idx_routed_messages_routed_at ON routed_messages(routed_at);

		CREATE TABLE IF NOT EXISTS health_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			agent_id TEXT,
			detail TEXT,
			occurred_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_health_events_kind ON health_events(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage appends a routed-message record. Duplicate message ids are
// ignored; re-delivery of the same id must not fail the audit path.
func (s *SQLiteStore) SaveMessage(ctx context.Context, rec *RoutedMessage) error {
	if rec.RoutedAt.IsZero() {
		rec.RoutedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO routed_messages (message_id, type, from_agent, to_agent, priority, payload, routed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID,
		rec.Type,
		rec.FromAgent,
		rec.ToAgent,
		rec.Priority,
		rec.Payload,
		rec.RoutedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting routed message: %w", err)
	}
	return nil
}

// SaveHealthEvent appends a health event. Generates ID and timestamp if unset.
func (s *SQLiteStore) SaveHealthEvent(ctx context.Context, evt *HealthEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_events (id, kind, agent_id, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Kind,
		evt.AgentID,
		evt.Detail,
		evt.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting health event: %w", err)
	}
	return nil
}

// CountMessages returns the number of audited messages. Operational tooling
// only; the coordination core never calls this.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routed_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting routed messages: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
