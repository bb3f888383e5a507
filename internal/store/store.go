// Package store persists chat state and the rewrite failure journal.
// The in-memory backend serves local dev and tests; SQLite and PostgreSQL
// share one database/sql implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Table names a persisted table. Retention and error counters are keyed by it.
type Table string

const (
	TableSessions   Table = "chat_session_state"
	TableTurns      Table = "chat_turn_event"
	TableAudits     Table = "chat_action_audit"
	TableRewriteLog Table = "query_rewrite_log"
)

// Store is the storage interface used by the chat state recorder, the
// failure journal and the retention job.
type Store interface {
	SessionStore
	TurnStore
	AuditStore
	RewriteLogStore
	RetentionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates missing tables.
	Migrate(ctx context.Context) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore holds one last-writer-wins row per conversation.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *models.SessionState) error
	GetSession(ctx context.Context, conversationID string) (*models.SessionState, error)
}

// ── Turn Store ──────────────────────────────────────────────

// TurnStore is append-only.
type TurnStore interface {
	AppendTurnEvent(ctx context.Context, e *models.TurnEvent) error
	ListTurnEvents(ctx context.Context, conversationID string, limit int) ([]models.TurnEvent, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is append-only.
type AuditStore interface {
	AppendActionAudit(ctx context.Context, a *models.ActionAudit) error
	ListActionAudits(ctx context.Context, filter AuditFilter) ([]models.ActionAudit, error)
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	ConversationID string
	ActionType     string
	Limit          int
}

// ── Rewrite Log Store ───────────────────────────────────────

// RewriteLogStore is the append-only query_rewrite_log.
type RewriteLogStore interface {
	AppendRewriteFailure(ctx context.Context, f *models.RewriteFailure) error
	GetRewriteFailure(ctx context.Context, id string) (*models.RewriteFailure, error)
	ListRewriteFailures(ctx context.Context, filter models.FailureFilter) ([]models.RewriteFailure, error)
}

// ── Retention Store ─────────────────────────────────────────

// RetentionStore counts and prunes rows older than a cutoff.
type RetentionStore interface {
	CountOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error)
	// DeleteOlderThan removes at most limit rows and returns how many went.
	DeleteOlderThan(ctx context.Context, table Table, cutoff time.Time, limit int) (int64, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrUnknownTable is returned by retention calls for tables the store does not prune.
var ErrUnknownTable = errors.New("store: unknown table")

const defaultListLimit = 50

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, 1000)
}

// matchesFailure applies a journal filter. Reason matches either the
// originating reason or the failure tag.
func matchesFailure(f *models.RewriteFailure, filter models.FailureFilter) bool {
	if filter.Reason != "" && f.Reason != filter.Reason && f.FailureTag != filter.Reason {
		return false
	}
	if !filter.Since.IsZero() && f.CreatedAt.Before(filter.Since) {
		return false
	}
	return true
}

// Open returns the backend named by driver: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn, dataDir string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(dataDir), nil
	case string(DialectSQLite), string(DialectPostgres):
		return OpenSQL(ctx, Dialect(driver), dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
