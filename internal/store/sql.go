package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	// SQL drivers: "sqlite" (modernc, pure Go) and "pgx" (PostgreSQL).
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Dialect selects DDL and placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens a SQL-backed store. For SQLite the DSN is a file path or
// ":memory:"; for PostgreSQL it is a pgx connection string.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn required")
	}
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		// Each modernc pragma must be prefixed with _pragma=.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		db, err = sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
		if err == nil {
			// One connection: WAL handles readers, and ":memory:" is per-connection.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
			db.SetConnMaxLifetime(0)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", string(dialect)).Msg("🗄️  SQL chat state store ready")
	return s, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_session_state (
			conversation_id TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL DEFAULT '',
			tenant_id       TEXT NOT NULL DEFAULT '',
			last_intent     TEXT NOT NULL DEFAULT '',
			fallback_count  INTEGER NOT NULL DEFAULT 0,
			updated_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session_state_updated ON chat_session_state (updated_at)`,
		`CREATE TABLE IF NOT EXISTS chat_turn_event (
			id              ` + serial + `,
			conversation_id TEXT NOT NULL,
			turn_id         TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			trace_id        TEXT NOT NULL DEFAULT '',
			request_id      TEXT NOT NULL DEFAULT '',
			route           TEXT NOT NULL DEFAULT '',
			reason_code     TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turn_event_conv ON chat_turn_event (conversation_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turn_event_created ON chat_turn_event (created_at)`,
		`CREATE TABLE IF NOT EXISTS chat_action_audit (
			id              ` + serial + `,
			conversation_id TEXT NOT NULL DEFAULT '',
			action_type     TEXT NOT NULL,
			action_state    TEXT NOT NULL,
			decision        TEXT NOT NULL,
			result          TEXT NOT NULL DEFAULT '',
			actor_user_id   TEXT NOT NULL DEFAULT '',
			actor_admin_id  TEXT NOT NULL DEFAULT '',
			target_ref      TEXT NOT NULL DEFAULT '',
			auth_context    TEXT NOT NULL DEFAULT '',
			trace_id        TEXT NOT NULL DEFAULT '',
			request_id      TEXT NOT NULL DEFAULT '',
			reason_code     TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL DEFAULT '',
			tenant_id       TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_action_audit_created ON chat_action_audit (created_at)`,
		`CREATE TABLE IF NOT EXISTS query_rewrite_log (
			id             TEXT PRIMARY KEY,
			request_id     TEXT NOT NULL DEFAULT '',
			trace_id       TEXT NOT NULL DEFAULT '',
			canonical_key  TEXT NOT NULL DEFAULT '',
			q_raw          TEXT NOT NULL DEFAULT '',
			q_norm         TEXT NOT NULL DEFAULT '',
			reason         TEXT NOT NULL DEFAULT '',
			decision       TEXT NOT NULL DEFAULT '',
			strategy       TEXT NOT NULL DEFAULT '',
			failure_tag    TEXT NOT NULL,
			error_code     TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT '',
			replay_payload TEXT NOT NULL DEFAULT '{}',
			created_at     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_query_rewrite_log_created ON query_rewrite_log (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ── Session Store ───────────────────────────────────────────

func (s *SQLStore) UpsertSession(ctx context.Context, st *models.SessionState) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chat_session_state (conversation_id, user_id, tenant_id, last_intent, fallback_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			user_id = excluded.user_id,
			tenant_id = excluded.tenant_id,
			last_intent = excluded.last_intent,
			fallback_count = excluded.fallback_count,
			updated_at = excluded.updated_at`),
		st.ConversationID, st.UserID, st.TenantID, st.LastIntent, st.FallbackCount, millis(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, conversationID string) (*models.SessionState, error) {
	var (
		st models.SessionState
		ts int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT conversation_id, user_id, tenant_id, last_intent, fallback_count, updated_at
		FROM chat_session_state WHERE conversation_id = ?`), conversationID).
		Scan(&st.ConversationID, &st.UserID, &st.TenantID, &st.LastIntent, &st.FallbackCount, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	st.UpdatedAt = fromMillis(ts)
	return &st, nil
}

// ── Turn Store ──────────────────────────────────────────────

func (s *SQLStore) AppendTurnEvent(ctx context.Context, e *models.TurnEvent) error {
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO chat_turn_event (conversation_id, turn_id, event_type, trace_id, request_id, route, reason_code, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.ConversationID, e.TurnID, string(e.EventType), e.TraceID, e.RequestID, e.Route, e.ReasonCode, e.Payload, millis(e.CreatedAt)).
		Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append turn event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListTurnEvents(ctx context.Context, conversationID string, limit int) ([]models.TurnEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, conversation_id, turn_id, event_type, trace_id, request_id, route, reason_code, payload, created_at
		FROM (
			SELECT * FROM chat_turn_event WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) recent ORDER BY id ASC`), conversationID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()

	var result []models.TurnEvent
	for rows.Next() {
		var (
			e         models.TurnEvent
			eventType string
			ts        int64
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.TurnID, &eventType, &e.TraceID, &e.RequestID,
			&e.Route, &e.ReasonCode, &e.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan turn event: %w", err)
		}
		e.EventType = models.TurnEventType(eventType)
		e.CreatedAt = fromMillis(ts)
		result = append(result, e)
	}
	return result, rows.Err()
}

// ── Audit Store ─────────────────────────────────────────────

func (s *SQLStore) AppendActionAudit(ctx context.Context, a *models.ActionAudit) error {
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO chat_action_audit (conversation_id, action_type, action_state, decision, result, actor_user_id,
			actor_admin_id, target_ref, auth_context, trace_id, request_id, reason_code, idempotency_key, metadata,
			tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.ConversationID, a.ActionType, string(a.ActionState), a.Decision, a.Result, a.ActorUserID,
		a.ActorAdminID, a.TargetRef, a.AuthContext, a.TraceID, a.RequestID, a.ReasonCode, a.IdempotencyKey,
		a.Metadata, a.TenantID, millis(a.CreatedAt)).
		Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("append action audit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListActionAudits(ctx context.Context, filter AuditFilter) ([]models.ActionAudit, error) {
	q := `SELECT id, conversation_id, action_type, action_state, decision, result, actor_user_id, actor_admin_id,
		target_ref, auth_context, trace_id, request_id, reason_code, idempotency_key, metadata, tenant_id, created_at
		FROM chat_action_audit WHERE 1=1`
	var args []interface{}
	if filter.ConversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.ActionType != "" {
		q += " AND action_type = ?"
		args = append(args, filter.ActionType)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list action audits: %w", err)
	}
	defer rows.Close()

	var result []models.ActionAudit
	for rows.Next() {
		var (
			a     models.ActionAudit
			state string
			ts    int64
		)
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.ActionType, &state, &a.Decision, &a.Result,
			&a.ActorUserID, &a.ActorAdminID, &a.TargetRef, &a.AuthContext, &a.TraceID, &a.RequestID,
			&a.ReasonCode, &a.IdempotencyKey, &a.Metadata, &a.TenantID, &ts); err != nil {
			return nil, fmt.Errorf("scan action audit: %w", err)
		}
		a.ActionState = models.ActionState(state)
		a.CreatedAt = fromMillis(ts)
		result = append(result, a)
	}
	return result, rows.Err()
}

// ── Rewrite Log Store ───────────────────────────────────────

const rewriteColumns = `id, request_id, trace_id, canonical_key, q_raw, q_norm, reason, decision, strategy,
	failure_tag, error_code, error_message, replay_payload, created_at`

func (s *SQLStore) AppendRewriteFailure(ctx context.Context, f *models.RewriteFailure) error {
	payload := string(f.ReplayPayload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO query_rewrite_log (`+rewriteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.RequestID, f.TraceID, f.CanonicalKey, f.QRaw, f.QNorm, f.Reason, string(f.Decision),
		string(f.Strategy), f.FailureTag, f.ErrorCode, f.ErrorMessage, payload, millis(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("append rewrite failure: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRewriteFailure(ctx context.Context, id string) (*models.RewriteFailure, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+rewriteColumns+` FROM query_rewrite_log WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get rewrite failure: %w", err)
	}
	result, err := scanFailures(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &ErrNotFound{Entity: "rewrite failure", Key: id}
	}
	return &result[0], nil
}

func (s *SQLStore) ListRewriteFailures(ctx context.Context, filter models.FailureFilter) ([]models.RewriteFailure, error) {
	q := `SELECT ` + rewriteColumns + ` FROM query_rewrite_log WHERE 1=1`
	var args []interface{}
	if filter.Reason != "" {
		q += " AND (reason = ? OR failure_tag = ?)"
		args = append(args, filter.Reason, filter.Reason)
	}
	if !filter.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, millis(filter.Since))
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list rewrite failures: %w", err)
	}
	return scanFailures(rows)
}

func scanFailures(rows *sql.Rows) ([]models.RewriteFailure, error) {
	defer rows.Close()
	var result []models.RewriteFailure
	for rows.Next() {
		var (
			f                  models.RewriteFailure
			decision, strategy string
			payload            string
			ts                 int64
		)
		if err := rows.Scan(&f.ID, &f.RequestID, &f.TraceID, &f.CanonicalKey, &f.QRaw, &f.QNorm, &f.Reason,
			&decision, &strategy, &f.FailureTag, &f.ErrorCode, &f.ErrorMessage, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan rewrite failure: %w", err)
		}
		f.Decision = models.Decision(decision)
		f.Strategy = models.Strategy(strategy)
		f.ReplayPayload = []byte(payload)
		f.CreatedAt = fromMillis(ts)
		result = append(result, f)
	}
	return result, rows.Err()
}

// ── Retention Store ─────────────────────────────────────────

// retentionColumns maps prunable tables to (primary key, timestamp column).
var retentionColumns = map[Table][2]string{
	TableSessions: {"conversation_id", "updated_at"},
	TableTurns:    {"id", "created_at"},
	TableAudits:   {"id", "created_at"},
}

func (s *SQLStore) CountOlderThan(ctx context.Context, table Table, cutoff time.Time) (int64, error) {
	cols, ok := retentionColumns[table]
	if !ok {
		return 0, ErrUnknownTable
	}
	var n int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s < ?`, table, cols[1])
	if err := s.db.QueryRowContext(ctx, s.rebind(q), millis(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, table Table, cutoff time.Time, limit int) (int64, error) {
	cols, ok := retentionColumns[table]
	if !ok {
		return 0, ErrUnknownTable
	}
	if limit <= 0 {
		return 0, nil
	}
	q := fmt.Sprintf(`DELETE FROM %[1]s WHERE %[2]s IN (
		SELECT %[2]s FROM %[1]s WHERE %[3]s < ? ORDER BY %[3]s, %[2]s LIMIT ?)`, table, cols[0], cols[1])
	res, err := s.db.ExecContext(ctx, s.rebind(q), millis(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}
