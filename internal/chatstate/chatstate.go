// Package chatstate records chat sessions, turn events and action audits.
//
// Every write is best-effort: failures are logged and counted in
// chat_state_write_errors_total{table} and never reach the caller as
// errors. When disabled, every operation is a no-op that reports false.
package chatstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

const writeTimeout = 2 * time.Second

// Recorder writes sanitized chat state to a store.
type Recorder struct {
	store     store.Store
	enabled   bool
	sanitizer *privacy.Sanitizer
	metrics   *metrics.Registry
}

// New creates a recorder. A nil store disables it.
func New(s store.Store, enabled bool, sanitizer *privacy.Sanitizer, reg *metrics.Registry) *Recorder {
	if sanitizer == nil {
		sanitizer = privacy.New(privacy.ModeMaskedRaw)
	}
	if reg == nil {
		reg = metrics.Default()
	}
	return &Recorder{store: s, enabled: enabled && s != nil, sanitizer: sanitizer, metrics: reg}
}

// Enabled reports whether writes reach the store.
func (r *Recorder) Enabled() bool { return r.enabled }

// Sanitizer returns the PII sanitizer applied before writes.
func (r *Recorder) Sanitizer() *privacy.Sanitizer { return r.sanitizer }

func (r *Recorder) failed(table store.Table, key string, err error) {
	r.metrics.Inc("chat_state_write_errors_total", metrics.Labels{"table": string(table)})
	log.Warn().Err(err).Str("table", string(table)).Str("key", key).Msg("Chat state write failed")
}

// writeCtx detaches the write from request cancellation but bounds it.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// UpsertSession writes the conversation's session row.
func (r *Recorder) UpsertSession(ctx context.Context, s *models.SessionState) bool {
	if !r.enabled {
		return false
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.UpsertSession(wctx, s); err != nil {
		r.failed(store.TableSessions, s.ConversationID, err)
		return false
	}
	return true
}

// Session returns the session row, or nil when disabled, missing or unreadable.
func (r *Recorder) Session(ctx context.Context, conversationID string) *models.SessionState {
	if !r.enabled {
		return nil
	}
	s, err := r.store.GetSession(ctx, conversationID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Chat session read failed")
		}
		return nil
	}
	return s
}

// AppendTurn sanitizes payload into e.Payload and appends the event.
func (r *Recorder) AppendTurn(ctx context.Context, e *models.TurnEvent, payload map[string]interface{}) bool {
	if !r.enabled {
		return false
	}
	e.Payload = r.encode(payload)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.AppendTurnEvent(wctx, e); err != nil {
		r.failed(store.TableTurns, e.ConversationID, err)
		return false
	}
	return true
}

// AppendAudit sanitizes metadata into a.Metadata and appends the audit row.
func (r *Recorder) AppendAudit(ctx context.Context, a *models.ActionAudit, metadata map[string]interface{}) bool {
	if !r.enabled {
		return false
	}
	a.Metadata = r.encode(metadata)
	if a.TenantID == "" {
		a.TenantID = "default"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.AppendActionAudit(wctx, a); err != nil {
		r.failed(store.TableAudits, a.ConversationID, err)
		return false
	}
	return true
}

// Turns lists the latest turn events of a conversation, oldest first.
func (r *Recorder) Turns(ctx context.Context, conversationID string, limit int) []models.TurnEvent {
	if !r.enabled {
		return nil
	}
	out, err := r.store.ListTurnEvents(ctx, conversationID, limit)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Chat turn read failed")
		return nil
	}
	return out
}

// Audits lists audit rows, newest first.
func (r *Recorder) Audits(ctx context.Context, filter store.AuditFilter) []models.ActionAudit {
	if !r.enabled {
		return nil
	}
	out, err := r.store.ListActionAudits(ctx, filter)
	if err != nil {
		log.Warn().Err(err).Msg("Chat audit read failed")
		return nil
	}
	return out
}

func (r *Recorder) encode(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(r.sanitizer.Payload(m))
	if err != nil {
		log.Warn().Err(err).Msg("Chat state payload encode failed")
		return "{}"
	}
	return string(data)
}
