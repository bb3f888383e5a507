package chatstate_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/chatstate"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) AppendTurnEvent(context.Context, *models.TurnEvent) error {
	return errors.New("disk full")
}

func TestRecorder_Disabled(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	r := chatstate.New(mem, false, nil, metrics.NewRegistry())

	ctx := context.Background()
	assert.False(t, r.Enabled())
	assert.False(t, r.UpsertSession(ctx, &models.SessionState{ConversationID: "c1"}))
	assert.False(t, r.AppendTurn(ctx, &models.TurnEvent{ConversationID: "c1"}, nil))
	assert.False(t, r.AppendAudit(ctx, &models.ActionAudit{ConversationID: "c1"}, nil))
	assert.Nil(t, r.Session(ctx, "c1"))
	assert.Nil(t, r.Turns(ctx, "c1", 10))

	_, err := mem.GetSession(ctx, "c1")
	assert.True(t, store.IsNotFound(err))
}

func TestRecorder_SanitizesPayloads(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	r := chatstate.New(mem, true, privacy.New(privacy.ModeHashSummary), metrics.NewRegistry())
	ctx := context.Background()

	ok := r.AppendTurn(ctx, &models.TurnEvent{ConversationID: "c1", EventType: models.TurnReceived}, map[string]interface{}{
		"message_text": "refund to kim@example.com please",
		"note":         "call 010-1234-5678",
	})
	require.True(t, ok)

	turns := r.Turns(ctx, "c1", 10)
	require.Len(t, turns, 1)
	p := turns[0].Payload
	assert.NotContains(t, p, "kim@example.com")
	assert.Contains(t, p, "[HASH:")
	assert.Contains(t, p, "[REDACTED:PHONE]")
	assert.False(t, turns[0].CreatedAt.IsZero())

	require.True(t, r.AppendAudit(ctx, &models.ActionAudit{ConversationID: "c1", ActionType: "ORDER_CANCEL"}, map[string]interface{}{"contact": "kim@example.com"}))
	audits := r.Audits(ctx, store.AuditFilter{ConversationID: "c1"})
	require.Len(t, audits, 1)
	assert.Equal(t, "default", audits[0].TenantID)
	assert.True(t, strings.Contains(audits[0].Metadata, "[REDACTED:EMAIL]"), audits[0].Metadata)
}

func TestRecorder_WriteErrorsAreCounted(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	reg := metrics.NewRegistry()
	r := chatstate.New(brokenStore{mem}, true, nil, reg)

	ok := r.AppendTurn(context.Background(), &models.TurnEvent{ConversationID: "c1"}, map[string]interface{}{"a": "b"})
	assert.False(t, ok)
	assert.Equal(t, 1.0, reg.Get("chat_state_write_errors_total", metrics.Labels{"table": "chat_turn_event"}))
}

func TestRecorder_SessionLastWriterWins(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	r := chatstate.New(mem, true, nil, metrics.NewRegistry())
	ctx := context.Background()

	require.True(t, r.UpsertSession(ctx, &models.SessionState{ConversationID: "c1", LastIntent: "ORDER_LOOKUP"}))
	require.True(t, r.UpsertSession(ctx, &models.SessionState{ConversationID: "c1", LastIntent: "REFUND_POLICY", FallbackCount: 1}))

	s := r.Session(ctx, "c1")
	require.NotNil(t, s)
	assert.Equal(t, "REFUND_POLICY", s.LastIntent)
	assert.Equal(t, 1, s.FallbackCount)
}
