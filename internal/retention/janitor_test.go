package retention_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/retention"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	old := now.AddDate(0, 0, -40)
	fresh := now.AddDate(0, 0, -1)

	require.NoError(t, s.UpsertSession(ctx, &models.SessionState{ConversationID: "old", UpdatedAt: old}))
	require.NoError(t, s.UpsertSession(ctx, &models.SessionState{ConversationID: "new", UpdatedAt: fresh}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTurnEvent(ctx, &models.TurnEvent{ConversationID: "old", EventType: models.TurnReceived, CreatedAt: old}))
	}
	require.NoError(t, s.AppendTurnEvent(ctx, &models.TurnEvent{ConversationID: "new", EventType: models.TurnReceived, CreatedAt: fresh}))
	require.NoError(t, s.AppendActionAudit(ctx, &models.ActionAudit{ActionType: "ORDER_CANCEL", CreatedAt: old}))
}

func policy() retention.Policy {
	return retention.Policy{SessionDays: 30, TurnDays: 30, AuditDays: 180, DeleteBatchSize: 2}
}

func TestRunCycle_DryRunCountsOnly(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	seed(t, mem)

	j := retention.NewJanitor(mem, policy(), time.Hour, metrics.NewRegistry())
	j.SetClock(func() time.Time { return now })

	stats := j.RunCycle(context.Background(), true)
	require.Empty(t, stats.Errors)
	require.Len(t, stats.Tables, 3)
	assert.Equal(t, int64(1), stats.Tables[0].Matched)
	assert.Equal(t, int64(5), stats.Tables[1].Matched)
	assert.Equal(t, int64(0), stats.Tables[2].Matched, "audit window is 180 days")
	matched, deleted := stats.Totals()
	assert.Equal(t, int64(6), matched)
	assert.Zero(t, deleted)
	assert.True(t, stats.AuditRow)

	turns, err := mem.ListTurnEvents(context.Background(), "old", 100)
	require.NoError(t, err)
	assert.Len(t, turns, 5)

	audits, err := mem.ListActionAudits(context.Background(), store.AuditFilter{ActionType: retention.ActionType})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, retention.ReasonDryRun, audits[0].ReasonCode)
	assert.True(t, strings.Contains(audits[0].Metadata, `"matched":5`), audits[0].Metadata)
}

func TestRunCycle_DeletesInBatches(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	seed(t, mem)
	reg := metrics.NewRegistry()

	j := retention.NewJanitor(mem, policy(), time.Hour, reg)
	j.SetClock(func() time.Time { return now })

	stats := j.RunCycle(context.Background(), false)
	require.Empty(t, stats.Errors)
	turns := stats.Tables[1]
	assert.Equal(t, int64(5), turns.Deleted)
	assert.Equal(t, 3, turns.Batches)
	assert.Equal(t, 5.0, reg.Get("retention_deleted_rows_total", metrics.Labels{"table": "chat_turn_event"}))

	ctx := context.Background()
	_, err := mem.GetSession(ctx, "old")
	assert.True(t, store.IsNotFound(err))
	_, err = mem.GetSession(ctx, "new")
	assert.NoError(t, err)

	left, err := mem.CountOlderThan(ctx, store.TableTurns, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)

	audits, err := mem.ListActionAudits(ctx, store.AuditFilter{ActionType: retention.ActionType})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, retention.ReasonApplied, audits[0].ReasonCode)
}

func TestRunCycle_ZeroDaysSkipsTable(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	seed(t, mem)

	p := policy()
	p.TurnDays = 0
	j := retention.NewJanitor(mem, p, time.Hour, metrics.NewRegistry())
	j.SetClock(func() time.Time { return now })

	stats := j.RunCycle(context.Background(), false)
	for _, ts := range stats.Tables {
		assert.NotEqual(t, store.TableTurns, ts.Table)
	}
}
