// Package retention prunes chat state older than its per-table window.
//
// Retention windows (defaults):
//   - chat_session_state: 30 days
//   - chat_turn_event:    30 days
//   - chat_action_audit:  180 days
//
// A cycle either counts expired rows (dry run) or deletes them in batches.
// Every cycle writes one chat_action_audit row summarizing the counts.
// The query_rewrite_log is never pruned here.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ActionType marks retention rows in chat_action_audit.
const ActionType = "RETENTION"

// Audit reason codes.
const (
	ReasonDryRun  = "RETENTION:DRY_RUN"
	ReasonApplied = "RETENTION:APPLIED"
)

// DefaultDeleteBatchSize is used when the configured batch size is not positive.
const DefaultDeleteBatchSize = 500

// maxBatches bounds one table's deletes per cycle; the next cycle continues.
const maxBatches = 10000

// Policy is the retention window per table.
type Policy struct {
	SessionDays     int
	TurnDays        int
	AuditDays       int
	DeleteBatchSize int
}

// PolicyFromConfig reads the retention section of cfg.
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	return Policy{
		SessionDays:     cfg.SessionDays,
		TurnDays:        cfg.TurnDays,
		AuditDays:       cfg.AuditDays,
		DeleteBatchSize: cfg.DeleteBatchSize,
	}
}

func (p Policy) windows() []tableWindow {
	return []tableWindow{
		{store.TableSessions, p.SessionDays},
		{store.TableTurns, p.TurnDays},
		{store.TableAudits, p.AuditDays},
	}
}

type tableWindow struct {
	table store.Table
	days  int
}

// TableStats is what one cycle did to one table.
type TableStats struct {
	Table   store.Table `json:"table"`
	Days    int         `json:"retention_days"`
	Cutoff  time.Time   `json:"cutoff"`
	Matched int64       `json:"matched"`
	Deleted int64       `json:"deleted"`
	Batches int         `json:"batches"`
	Error   string      `json:"error,omitempty"`
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	DryRun   bool         `json:"dry_run"`
	Tables   []TableStats `json:"tables"`
	Elapsed  string       `json:"elapsed"`
	Errors   []error      `json:"-"`
	AuditRow bool         `json:"audit_written"`
}

// Totals sums matched and deleted rows across tables.
func (s *CycleStats) Totals() (matched, deleted int64) {
	for _, t := range s.Tables {
		matched += t.Matched
		deleted += t.Deleted
	}
	return matched, deleted
}

// Janitor periodically prunes expired chat state.
type Janitor struct {
	store    store.Store
	policy   Policy
	interval time.Duration
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewJanitor creates a new retention janitor that runs on the given interval.
func NewJanitor(s store.Store, policy Policy, interval time.Duration, reg *metrics.Registry) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if policy.DeleteBatchSize <= 0 {
		policy.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if reg == nil {
		reg = metrics.Default()
	}
	return &Janitor{store: s, policy: policy, interval: interval, metrics: reg, now: time.Now}
}

// SetClock overrides the time source.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Start runs the janitor until ctx is canceled. Cycles always apply deletes.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("session_days", j.policy.SessionDays).
		Int("turn_days", j.policy.TurnDays).
		Int("audit_days", j.policy.AuditDays).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx, false)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx, false)
		}
	}
}

// RunCycle performs one retention sweep. With dryRun it only counts.
func (j *Janitor) RunCycle(ctx context.Context, dryRun bool) *CycleStats {
	start := j.now()
	stats := &CycleStats{DryRun: dryRun}

	for _, w := range j.policy.windows() {
		if w.days <= 0 {
			continue
		}
		ts := j.processTable(ctx, w, start, dryRun)
		if ts.Error != "" {
			stats.Errors = append(stats.Errors, fmt.Errorf("retention %s: %s", w.table, ts.Error))
		}
		stats.Tables = append(stats.Tables, ts)
	}
	stats.Elapsed = time.Since(start).String()
	stats.AuditRow = j.writeAudit(ctx, stats)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	matched, deleted := stats.Totals()
	if matched > 0 || deleted > 0 {
		log.Info().
			Bool("dry_run", dryRun).
			Int64("matched", matched).
			Int64("deleted", deleted).
			Str("elapsed", stats.Elapsed).
			Msg("🧹 Retention cycle complete")
	}
	return stats
}

func (j *Janitor) processTable(ctx context.Context, w tableWindow, now time.Time, dryRun bool) TableStats {
	ts := TableStats{Table: w.table, Days: w.days, Cutoff: now.AddDate(0, 0, -w.days).UTC()}

	matched, err := j.store.CountOlderThan(ctx, w.table, ts.Cutoff)
	if err != nil {
		ts.Error = err.Error()
		return ts
	}
	ts.Matched = matched
	if dryRun || matched == 0 {
		return ts
	}

	for ts.Batches < maxBatches {
		n, err := j.store.DeleteOlderThan(ctx, w.table, ts.Cutoff, j.policy.DeleteBatchSize)
		if err != nil {
			ts.Error = err.Error()
			break
		}
		ts.Batches++
		ts.Deleted += n
		if n < int64(j.policy.DeleteBatchSize) {
			break
		}
	}
	j.metrics.Add("retention_deleted_rows_total", metrics.Labels{"table": string(w.table)}, float64(ts.Deleted))
	return ts
}

func (j *Janitor) writeAudit(ctx context.Context, stats *CycleStats) bool {
	reason := ReasonApplied
	if stats.DryRun {
		reason = ReasonDryRun
	}
	result := "ok"
	if len(stats.Errors) > 0 {
		result = "partial"
	}
	meta, err := json.Marshal(stats)
	if err != nil {
		meta = []byte("{}")
	}
	row := &models.ActionAudit{
		ActionType:     ActionType,
		ActionState:    models.ActionExecuted,
		Decision:       models.AuditAllow,
		Result:         result,
		ActorAdminID:   "retention-janitor",
		TargetRef:      "chat_state",
		AuthContext:    "system",
		ReasonCode:     reason,
		Metadata:       string(meta),
		TenantID:       "default",
		CreatedAt:      j.now().UTC(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.store.AppendActionAudit(wctx, row); err != nil {
		j.metrics.Inc("chat_state_write_errors_total", metrics.Labels{"table": string(store.TableAudits)})
		log.Warn().Err(err).Str("reason_code", reason).Msg("Retention audit write failed")
		return false
	}
	return true
}
