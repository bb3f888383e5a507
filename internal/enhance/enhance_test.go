package enhance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/enhance"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

func testConfig() config.EnhanceConfig {
	return config.EnhanceConfig{
		MinLatencyBudgetMs: 200,
		CooldownSec:        60,
		WindowSec:          60,
		MaxPerWindow:       1000,
		MaxPerQueryPerHour: 30,
		CacheTTLSec:        600,
	}
}

func newEngine(t *testing.T, cfg config.EnhanceConfig) (*enhance.Engine, *metrics.Registry) {
	t.Helper()
	kv := cache.NewMemory()
	t.Cleanup(func() { kv.Close() })
	reg := metrics.NewRegistry()
	e := enhance.New(kv, config.NewHolder(&config.Config{Enhance: cfg}), reg)
	e.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return e, reg
}

func request(q, reason string, budget int) *models.EnhanceRequest {
	return &models.EnhanceRequest{
		RequestID: "r1",
		QNorm:     q,
		QNoSpace:  q,
		Locale:    "en",
		Detected:  models.Detected{Mode: models.ModeNormal, Lang: "en"},
		Reason:    reason,
		Signals:   models.Signals{LatencyBudgetMs: budget},
	}
}

func TestDecide_LowBudgetThenDenyCacheHit(t *testing.T) {
	e, reg := newEngine(t, testConfig())
	ctx := context.Background()

	first := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 50))
	assert.Equal(t, models.DecisionSkip, first.Decision)
	assert.Equal(t, []string{models.CodeLowBudget}, first.ReasonCodes)
	assert.False(t, first.Cache.DenyHit)

	second := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 50))
	assert.Equal(t, models.DecisionSkip, second.Decision)
	assert.Equal(t, []string{models.CodeDenyCacheHit}, second.ReasonCodes)
	assert.True(t, second.Cache.DenyHit)

	assert.Equal(t, 1.0, reg.Get("enhance_decision_total", metrics.Labels{"decision": "SKIP", "reason_code": "LOW_BUDGET"}))
	assert.Equal(t, 1.0, reg.Get("enhance_decision_total", metrics.Labels{"decision": "SKIP", "reason_code": "DENY_CACHE_HIT"}))
}

func TestDecide_ISBNSkips(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	req := request("9780306406157", models.ReasonZeroResults, 800)
	req.Detected.IsISBN = true

	d := e.Decide(context.Background(), req)
	assert.Equal(t, models.DecisionSkip, d.Decision)
	assert.Equal(t, []string{models.CodeISBNQuery}, d.ReasonCodes)
	assert.Equal(t, models.StrategyNone, d.Strategy)
}

func TestDecide_RunIsIdempotentWithinCooldown(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	ctx := context.Background()
	req := request("harry pottre", models.ReasonHighOOV, 800)

	first := e.Decide(ctx, req)
	require.Equal(t, models.DecisionRun, first.Decision)
	assert.Equal(t, models.StrategySpellThenRewrite, first.Strategy)
	assert.False(t, first.Cache.EnhanceHit)
	assert.False(t, first.Repeat)

	second := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 800))
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Strategy, second.Strategy)
	assert.Equal(t, first.ReasonCodes, second.ReasonCodes)
	assert.True(t, second.Repeat)
	assert.False(t, second.Cache.EnhanceHit, "nothing is cached until a run finishes")
	assert.Nil(t, second.Cached)

	e.StoreResult(ctx, req, &models.EnhanceResult{
		Decision:    models.DecisionRun,
		Strategy:    first.Strategy,
		ReasonCodes: []string{models.ReasonHighOOV, models.CodeSpellApplied},
		Spell:       models.SpellOutcome{Applied: true, Corrected: "harry potter"},
		FinalQuery:  "harry potter",
	})
	third := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 800))
	assert.True(t, third.Cache.EnhanceHit)
	require.NotNil(t, third.Cached)
	assert.Equal(t, "harry potter", third.Cached.FinalQuery)
}

func TestRelease_LetsNextRequestRunAgain(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	ctx := context.Background()
	req := request("harry pottre", models.ReasonHighOOV, 800)

	require.Equal(t, models.DecisionRun, e.Decide(ctx, req).Decision)
	e.Release(ctx, req)

	d := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 800))
	assert.Equal(t, models.DecisionRun, d.Decision)
	assert.False(t, d.Repeat, "a released grant is taken afresh")
}

func TestDecide_NoneStrategyLeavesLimitsUntouched(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerQueryPerHour = 1
	e, reg := newEngine(t, cfg)
	ctx := context.Background()

	none := request("harry pottre", models.ReasonRequested, 800)
	none.Signals.RequestedStrategy = models.StrategyNone
	for i := 0; i < 3; i++ {
		d := e.Decide(ctx, none)
		require.Equal(t, models.DecisionSkip, d.Decision)
		require.Equal(t, []string{models.ReasonRequested}, d.ReasonCodes)
	}

	spellOnly := request("harry pottre", models.ReasonRequested, 800)
	spellOnly.Signals.RequestedStrategy = models.StrategySpellOnly
	d := e.Decide(ctx, spellOnly)
	assert.Equal(t, models.DecisionRun, d.Decision, "NONE must not consume the per-query cap or the cooldown")
	assert.Equal(t, models.StrategySpellOnly, d.Strategy)
	assert.Equal(t, 3.0, reg.Get("enhance_decision_total", metrics.Labels{"decision": "SKIP", "reason_code": models.ReasonRequested}))
}

func TestDecide_PerQueryRateLimitSetsDeny(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerQueryPerHour = 1
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	d := e.Decide(ctx, request("토지", models.ReasonHighOOV, 800))
	require.Equal(t, models.DecisionRun, d.Decision)

	d = e.Decide(ctx, request("토지", models.ReasonLowConfidence, 800))
	assert.Equal(t, []string{models.CodeRateLimit}, d.ReasonCodes)

	d = e.Decide(ctx, request("토지", models.ReasonZeroResults, 800))
	assert.Equal(t, []string{models.CodeDenyCacheHit}, d.ReasonCodes)
}

func TestDecide_GlobalWindowLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerWindow = 1
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	assert.Equal(t, models.DecisionRun, e.Decide(ctx, request("first query", models.ReasonHighOOV, 800)).Decision)
	d := e.Decide(ctx, request("second query", models.ReasonHighOOV, 800))
	assert.Equal(t, []string{models.CodeRateLimit}, d.ReasonCodes)
}

func TestReset_ClearsDenyAndCooldown(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	ctx := context.Background()

	low := request("harry pottre", models.ReasonHighOOV, 50)
	require.Equal(t, []string{models.CodeLowBudget}, e.Decide(ctx, low).ReasonCodes)

	require.NoError(t, e.Reset(ctx, enhance.CanonicalKey(low), models.ReasonHighOOV))
	d := e.Decide(ctx, request("harry pottre", models.ReasonHighOOV, 800))
	assert.Equal(t, models.DecisionRun, d.Decision)
}

func TestStrategy(t *testing.T) {
	tests := []struct {
		name   string
		q      string
		reason string
		mode   models.QueryMode
		asked  models.Strategy
		want   models.Strategy
	}{
		{"high oov", "harry pottre", models.ReasonHighOOV, models.ModeNormal, "", models.StrategySpellThenRewrite},
		{"zero results short", "a b c", models.ReasonZeroResults, models.ModeNormal, "", models.StrategySpellThenRewrite},
		{"zero results long", "a b c d", models.ReasonZeroResults, models.ModeNormal, "", models.StrategyRewriteOnly},
		{"low confidence", "x", models.ReasonLowConfidence, models.ModeNormal, "", models.StrategyRewriteOnly},
		{"requested", "x", models.ReasonRequested, models.ModeNormal, models.StrategySpellOnly, models.StrategySpellOnly},
		{"requested default", "x", models.ReasonRequested, models.ModeNormal, "BOGUS", models.StrategySpellThenRewrite},
		{"chosung drops spell", "ㅎㄹㅍㅌ", models.ReasonHighOOV, models.ModeChosung, "", models.StrategyRewriteOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.q, tt.reason, 800)
			req.Detected.Mode = tt.mode
			req.Signals.RequestedStrategy = tt.asked
			if got := enhance.Strategy(req); got != tt.want {
				t.Errorf("Strategy() = %s, want %s", got, tt.want)
			}
		})
	}
}
