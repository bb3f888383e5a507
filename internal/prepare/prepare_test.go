package prepare_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/enhance"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/prepare"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

func newBuilder(t *testing.T) (*prepare.Builder, *enhance.Engine) {
	t.Helper()
	kv := cache.NewMemory()
	t.Cleanup(func() { kv.Close() })
	cfg := config.NewHolder(&config.Config{
		Retrieval: config.RetrievalConfig{TopK: 50, TimeBudgetMs: 800},
		Enhance:   config.EnhanceConfig{CacheTTLSec: 600},
	})
	reg := metrics.NewRegistry()
	e := enhance.New(kv, cfg, reg)
	b := prepare.New(analyzer.New(), e, cfg, reg)
	b.SetClock(func() time.Time { return time.UnixMilli(1_700_000_000_123) })
	return b, e
}

func TestBuild_FieldedQuery(t *testing.T) {
	b, _ := newBuilder(t)
	qc, err := b.Build(context.Background(), `author:"Han Kang" vegetarian year:2007`, "en")
	require.NoError(t, err)

	assert.Equal(t, models.QCMeta{SchemaVersion: "qc.v1.1", TimestampMs: 1_700_000_000_123}, qc.Meta)
	assert.Equal(t, qc.Query.Norm, qc.Query.Final)
	assert.Equal(t, models.FinalSourceNorm, qc.Query.FinalSource)
	assert.Equal(t, "vegetarian", qc.Understanding.ResidualText)

	want := models.RetrievalHints{
		Strategy:     prepare.StrategyHybrid,
		TopK:         50,
		TimeBudgetMs: 800,
		Boost:        map[string]float64{"author": 3.0},
		Filters:      map[string]string{"year": "2007"},
	}
	if diff := cmp.Diff(want, qc.RetrievalHints); diff != "" {
		t.Errorf("RetrievalHints mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ISBNHints(t *testing.T) {
	b, _ := newBuilder(t)
	qc, err := b.Build(context.Background(), "ISBN 978-0-306-40615-7 전자책 2권", "ko-KR")
	require.NoError(t, err)

	assert.True(t, qc.Detected.IsISBN)
	assert.True(t, qc.Detected.HasVolume)
	assert.Equal(t, prepare.StrategyISBN, qc.RetrievalHints.Strategy)
	assert.Equal(t, 5, qc.RetrievalHints.TopK)
	assert.Equal(t, map[string]float64{"isbn": 3.0}, qc.RetrievalHints.Boost)
	assert.Equal(t, "2", qc.RetrievalHints.Filters["volume"])
}

func TestBuild_UsesCachedEnhancement(t *testing.T) {
	b, e := newBuilder(t)
	ctx := context.Background()

	first, err := b.Build(ctx, "harry pottre", "en")
	require.NoError(t, err)

	req := &models.EnhanceRequest{QNorm: first.Query.Norm, CanonicalKey: first.Query.CanonicalKey, Reason: models.ReasonHighOOV}
	e.StoreResult(ctx, req, &models.EnhanceResult{
		Decision:   models.DecisionRun,
		Strategy:   models.StrategySpellThenRewrite,
		Spell:      models.SpellOutcome{Applied: true, Corrected: "harry potter", Method: "dictionary", Confidence: 0.9},
		FinalQuery: "harry potter",
	})

	qc, err := b.Build(ctx, "harry   pottre", "en")
	require.NoError(t, err)
	assert.Equal(t, "harry potter", qc.Query.Final)
	assert.Equal(t, models.FinalSourceSpell, qc.Query.FinalSource)
	assert.True(t, qc.Spell.Applied)
	assert.False(t, qc.Rewrite.Applied)
}

func TestBuild_EmptyQuery(t *testing.T) {
	b, _ := newBuilder(t)
	_, err := b.Build(context.Background(), " \t ", "en")
	if !errors.Is(err, analyzer.ErrEmptyQuery) {
		t.Fatalf("Build() error = %v, want ErrEmptyQuery", err)
	}
}
