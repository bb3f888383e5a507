// Package prepare builds the qc.v1.1 query context returned by
// /query/prepare: analysis, fielded understanding, retrieval hints and the
// final query, taken from a cached enhancement when one exists.
package prepare

import (
	"context"
	"strconv"
	"time"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/enhance"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/telemetry"
	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Retrieval strategies suggested to the search backend.
const (
	StrategyHybrid  = "hybrid"
	StrategyISBN    = "isbn_exact"
	StrategyChosung = "chosung_prefix"
)

const isbnTopK = 5

// Field boosts in preference order; later fields get the last weight.
var boostWeights = []float64{3.0, 2.0, 1.5, 1.2}

// Builder assembles query contexts.
type Builder struct {
	analyzer *analyzer.Analyzer
	engine   *enhance.Engine
	cfg      *config.Holder
	metrics  *metrics.Registry
	now      func() time.Time
}

// New creates a builder. engine may be nil, in which case final is always
// the normalized query.
func New(a *analyzer.Analyzer, engine *enhance.Engine, cfg *config.Holder, reg *metrics.Registry) *Builder {
	if reg == nil {
		reg = metrics.Default()
	}
	return &Builder{analyzer: a, engine: engine, cfg: cfg, metrics: reg, now: time.Now}
}

// SetClock replaces the clock used for meta.timestampMs.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build analyzes raw and returns its query context. Analyzer errors
// (analyzer.ErrEmptyQuery, analyzer.ErrInvalidQuery) are returned as is.
func (b *Builder) Build(ctx context.Context, raw, locale string) (*models.QueryContext, error) {
	ctx, span := telemetry.Tracer("prepare").Start(ctx, "query.prepare")
	defer span.End()

	an, err := b.analyzer.Analyze(raw, locale)
	if err != nil {
		b.metrics.Inc("query_prepare_total", metrics.Labels{"result": err.Error()})
		return nil, err
	}
	u := understanding.Fielded(an)
	det := an.Detected()
	cfg := b.cfg.Get()

	qc := &models.QueryContext{
		Meta: models.QCMeta{SchemaVersion: models.SchemaVersion, TimestampMs: b.now().UnixMilli()},
		Query: models.QCQuery{
			Raw:          an.Raw,
			NFKC:         an.NFKC,
			Norm:         an.Norm,
			Tokens:       an.Tokens,
			Mode:         an.Mode,
			CanonicalKey: an.CanonicalKey,
			Final:        an.Norm,
			FinalSource:  models.FinalSourceNorm,
		},
		Detected: models.QCDetected{
			Mode:      det.Mode,
			IsISBN:    det.IsISBN,
			HasVolume: det.HasVolume,
			Lang:      det.Lang,
		},
		Understanding: models.QCUnderstanding{
			Entities:        u.Entities,
			PreferredFields: u.PreferredFields,
			ResidualText:    u.ResidualText,
			Filters:         u.Filters,
		},
		RetrievalHints: hints(an, u, cfg.Retrieval),
	}

	if b.engine != nil {
		if res, ok := b.engine.LatestResult(ctx, an.CanonicalKey); ok {
			applyEnhancement(qc, res)
		}
	}
	b.metrics.Inc("query_prepare_total", metrics.Labels{"result": "ok", "final_source": qc.Query.FinalSource})
	return qc, nil
}

func applyEnhancement(qc *models.QueryContext, res *models.EnhanceResult) {
	qc.Spell = models.QCSpell{
		Applied:    res.Spell.Applied,
		Corrected:  res.Spell.Corrected,
		Method:     res.Spell.Method,
		Confidence: res.Spell.Confidence,
	}
	qc.Rewrite = models.QCRewrite{
		Applied:   res.Rewrite.Applied,
		Rewritten: res.Rewrite.Rewritten,
		Method:    res.Rewrite.Method,
		Notes:     res.Rewrite.Notes,
	}
	switch {
	case res.Rewrite.Applied:
		qc.Query.Final, qc.Query.FinalSource = res.Rewrite.Rewritten, models.FinalSourceRewrite
	case res.Spell.Applied:
		qc.Query.Final, qc.Query.FinalSource = res.Spell.Corrected, models.FinalSourceSpell
	}
}

func hints(an *models.Analysis, u *models.Understanding, cfg config.RetrievalConfig) models.RetrievalHints {
	h := models.RetrievalHints{
		Strategy:     StrategyHybrid,
		TopK:         cfg.TopK,
		TimeBudgetMs: cfg.TimeBudgetMs,
		Boost:        map[string]float64{},
		Filters:      map[string]string{},
	}
	switch an.Mode {
	case models.ModeISBN:
		h.Strategy = StrategyISBN
		h.TopK = min(h.TopK, isbnTopK)
	case models.ModeChosung:
		h.Strategy = StrategyChosung
	}
	for i, f := range u.PreferredFields {
		h.Boost[f] = boostWeights[min(i, len(boostWeights)-1)]
	}
	for k, v := range u.Filters {
		h.Filters[k] = v
	}
	if an.Volume != nil {
		h.Filters["volume"] = strconv.Itoa(*an.Volume)
	}
	return h
}
