// Package enhance decides whether a query deserves spell correction or a
// rewrite, within latency budget, deny cache, cooldown and rate limits.
//
// Decision order, first terminal step wins:
//
//	ISBN query          → SKIP ISBN_QUERY
//	strategy NONE       → SKIP with the reason, no state touched
//	cached RUN result   → replay it (enhance_hit)
//	deny cache hit      → SKIP DENY_CACHE_HIT (deny_hit)
//	budget too low      → SKIP LOW_BUDGET, set deny
//	RUN already granted → repeat that decision, no counters touched
//	global/query limit  → SKIP RATE_LIMIT, set deny
//	cooldown held       → SKIP RATE_LIMIT, set deny
//	otherwise           → RUN with a strategy derived from the reason
//
// All shared state lives in the KV so decisions are linearizable across
// gateway replicas.
package enhance

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

const (
	perQueryWindow = time.Hour

	// Zero-result queries up to this many tokens get a spell pass first.
	shortQueryTokens = 3
)

// Engine makes enhancement decisions.
type Engine struct {
	kv      cache.KV
	cfg     *config.Holder
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates an engine reading thresholds from cfg on every call.
func New(kv cache.KV, cfg *config.Holder, reg *metrics.Registry) *Engine {
	if reg == nil {
		reg = metrics.Default()
	}
	return &Engine{kv: kv, cfg: cfg, metrics: reg, now: time.Now}
}

// SetClock replaces the wall clock used for window keys.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CanonicalKey returns the request's canonical key, deriving one from the
// normalized text when the caller did not send it.
func CanonicalKey(req *models.EnhanceRequest) string {
	if req.CanonicalKey != "" {
		return req.CanonicalKey
	}
	return analyzer.CanonicalKey(req.QNorm, req.Detected.Mode, req.Locale, nil, "", "")
}

func denyKey(ck string) string           { return "enh:deny:" + ck }
func resultKey(ck, reason string) string { return "enh:res:" + ck + ":" + reason }
func grantKey(ck, reason string) string  { return "enh:grant:" + ck + ":" + reason }
func cooldownKey(ck, reason string) string {
	return "enh:cooldown:" + ck + ":" + reason
}
func queryKey(ck string) string { return "enh:rl:q:" + ck }
func windowKey(now time.Time, windowSec int) string {
	return "enh:rl:w:" + strconv.FormatInt(now.Unix()/int64(windowSec), 10)
}

// Decide returns the verdict for req.
func (e *Engine) Decide(ctx context.Context, req *models.EnhanceRequest) *models.EnhanceDecision {
	d := e.decide(ctx, req)
	first := ""
	if len(d.ReasonCodes) > 0 {
		first = d.ReasonCodes[0]
	}
	if d.Cache.EnhanceHit {
		first = models.CodeEnhanceHit
	}
	e.metrics.Inc("enhance_decision_total", metrics.Labels{"decision": string(d.Decision), "reason_code": first})
	return d
}

func (e *Engine) decide(ctx context.Context, req *models.EnhanceRequest) *models.EnhanceDecision {
	cfg := e.cfg.Get().Enhance
	ck := CanonicalKey(req)
	cooldown := time.Duration(cfg.CooldownSec) * time.Second

	if req.Detected.IsISBN {
		return skip(models.CodeISBNQuery)
	}
	strategy := Strategy(req)
	if strategy == models.StrategyNone {
		return skip(req.Reason)
	}

	if cached, ok := e.CachedResult(ctx, ck, req.Reason); ok {
		cached.Cache = models.CacheFlags{EnhanceHit: true}
		return &models.EnhanceDecision{
			Decision:    cached.Decision,
			Strategy:    cached.Strategy,
			ReasonCodes: cached.ReasonCodes,
			Cache:       cached.Cache,
			Cached:      cached,
		}
	}

	var denied bool
	if ok, err := e.kv.GetJSON(ctx, denyKey(ck), &denied); err != nil {
		log.Warn().Err(err).Str("canonical_key", ck).Msg("Deny cache read failed")
	} else if ok {
		d := skip(models.CodeDenyCacheHit)
		d.Cache.DenyHit = true
		return d
	}

	if req.Signals.LatencyBudgetMs < cfg.MinLatencyBudgetMs {
		e.deny(ctx, ck, cooldown)
		return skip(models.CodeLowBudget)
	}

	var granted models.EnhanceDecision
	if ok, err := e.kv.GetJSON(ctx, grantKey(ck, req.Reason), &granted); err != nil {
		log.Warn().Err(err).Str("canonical_key", ck).Msg("Enhance grant read failed")
	} else if ok {
		granted.Repeat = true
		return &granted
	}

	if !e.withinLimits(ctx, ck, req.Reason, cfg) {
		e.deny(ctx, ck, cooldown)
		return skip(models.CodeRateLimit)
	}

	d := &models.EnhanceDecision{
		Decision:    models.DecisionRun,
		Strategy:    strategy,
		ReasonCodes: []string{req.Reason},
	}
	if err := e.kv.SetJSON(ctx, grantKey(ck, req.Reason), d, cooldown); err != nil {
		log.Warn().Err(err).Str("canonical_key", ck).Msg("Enhance grant write failed")
	}
	return d
}

// withinLimits applies the global window, the per-query hourly cap and the
// cooldown. Counter errors fail closed.
func (e *Engine) withinLimits(ctx context.Context, ck, reason string, cfg config.EnhanceConfig) bool {
	windowSec := max(cfg.WindowSec, 1)
	n, err := e.kv.Incr(ctx, windowKey(e.now(), windowSec), time.Duration(windowSec)*time.Second)
	if err != nil || n > int64(cfg.MaxPerWindow) {
		return false
	}
	n, err = e.kv.Incr(ctx, queryKey(ck), perQueryWindow)
	if err != nil || n > int64(cfg.MaxPerQueryPerHour) {
		return false
	}
	ok, err := e.kv.SetNX(ctx, cooldownKey(ck, reason), e.now().Unix(), time.Duration(cfg.CooldownSec)*time.Second)
	return err == nil && ok
}

func (e *Engine) deny(ctx context.Context, ck string, ttl time.Duration) {
	if err := e.kv.SetJSON(ctx, denyKey(ck), true, ttl); err != nil {
		log.Warn().Err(err).Str("canonical_key", ck).Msg("Deny cache write failed")
	}
}

// CachedResult returns the stored RUN result for (ck, reason).
func (e *Engine) CachedResult(ctx context.Context, ck, reason string) (*models.EnhanceResult, bool) {
	var res models.EnhanceResult
	ok, err := e.kv.GetJSON(ctx, resultKey(ck, reason), &res)
	if err != nil || !ok {
		return nil, false
	}
	return &res, true
}

// Release gives back the cooldown and grant taken by a RUN decision whose
// invocation was abandoned, so the next identical request runs afresh.
func (e *Engine) Release(ctx context.Context, req *models.EnhanceRequest) {
	ck := CanonicalKey(req)
	for _, key := range []string{grantKey(ck, req.Reason), cooldownKey(ck, req.Reason)} {
		if err := e.kv.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("canonical_key", ck).Msg("Enhance grant release failed")
		}
	}
}

// StoreResult caches a finished RUN result so repeated identical requests
// replay it.
func (e *Engine) StoreResult(ctx context.Context, req *models.EnhanceRequest, res *models.EnhanceResult) {
	ttl := time.Duration(e.cfg.Get().Enhance.CacheTTLSec) * time.Second
	stored := *res
	stored.Cache = models.CacheFlags{}
	stored.Debug = nil
	if err := e.kv.SetJSON(ctx, resultKey(CanonicalKey(req), req.Reason), &stored, ttl); err != nil {
		log.Warn().Err(err).Msg("Enhance result cache write failed")
	}
}

// LatestResult looks up any cached result for ck across the known reasons.
// /query/prepare uses it to fill query.final.
func (e *Engine) LatestResult(ctx context.Context, ck string) (*models.EnhanceResult, bool) {
	for _, reason := range []string{models.ReasonRequested, models.ReasonZeroResults, models.ReasonHighOOV, models.ReasonLowConfidence} {
		if res, ok := e.CachedResult(ctx, ck, reason); ok && res.FinalQuery != "" {
			return res, true
		}
	}
	return nil, false
}

// Reset clears deny, cooldown, grant, cached result and per-query counter for ck.
func (e *Engine) Reset(ctx context.Context, ck, reason string) error {
	for _, key := range []string{denyKey(ck), cooldownKey(ck, reason), grantKey(ck, reason), resultKey(ck, reason), queryKey(ck)} {
		if err := e.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Strategy maps the originating reason onto a strategy.
func Strategy(req *models.EnhanceRequest) models.Strategy {
	var s models.Strategy
	switch req.Reason {
	case models.ReasonHighOOV:
		s = models.StrategySpellThenRewrite
	case models.ReasonZeroResults:
		if len(strings.Fields(req.QNorm)) <= shortQueryTokens {
			s = models.StrategySpellThenRewrite
		} else {
			s = models.StrategyRewriteOnly
		}
	case models.ReasonLowConfidence:
		s = models.StrategyRewriteOnly
	case models.ReasonRequested:
		s = req.Signals.RequestedStrategy
		if !s.Valid() {
			s = models.StrategySpellThenRewrite
		}
	default:
		s = models.StrategyRewriteOnly
	}

	// Initial-consonant queries have nothing to spell-correct.
	if req.Detected.Mode == models.ModeChosung && s.Spell() {
		s = models.StrategyRewriteOnly
	}
	return s
}

func skip(code string) *models.EnhanceDecision {
	return &models.EnhanceDecision{
		Decision:    models.DecisionSkip,
		Strategy:    models.StrategyNone,
		ReasonCodes: []string{code},
	}
}
