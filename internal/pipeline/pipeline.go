// Package pipeline runs an enhancement invocation end to end: decide, spell,
// rewrite, guard, journal, cache.
//
// SPELL_THEN_REWRITE feeds the accepted correction (else the original) into
// rewrite. Every provider call gets the budget left over from
// latency_budget_ms. A call that outlives that budget is journaled as
// *_ERROR_TIMEOUT. Identical RUN requests share one invocation that no
// single caller owns; it is cancelled when the last caller goes away, and
// then nothing is journaled or cached and the cooldown is released.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/agentoven/agentoven/query-gateway/internal/enhance"
	"github.com/agentoven/agentoven/query-gateway/internal/guardrails"
	"github.com/agentoven/agentoven/query-gateway/internal/journal"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
	"github.com/agentoven/agentoven/query-gateway/internal/providers"
	"github.com/agentoven/agentoven/query-gateway/internal/spell"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

type providerSet struct {
	spell   contracts.SpellProvider
	rewrite contracts.RewriteProvider
}

// Pipeline is safe for concurrent use. Providers can be swapped on config reload.
type Pipeline struct {
	engine  *enhance.Engine
	spell   *spell.Generator
	journal *journal.Journal
	metrics *metrics.Registry
	now     func() time.Time

	provs    atomic.Pointer[providerSet]
	inflight singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one shared invocation and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// errAbandoned reaches callers that joined an invocation every other caller
// walked away from. They decide again.
var errAbandoned = errors.New("pipeline: invocation abandoned")

const maxAttempts = 3

// New wires a pipeline. j may be nil to disable journaling.
func New(engine *enhance.Engine, gen *spell.Generator, j *journal.Journal, reg *metrics.Registry) *Pipeline {
	if reg == nil {
		reg = metrics.Default()
	}
	p := &Pipeline{
		engine:  engine,
		spell:   gen,
		journal: j,
		metrics: reg,
		now:     time.Now,
		flights: make(map[string]*flight),
	}
	p.SetProviders(providers.NewMock(""), providers.NewMock(""))
	return p
}

// SetProviders installs the spell and rewrite providers used by new invocations.
func (p *Pipeline) SetProviders(sp contracts.SpellProvider, rp contracts.RewriteProvider) {
	p.provs.Store(&providerSet{spell: sp, rewrite: rp})
}

// Providers returns the current spell and rewrite providers.
func (p *Pipeline) Providers() (contracts.SpellProvider, contracts.RewriteProvider) {
	ps := p.provs.Load()
	return ps.spell, ps.rewrite
}

// Engine returns the decision engine.
func (p *Pipeline) Engine() *enhance.Engine { return p.engine }

// Run decides for req and, on RUN, executes the strategy. Every caller gets
// its own decision. RUN requests with the same canonical key, reason,
// strategy and latency budget share one execution, and each caller waits on
// its own ctx.
func (p *Pipeline) Run(ctx context.Context, req *models.EnhanceRequest) (*models.EnhanceResult, error) {
	start := p.now()
	for attempt := 1; ; attempt++ {
		res, err := p.dispatch(ctx, req, p.engine.Decide(ctx, req), start)
		if !errors.Is(err, errAbandoned) {
			return res, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == maxAttempts {
			return nil, err
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, req *models.EnhanceRequest, d *models.EnhanceDecision, start time.Time) (*models.EnhanceResult, error) {
	if d.Cached != nil {
		res := *d.Cached
		res.Cache = d.Cache
		return &res, nil
	}
	if d.Decision == models.DecisionSkip {
		return p.finish(req, d, NewMachine(), unenhanced(req, d), start)
	}

	key := flightKey(req, d)
	f := p.join(ctx, key, !d.Repeat)
	if f == nil {
		// Granted to an identical request that is not running here.
		p.metrics.Inc("enhance_repeat_total", nil)
		return p.finish(req, d, NewMachine(), unenhanced(req, d), start)
	}

	ch := p.inflight.DoChan(key, func() (interface{}, error) {
		return p.execute(f.ctx, req, d, start)
	})
	select {
	case r := <-ch:
		p.leave(key, f)
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			p.metrics.Inc("enhance_singleflight_shared_total", nil)
		}
		return cloneResult(r.Val.(*models.EnhanceResult)), nil
	case <-ctx.Done():
		if p.leave(key, f) {
			<-ch
		}
		return nil, ctx.Err()
	}
}

func flightKey(req *models.EnhanceRequest, d *models.EnhanceDecision) string {
	return enhance.CanonicalKey(req) + "|" + req.Reason + "|" + string(d.Strategy) + "|" +
		strconv.Itoa(req.Signals.LatencyBudgetMs)
}

// join registers a waiter on the flight for key, starting one when create
// is set. The flight's context keeps ctx's values but not its cancellation.
func (p *Pipeline) join(ctx context.Context, key string, create bool) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flights[key]
	if !ok {
		if !create {
			return nil
		}
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		p.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out cancels the flight and reports true.
func (p *Pipeline) leave(key string, f *flight) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if p.flights[key] == f {
		delete(p.flights, key)
	}
	f.cancel()
	return true
}

func cloneResult(v *models.EnhanceResult) *models.EnhanceResult {
	res := *v
	res.ReasonCodes = append([]string(nil), res.ReasonCodes...)
	if res.Debug != nil {
		debug := make(map[string]interface{}, len(res.Debug))
		for k, val := range res.Debug {
			debug[k] = val
		}
		res.Debug = debug
	}
	return &res
}

func unenhanced(req *models.EnhanceRequest, d *models.EnhanceDecision) *models.EnhanceResult {
	return &models.EnhanceResult{
		Decision:    d.Decision,
		Strategy:    d.Strategy,
		ReasonCodes: append([]string(nil), d.ReasonCodes...),
		Cache:       d.Cache,
		Spell:       models.SpellOutcome{Corrected: req.QNorm},
		Rewrite:     models.RewriteOutcome{Rewritten: req.QNorm},
		FinalQuery:  req.QNorm,
	}
}

// Replay re-runs a journaled failure with the current providers.
func (p *Pipeline) Replay(ctx context.Context, id string) (*models.ReplayResult, error) {
	if p.journal == nil {
		return nil, errors.New("pipeline: journal disabled")
	}
	sp, rp := p.Providers()
	return p.journal.Replay(ctx, id, sp, rp)
}

// execution is the per-invocation state.
type execution struct {
	p        *Pipeline
	req      *models.EnhanceRequest
	m        *Machine
	res      *models.EnhanceResult
	deadline time.Time
	sp       contracts.SpellProvider
	rp       contracts.RewriteProvider
}

// execute runs the strategy on the flight's context. A run cancelled
// because every caller left releases its grant and stores nothing.
func (p *Pipeline) execute(ctx context.Context, req *models.EnhanceRequest, d *models.EnhanceDecision, start time.Time) (*models.EnhanceResult, error) {
	m := NewMachine()
	res := unenhanced(req, d)
	sp, rp := p.Providers()
	ex := &execution{
		p:        p,
		req:      req,
		m:        m,
		res:      res,
		deadline: start.Add(time.Duration(req.Signals.LatencyBudgetMs) * time.Millisecond),
		sp:       sp,
		rp:       rp,
	}

	err := ex.stages(ctx, d.Strategy)
	if err != nil && ctx.Err() != nil {
		p.engine.Release(context.WithoutCancel(ctx), req)
		p.metrics.Inc("enhance_abandoned_total", nil)
		return nil, errAbandoned
	}
	if err != nil {
		return nil, err
	}

	switch {
	case res.Rewrite.Applied:
		res.FinalQuery = res.Rewrite.Rewritten
	case res.Spell.Applied:
		res.FinalQuery = res.Spell.Corrected
	}
	p.engine.StoreResult(ctx, req, res)
	return p.finish(req, d, m, res, start)
}

func (ex *execution) stages(ctx context.Context, strategy models.Strategy) error {
	text := ex.req.QNorm
	if strategy.Spell() {
		out, err := ex.spellStage(ctx)
		if err != nil {
			return err
		}
		text = out
	}
	if strategy.Rewrite() {
		return ex.rewriteStage(ctx, text)
	}
	return nil
}

// finish moves m to LOGGED and attaches the debug trail.
func (p *Pipeline) finish(req *models.EnhanceRequest, d *models.EnhanceDecision, m *Machine, res *models.EnhanceResult, start time.Time) (*models.EnhanceResult, error) {
	if err := m.To(StateLogged); err != nil {
		return nil, err
	}
	res.Debug = map[string]interface{}{
		"states":     m.History(),
		"elapsed_ms": p.now().Sub(start).Milliseconds(),
	}
	log.Debug().
		Str("canonical_key", enhance.CanonicalKey(req)).
		Str("decision", string(d.Decision)).
		Str("strategy", string(d.Strategy)).
		Str("states", m.String()).
		Strs("reason_codes", res.ReasonCodes).
		Msg("Enhancement finished")
	return res, nil
}

// callContext bounds a provider call by what is left of the budget. An
// exhausted budget yields an already-expired context so the provider fails
// fast with a timeout.
func (ex *execution) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	remaining := ex.deadline.Sub(ex.p.now())
	return context.WithTimeout(ctx, max(remaining, 0))
}

// ── Spell ────────────────────────────────────────────────────

// spellStage accepts a dictionary hit without calling the provider.
// Otherwise the provider's correction joins the local candidates and the
// best-ranked one that passes the guardrail wins. Keyboard candidates only
// count when a dictionary vouches for them.
func (ex *execution) spellStage(ctx context.Context) (string, error) {
	q := ex.req.QNorm
	if err := ex.m.To(StateSpellInFlight); err != nil {
		return "", err
	}

	gen := ex.p.spell
	if gen != nil {
		if best, ok := spell.Best(gen.Candidates(q)); ok && best.Source == models.SourceDictionary &&
			guardrails.CheckSpell(q, best.Text).Passed {
			return ex.acceptSpell(best.Text, string(models.SourceDictionary), best.Score)
		}
	}

	callCtx, cancel := ex.callContext(ctx)
	r, err := ex.sp.Correct(callCtx, q, ex.req.Locale)
	cancel()
	if err != nil {
		return q, ex.stageError(ctx, journal.StageSpell, q, nil, err)
	}

	proposed := models.SpellCandidate{Text: r.Text, Source: models.SourceProvider, Score: r.Confidence}
	if gen != nil && gen.Enabled() {
		trustKeyboard := gen.Dictionary().Len() > 0
		for _, c := range gen.Candidates(q, proposed) {
			if c.Source == models.SourceKeyboard && !trustKeyboard {
				continue
			}
			if !guardrails.CheckSpell(q, c.Text).Passed {
				continue
			}
			method := string(c.Source)
			if c.Source == models.SourceProvider {
				method = r.Provider
			}
			return ex.acceptSpell(c.Text, method, c.Score)
		}
	}

	verdict := guardrails.CheckSpell(q, r.Text)
	if verdict.Passed {
		return ex.acceptSpell(r.Text, r.Provider, r.Confidence)
	}
	ex.res.ReasonCodes = append(ex.res.ReasonCodes, models.CodeSpellRejected)
	ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": journal.StageSpell, "outcome": "rejected"})
	ex.record(models.FailureSpellRejected, verdict.Reason, verdict.Message,
		journal.Payload(journal.StageSpell, q, ex.req, nil, r, nil))
	return q, ex.m.To(StateSpellRejected)
}

func (ex *execution) acceptSpell(corrected, method string, conf float64) (string, error) {
	ex.res.Spell = models.SpellOutcome{Applied: true, Corrected: corrected, Method: method, Confidence: conf}
	ex.res.ReasonCodes = append(ex.res.ReasonCodes, models.CodeSpellApplied)
	ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": journal.StageSpell, "outcome": "applied"})
	return corrected, ex.m.To(StateSpellAccepted)
}

// ── Rewrite ──────────────────────────────────────────────────

func (ex *execution) rewriteStage(ctx context.Context, text string) error {
	if err := ex.m.To(StateRewriteInFlight); err != nil {
		return err
	}
	rc := models.RewriteContext{
		Locale:   ex.req.Locale,
		Reason:   ex.req.Reason,
		Mode:     string(ex.req.Detected.Mode),
		Original: ex.req.QNorm,
	}

	callCtx, cancel := ex.callContext(ctx)
	r, err := ex.rp.Rewrite(callCtx, text, rc)
	cancel()
	if err != nil {
		return ex.stageError(ctx, journal.StageRewrite, text, &rc, err)
	}

	verdict := guardrails.CheckRewrite(text, r.Text)
	if !verdict.Passed {
		ex.res.ReasonCodes = append(ex.res.ReasonCodes, models.CodeRewriteReject)
		ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": journal.StageRewrite, "outcome": "rejected"})
		ex.record(models.FailureRewriteRejected, verdict.Reason, verdict.Message,
			journal.Payload(journal.StageRewrite, text, ex.req, &rc, r, nil))
		return ex.m.To(StateRejected)
	}

	notes, _ := r.Debug["notes"].(string)
	ex.res.Rewrite = models.RewriteOutcome{
		Applied:    true,
		Rewritten:  r.Text,
		Method:     r.Provider,
		Confidence: r.Confidence,
		Notes:      notes,
	}
	ex.res.ReasonCodes = append(ex.res.ReasonCodes, models.CodeRewriteApplied)
	ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": journal.StageRewrite, "outcome": "applied"})
	return ex.m.To(StateAccepted)
}

// ── Errors ───────────────────────────────────────────────────

// stageError classifies a provider error. It returns a non-nil error only
// when the caller went away; everything else becomes a reason code, a
// journal entry and an error state.
func (ex *execution) stageError(ctx context.Context, stage, input string, rc *models.RewriteContext, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	errState := StateError
	timeoutCode, providerCode := models.CodeRewriteErrorTimeout, models.CodeRewriteErrorProvider
	if stage == journal.StageSpell {
		errState = StateSpellError
		timeoutCode, providerCode = models.CodeSpellErrorTimeout, models.CodeSpellErrorProvider
	}

	if errors.Is(err, providers.ErrDisabled) {
		ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": stage, "outcome": "disabled"})
		return ex.m.To(errState)
	}

	code, errorCode := providerCode, providerErrorCode(err)
	if providers.IsTimeout(err) {
		code, errorCode = timeoutCode, "timeout"
	}
	ex.res.ReasonCodes = append(ex.res.ReasonCodes, code)
	ex.p.metrics.Inc("enhance_stage_total", metrics.Labels{"stage": stage, "outcome": "error"})
	log.Warn().Err(err).
		Str("stage", stage).
		Str("request_id", ex.req.RequestID).
		Str("code", code).
		Msg("Enhancement provider call failed")

	ex.record(code, errorCode, privacy.Redact(err.Error()),
		journal.Payload(stage, input, ex.req, rc, nil, err))
	return ex.m.To(errState)
}

func providerErrorCode(err error) string {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return "status_" + strconv.Itoa(se.Status)
	}
	var de *providers.DecodeError
	if errors.As(err, &de) {
		return "decode"
	}
	return "provider_error"
}

func (ex *execution) record(tag, code, message string, payload []byte) {
	ex.p.metrics.Inc("rewrite_failure_total", metrics.Labels{"failure_tag": tag})
	if ex.p.journal == nil {
		return
	}
	req := ex.req
	ex.p.journal.Record(&models.RewriteFailure{
		RequestID:     req.RequestID,
		TraceID:       req.TraceID,
		CanonicalKey:  enhance.CanonicalKey(req),
		QRaw:          req.QRaw,
		QNorm:         req.QNorm,
		Reason:        req.Reason,
		Decision:      ex.res.Decision,
		Strategy:      ex.res.Strategy,
		FailureTag:    tag,
		ErrorCode:     code,
		ErrorMessage:  message,
		ReplayPayload: payload,
	})
}
