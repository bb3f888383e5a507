package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the query-context contract version returned by /query/prepare.
const SchemaVersion = "qc.v1.1"

// ── Query Analysis ───────────────────────────────────────────

type QueryMode string

const (
	ModeNormal  QueryMode = "normal"
	ModeISBN    QueryMode = "isbn"
	ModeChosung QueryMode = "chosung"
	ModeMixed   QueryMode = "mixed"
)

// Language is the detected script-level language of a query.
type Language struct {
	Detected   string  `json:"detected"`
	Confidence float64 `json:"confidence"`
}

// Confidence holds the need scores the analyzer assigns to each enhancement stage.
type Confidence struct {
	NeedSpell   float64 `json:"need_spell"`
	NeedRewrite float64 `json:"need_rewrite"`
	NeedRerank  float64 `json:"need_rerank"`
}

// Analysis is the normalized form of a raw user query.
type Analysis struct {
	Raw          string     `json:"raw"`
	NFKC         string     `json:"nfkc"`
	Norm         string     `json:"norm"`
	NoSpace      string     `json:"nospace"`
	Tokens       []string   `json:"tokens"`
	Locale       string     `json:"locale"`
	Language     Language   `json:"language"`
	Mode         QueryMode  `json:"mode"`
	ISBN         string     `json:"isbn,omitempty"`
	Volume       *int       `json:"volume,omitempty"`
	SeriesHint   string     `json:"series_hint,omitempty"`
	CanonicalKey string     `json:"canonical_key"`
	Confidence   Confidence `json:"confidence"`
}

// HasVolume reports whether a volume number was extracted.
func (a *Analysis) HasVolume() bool { return a.Volume != nil }

// Detected derives the detection summary used by the enhancement engine.
func (a *Analysis) Detected() Detected {
	return Detected{
		Mode:      a.Mode,
		IsISBN:    a.ISBN != "",
		HasVolume: a.HasVolume(),
		Lang:      a.Language.Detected,
	}
}

// Understanding is the fielded view of a query: predicates, filters and residual text.
type Understanding struct {
	QueryText       string              `json:"query_text"`
	Intent          Intent              `json:"intent"`
	Slots           map[string]string   `json:"slots"`
	Entities        map[string][]string `json:"entities"`
	ResidualText    string              `json:"residual_text"`
	PreferredFields []string            `json:"preferred_fields"`
	Filters         map[string]string   `json:"filters"`
}

// ── Enhancement ──────────────────────────────────────────────

type Decision string

const (
	DecisionRun  Decision = "RUN"
	DecisionSkip Decision = "SKIP"
)

type Strategy string

const (
	StrategyNone             Strategy = "NONE"
	StrategySpellOnly        Strategy = "SPELL_ONLY"
	StrategyRewriteOnly      Strategy = "REWRITE_ONLY"
	StrategySpellThenRewrite Strategy = "SPELL_THEN_REWRITE"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyNone, StrategySpellOnly, StrategyRewriteOnly, StrategySpellThenRewrite:
		return true
	}
	return false
}

// Spell reports whether the strategy includes a spell step.
func (s Strategy) Spell() bool {
	return s == StrategySpellOnly || s == StrategySpellThenRewrite
}

// Rewrite reports whether the strategy includes a rewrite step.
func (s Strategy) Rewrite() bool {
	return s == StrategyRewriteOnly || s == StrategySpellThenRewrite
}

// Originating reasons a caller may send to /query/enhance.
const (
	ReasonZeroResults   = "ZERO_RESULTS"
	ReasonLowConfidence = "LOW_CONFIDENCE"
	ReasonHighOOV       = "HIGH_OOV"
	ReasonRequested     = "REQUESTED"
)

// Decision and outcome reason codes.
const (
	CodeISBNQuery      = "ISBN_QUERY"
	CodeLowBudget      = "LOW_BUDGET"
	CodeDenyCacheHit   = "DENY_CACHE_HIT"
	CodeRateLimit      = "RATE_LIMIT"
	CodeEnhanceHit     = "ENHANCE_CACHE_HIT"
	CodeSpellApplied   = "SPELL_APPLIED"
	CodeSpellRejected  = "SPELL_REJECTED"
	CodeRewriteApplied = "REWRITE_APPLIED"
	CodeRewriteReject  = "REWRITE_REJECTED"

	CodeSpellErrorTimeout    = "SPELL_ERROR_TIMEOUT"
	CodeSpellErrorProvider   = "SPELL_ERROR_PROVIDER"
	CodeRewriteErrorTimeout  = "REWRITE_ERROR_TIMEOUT"
	CodeRewriteErrorProvider = "REWRITE_ERROR_PROVIDER"
)

// Detected is the caller-supplied summary of analyzer output.
type Detected struct {
	Mode      QueryMode `json:"mode"`
	IsISBN    bool      `json:"is_isbn"`
	HasVolume bool      `json:"has_volume"`
	Lang      string    `json:"lang"`
}

// Signals carry retrieval-side measurements that motivated an enhancement request.
type Signals struct {
	LatencyBudgetMs   int      `json:"latency_budget_ms"`
	ScoreGap          float64  `json:"score_gap,omitempty"`
	ResultCount       int      `json:"result_count,omitempty"`
	OOVRatio          float64  `json:"oov_ratio,omitempty"`
	RequestedStrategy Strategy `json:"requested_strategy,omitempty"`
}

// EnhanceRequest is the input to the enhancement decision engine and pipeline.
type EnhanceRequest struct {
	RequestID    string   `json:"request_id"`
	TraceID      string   `json:"trace_id"`
	QRaw         string   `json:"q_raw,omitempty"`
	QNorm        string   `json:"q_norm" validate:"required"`
	QNoSpace     string   `json:"q_nospace"`
	CanonicalKey string   `json:"canonical_key,omitempty"`
	Locale       string   `json:"locale,omitempty"`
	Detected     Detected `json:"detected"`
	Reason       string   `json:"reason" validate:"required"`
	Signals      Signals  `json:"signals"`
}

// CacheFlags report which caches short-circuited a decision.
type CacheFlags struct {
	EnhanceHit bool `json:"enhance_hit"`
	DenyHit    bool `json:"deny_hit"`
}

// EnhanceDecision is the engine's verdict for one request.
type EnhanceDecision struct {
	Decision    Decision       `json:"decision"`
	Strategy    Strategy       `json:"strategy"`
	ReasonCodes []string       `json:"reason_codes"`
	Cache       CacheFlags     `json:"cache"`
	Cached      *EnhanceResult `json:"-"`
	// Repeat marks a RUN granted earlier to an identical request whose
	// result is not stored yet.
	Repeat bool `json:"-"`
}

// SpellOutcome is the spell portion of an enhancement result.
type SpellOutcome struct {
	Applied    bool    `json:"applied"`
	Corrected  string  `json:"corrected"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

// RewriteOutcome is the rewrite portion of an enhancement result.
type RewriteOutcome struct {
	Applied    bool    `json:"applied"`
	Rewritten  string  `json:"rewritten"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes,omitempty"`
}

// EnhanceResult is the full response of an enhancement invocation.
type EnhanceResult struct {
	Decision    Decision               `json:"decision"`
	Strategy    Strategy               `json:"strategy"`
	ReasonCodes []string               `json:"reason_codes"`
	Spell       SpellOutcome           `json:"spell"`
	Rewrite     RewriteOutcome         `json:"rewrite"`
	Cache       CacheFlags             `json:"cache"`
	FinalQuery  string                 `json:"final_query,omitempty"`
	Debug       map[string]interface{} `json:"debug,omitempty"`
}

// ── Spell Candidates ─────────────────────────────────────────

type CandidateSource string

const (
	SourceDictionary CandidateSource = "dictionary"
	SourceKeyboard   CandidateSource = "keyboard"
	SourceProvider   CandidateSource = "provider"
	SourceModel      CandidateSource = "model"
)

// Priority orders sources when edit distances tie. Lower wins.
func (s CandidateSource) Priority() int {
	switch s {
	case SourceDictionary:
		return 0
	case SourceKeyboard:
		return 1
	case SourceProvider:
		return 2
	default:
		return 3
	}
}

type SpellCandidate struct {
	Text     string          `json:"text"`
	Source   CandidateSource `json:"source"`
	Score    float64         `json:"score"`
	Distance int             `json:"distance"`
}

// ── Providers ────────────────────────────────────────────────

// ProviderResult is what a spell or rewrite provider returns.
type ProviderResult struct {
	Text       string                 `json:"text"`
	Confidence float64                `json:"confidence"`
	Provider   string                 `json:"provider"`
	Debug      map[string]interface{} `json:"debug,omitempty"`
}

// RewriteContext is passed to rewrite providers alongside the text.
type RewriteContext struct {
	Locale   string   `json:"locale,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Original string   `json:"original,omitempty"`
	Hints    []string `json:"hints,omitempty"`
}

// ── Failure Journal ──────────────────────────────────────────

// Failure tags written to the rewrite failure journal.
const (
	FailureSpellRejected        = "SPELL_REJECTED"
	FailureSpellErrorTimeout    = CodeSpellErrorTimeout
	FailureSpellErrorProvider   = CodeSpellErrorProvider
	FailureRewriteRejected      = "REWRITE_REJECTED"
	FailureRewriteErrorTimeout  = CodeRewriteErrorTimeout
	FailureRewriteErrorProvider = CodeRewriteErrorProvider
)

// RewriteFailure is one append-only row of query_rewrite_log.
type RewriteFailure struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	TraceID       string          `json:"trace_id"`
	CanonicalKey  string          `json:"canonical_key"`
	QRaw          string          `json:"q_raw"`
	QNorm         string          `json:"q_norm"`
	Reason        string          `json:"reason"`
	Decision      Decision        `json:"decision"`
	Strategy      Strategy        `json:"strategy"`
	FailureTag    string          `json:"failure_tag"`
	ErrorCode     string          `json:"error_code"`
	ErrorMessage  string          `json:"error_message"`
	ReplayPayload json.RawMessage `json:"replay_payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReplayPayload is the structure stored in RewriteFailure.ReplayPayload.
type ReplayPayload struct {
	Stage            string                 `json:"stage"`
	Input            string                 `json:"input"`
	Locale           string                 `json:"locale,omitempty"`
	Context          *RewriteContext        `json:"context,omitempty"`
	Provider         string                 `json:"provider,omitempty"`
	ProviderResponse map[string]interface{} `json:"provider_response,omitempty"`
	Request          *EnhanceRequest        `json:"request,omitempty"`
}

// FailureFilter narrows a journal listing.
type FailureFilter struct {
	Reason string
	Since  time.Time
	Limit  int
}

// ReplayResult reports the outcome of re-running a journaled failure.
type ReplayResult struct {
	FailureID string  `json:"failure_id"`
	Stage     string  `json:"stage"`
	Input     string  `json:"input"`
	Output    string  `json:"output"`
	Provider  string  `json:"provider"`
	Accepted  bool    `json:"accepted"`
	Reject    string  `json:"reject_reason,omitempty"`
	Error     string  `json:"error,omitempty"`
	Score     float64 `json:"confidence"`
}
