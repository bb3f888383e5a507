package models

import "time"

// ── Intents & Routes ─────────────────────────────────────────

type Intent string

const (
	IntentOrderCancel    Intent = "ORDER_CANCEL"
	IntentRefundCreate   Intent = "REFUND_CREATE"
	IntentOrderLookup    Intent = "ORDER_LOOKUP"
	IntentOrderStatus    Intent = "ORDER_STATUS"
	IntentRefundPolicy   Intent = "REFUND_POLICY"
	IntentShippingPolicy Intent = "SHIPPING_POLICY"
	IntentNone           Intent = "NONE"
)

// WriteSensitive reports whether the intent mutates user-owned state.
func (i Intent) WriteSensitive() bool {
	return i == IntentOrderCancel || i == IntentRefundCreate
}

type Route string

const (
	RouteInput   Route = "INPUT"
	RouteAsk     Route = "ASK"
	RouteConfirm Route = "CONFIRM"
	RouteOptions Route = "OPTIONS"
	RouteAnswer  Route = "ANSWER"
)

// Pending action states held in the KV.
const (
	PendingAwaitingConfirmation = "AWAITING_CONFIRMATION"
	PendingExpired              = "EXPIRED"
)

// PolicyInput is everything the chat policy engine looks at.
type PolicyInput struct {
	Understanding     *Understanding
	HasUser           bool
	HasPendingAction  bool
	PendingState      string
	IsReferenceQuery  bool
	HasSelectionState bool
}

// PolicyDecision is the policy engine's routing verdict.
type PolicyDecision struct {
	Route      Route  `json:"route"`
	ReasonCode string `json:"reason_code"`
}

// ── Action Protocol ──────────────────────────────────────────

type RiskLevel string

const (
	RiskLow            RiskLevel = "LOW"
	RiskWriteSensitive RiskLevel = "WRITE_SENSITIVE"
)

// AuditFields identify who drafted an action and in which request.
type AuditFields struct {
	ActorUserID    string `json:"actor_user_id"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	TraceID        string `json:"trace_id"`
	RequestID      string `json:"request_id"`
}

// ActionDraft is a write-sensitive operation awaiting confirmation.
type ActionDraft struct {
	ActionType           string                 `json:"action_type"`
	Args                 map[string]interface{} `json:"args"`
	RiskLevel            RiskLevel              `json:"risk_level"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	IdempotencyKey       string                 `json:"idempotency_key"`
	ExpiresAt            int64                  `json:"expires_at"`
	DryRun               bool                   `json:"dry_run"`
	CompensationHint     string                 `json:"compensation_hint,omitempty"`
	AuditFields          AuditFields            `json:"audit_fields"`
}

// Action validation reason codes.
const (
	ActionOK                  = "OK"
	ActionUnknownType         = "UNKNOWN_ACTION_TYPE"
	ActionBadSchema           = "BAD_ACTION_SCHEMA"
	ActionIdempotencyRequired = "IDEMPOTENCY_REQUIRED"
)

// PendingAction is the KV record of a drafted action.
type PendingAction struct {
	Draft     ActionDraft `json:"draft"`
	State     string      `json:"state"`
	CreatedAt int64       `json:"created_at"`
}

// SelectionState remembers the options last offered to the user.
type SelectionState struct {
	Domain    string   `json:"domain"`
	Options   []string `json:"options"`
	Selected  string   `json:"selected,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// ── Chat API ─────────────────────────────────────────────────

type ChatMessage struct {
	Role    string `json:"role" validate:"omitempty,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

type ChatContext struct {
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

type ChatOptions struct {
	TopK       int   `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	AllowTools *bool `json:"allow_tools,omitempty"`
	Debug      bool  `json:"debug,omitempty"`
}

type ChatRequest struct {
	Message ChatMessage   `json:"message"`
	History []ChatMessage `json:"history,omitempty" validate:"omitempty,max=50,dive"`
	Context *ChatContext  `json:"context,omitempty"`
	Options *ChatOptions  `json:"options,omitempty"`
}

// Chat response statuses. StatusError is only used between engines and the gate.
const (
	StatusOK                   = "ok"
	StatusInsufficientEvidence = "insufficient_evidence"
	StatusFallback             = "fallback"
	StatusError                = "error"
)

// Engine reason codes. The retryable ones count as gate failures.
const (
	ReasonProviderTimeout      = "PROVIDER_TIMEOUT"
	ReasonProviderError        = "PROVIDER_ERROR"
	ReasonRAGNoChunksRetryable = "RAG_NO_CHUNKS_RETRYABLE"
	ReasonToolRetryable        = "TOOL_RETRYABLE_FAILURE"
	ReasonLLMTimeout           = "LLM_TIMEOUT"
	ReasonUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	ReasonRAGNotConfigured     = "RAG_NOT_CONFIGURED"
	ReasonNoEvidence           = "NO_EVIDENCE"
)

type Source struct {
	DocID   string  `json:"doc_id"`
	ChunkID string  `json:"chunk_id,omitempty"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

type ChatResponse struct {
	Version    string         `json:"version"`
	TraceID    string         `json:"trace_id"`
	RequestID  string         `json:"request_id"`
	Answer     ChatMessage    `json:"answer"`
	Sources    []Source       `json:"sources"`
	Citations  []string       `json:"citations"`
	Status     string         `json:"status"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Route      Route          `json:"route,omitempty"`
	Action     *ActionDraft   `json:"action,omitempty"`
	Options    []string       `json:"options,omitempty"`
	Rollout    *RolloutResult `json:"rollout,omitempty"`
}

// EngineRequest is the input to a chat engine.
type EngineRequest struct {
	Query          string
	History        []ChatMessage
	ConversationID string
	UserID         string
	Locale         string
	TopK           int
	AllowTools     bool
	TraceID        string
	RequestID      string
}

// EngineResult is a chat engine's answer before it is shaped into a ChatResponse.
type EngineResult struct {
	Answer     string
	Sources    []Source
	Citations  []string
	Status     string
	ReasonCode string
}

// ── Rollout ──────────────────────────────────────────────────

type Engine string

const (
	EngineLegacy Engine = "legacy"
	EngineAgent  Engine = "agent"
)

type RolloutMode string

const (
	RolloutLegacy RolloutMode = "legacy"
	RolloutCanary RolloutMode = "canary"
	RolloutAgent  RolloutMode = "agent"
	RolloutShadow RolloutMode = "shadow"
)

// ParseRolloutMode maps a config string onto a mode, defaulting to legacy.
func ParseRolloutMode(s string) RolloutMode {
	switch RolloutMode(s) {
	case RolloutCanary, RolloutAgent, RolloutShadow:
		return RolloutMode(s)
	}
	return RolloutLegacy
}

// RolloutDecision is computed once per request and passed down by value.
type RolloutDecision struct {
	Mode            RolloutMode `json:"mode"`
	EffectiveEngine Engine      `json:"effective_engine"`
	ShadowEnabled   bool        `json:"shadow_enabled"`
	BucketHash      int         `json:"bucket_hash"`
	RollbackActive  bool        `json:"rollback_active"`
	RollbackReason  string      `json:"rollback_reason,omitempty"`
}

// RolloutResult is the debug echo of the decision on a chat response.
type RolloutResult struct {
	Engine Engine      `json:"engine"`
	Mode   RolloutMode `json:"mode"`
	Shadow bool        `json:"shadow"`
}

// GateWindow holds per-engine counters for the current window.
type GateWindow struct {
	Engine       Engine `json:"engine"`
	SampleCount  int64  `json:"sample_count"`
	FailureCount int64  `json:"failure_count"`
	FirstEventTs int64  `json:"first_event_ts"`
	LastEventTs  int64  `json:"last_event_ts"`
}

// FailureRatio returns failures/samples, or 0 when empty.
func (g GateWindow) FailureRatio() float64 {
	if g.SampleCount == 0 {
		return 0
	}
	return float64(g.FailureCount) / float64(g.SampleCount)
}

// RollbackState is the KV record of an active rollback.
type RollbackState struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
	SetAt  int64  `json:"set_at,omitempty"`
	Engine Engine `json:"engine,omitempty"`
}

// RolloutSnapshot is the admin view of rollout state.
type RolloutSnapshot struct {
	Mode                RolloutMode           `json:"mode"`
	CanaryPercent       int                   `json:"canary_percent"`
	AutoRollbackEnabled bool                  `json:"auto_rollback_enabled"`
	MinSamples          int                   `json:"min_samples"`
	FailRatioThreshold  float64               `json:"fail_ratio_threshold"`
	WindowSec           int                   `json:"window_sec"`
	RollbackCooldownSec int                   `json:"rollback_cooldown_sec"`
	Gate                map[Engine]GateWindow `json:"gate"`
	Rollback            RollbackState         `json:"rollback"`
}

// ── Chat State Rows ──────────────────────────────────────────

type SessionState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	TenantID       string    `json:"tenant_id"`
	LastIntent     string    `json:"last_intent"`
	FallbackCount  int       `json:"fallback_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type TurnEventType string

const (
	TurnReceived TurnEventType = "TURN_RECEIVED"
	TurnRouted   TurnEventType = "TURN_ROUTED"
	TurnAnswered TurnEventType = "TURN_ANSWERED"
	TurnFailed   TurnEventType = "TURN_FAILED"
)

type TurnEvent struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id"`
	EventType      TurnEventType `json:"event_type"`
	TraceID        string        `json:"trace_id"`
	RequestID      string        `json:"request_id"`
	Route          string        `json:"route,omitempty"`
	ReasonCode     string        `json:"reason_code,omitempty"`
	Payload        string        `json:"payload"`
	CreatedAt      time.Time     `json:"created_at"`
}

type ActionState string

const (
	ActionDrafted    ActionState = "DRAFTED"
	ActionExecuted   ActionState = "EXECUTED"
	ActionRolledBack ActionState = "ROLLED_BACK"
)

const (
	AuditAllow = "ALLOW"
	AuditDeny  = "DENY"
)

type ActionAudit struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	ActionType     string      `json:"action_type"`
	ActionState    ActionState `json:"action_state"`
	Decision       string      `json:"decision"`
	Result         string      `json:"result"`
	ActorUserID    string      `json:"actor_user_id"`
	ActorAdminID   string      `json:"actor_admin_id,omitempty"`
	TargetRef      string      `json:"target_ref"`
	AuthContext    string      `json:"auth_context"`
	TraceID        string      `json:"trace_id"`
	RequestID      string      `json:"request_id"`
	ReasonCode     string      `json:"reason_code"`
	IdempotencyKey string      `json:"idempotency_key"`
	Metadata       string      `json:"metadata"`
	TenantID       string      `json:"tenant_id"`
	CreatedAt      time.Time   `json:"created_at"`
}
