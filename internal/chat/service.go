// Package chat orchestrates one chat turn: understanding, pending and
// selection lookup, policy routing, the action protocol, engine selection
// under rollout, and chat state recording.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/chat/engine"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/policy"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/rollout"
	"github.com/agentoven/agentoven/query-gateway/internal/chatstate"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/sessions"
	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ResponseVersion is the chat response schema version.
const ResponseVersion = "v1"

// Meta is the request identity taken from headers.
type Meta struct {
	TraceID   string
	RequestID string
	UserID    string
	TenantID  string
	// AdminID is set when an operator acts on the user's behalf.
	AdminID string
}

// Service answers chat turns.
type Service struct {
	cfg      *config.Holder
	sessions *sessions.Store
	rollout  *rollout.Controller
	engines  map[models.Engine]contracts.ChatEngine
	state    *chatstate.Recorder
	metrics  *metrics.Registry
	now      func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Config   *config.Holder
	Sessions *sessions.Store
	Rollout  *rollout.Controller
	Legacy   contracts.ChatEngine
	Agent    contracts.ChatEngine
	State    *chatstate.Recorder
	Metrics  *metrics.Registry
}

// NewService wires a chat service.
func NewService(d Deps) *Service {
	if d.Metrics == nil {
		d.Metrics = metrics.Default()
	}
	if d.State == nil {
		d.State = chatstate.New(nil, false, nil, d.Metrics)
	}
	return &Service{
		cfg:      d.Config,
		sessions: d.Sessions,
		rollout:  d.Rollout,
		engines: map[models.Engine]contracts.ChatEngine{
			models.EngineLegacy: d.Legacy,
			models.EngineAgent:  d.Agent,
		},
		state:   d.State,
		metrics: d.Metrics,
		now:     time.Now,
	}
}

// Rollout exposes the rollout controller for the admin endpoints.
func (s *Service) Rollout() *rollout.Controller { return s.rollout }

// turn carries everything one Chat call accumulates.
type turn struct {
	meta   Meta
	req    *models.ChatRequest
	convID string
	text   string
	u      *models.Understanding
	resp   *models.ChatResponse
}

// Chat answers one turn. Upstream failures become fallback answers; an
// error is returned only when ctx is cancelled.
func (s *Service) Chat(ctx context.Context, req *models.ChatRequest, meta Meta) (*models.ChatResponse, error) {
	if meta.TenantID == "" {
		meta.TenantID = "default"
	}
	t := &turn{
		meta:   meta,
		req:    req,
		convID: conversationID(req),
		text:   strings.TrimSpace(req.Message.Content),
		resp: &models.ChatResponse{
			Version:   ResponseVersion,
			TraceID:   meta.TraceID,
			RequestID: meta.RequestID,
			Answer:    models.ChatMessage{Role: "assistant"},
			Sources:   []models.Source{},
			Citations: []string{},
			Status:    models.StatusOK,
		},
	}
	turnID := uuid.New().String()
	s.event(ctx, t, turnID, models.TurnReceived, map[string]interface{}{"message_text": t.text})

	t.u = understanding.Understand(t.text)
	pending, err := s.sessions.GetPending(ctx, t.convID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", t.convID).Msg("Pending action read failed")
	}
	selection, err := s.sessions.GetSelection(ctx, t.convID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", t.convID).Msg("Selection read failed")
	}

	in := models.PolicyInput{
		Understanding:     t.u,
		HasUser:           meta.UserID != "",
		HasPendingAction:  pending != nil,
		IsReferenceQuery:  understanding.IsReference(t.text),
		HasSelectionState: selection != nil,
	}
	if pending != nil {
		in.PendingState = pending.State
	}
	decision := policy.Decide(in)
	t.resp.Route = decision.Route
	t.resp.ReasonCode = decision.ReasonCode
	s.metrics.Inc("chat_requests_total", metrics.Labels{"route": string(decision.Route)})
	s.event(ctx, t, turnID, models.TurnRouted, map[string]interface{}{"intent": string(t.u.Intent)})

	switch {
	case decision.Route == models.RouteInput:
		t.resp.Answer.Content = "메시지를 입력해 주세요."
	case decision.ReasonCode == policy.ReasonPendingExpired:
		s.expirePending(ctx, t, pending)
	case decision.ReasonCode == policy.ReasonPendingAction:
		s.confirmPending(ctx, t, pending)
	case decision.Route == models.RouteConfirm:
		s.draftAction(ctx, t)
	case decision.Route == models.RouteAsk:
		t.resp.Answer.Content = askText(decision.ReasonCode)
	case decision.Route == models.RouteAnswer && strings.HasPrefix(decision.ReasonCode, "ROUTE:ANSWER:POLICY:"):
		s.answerPolicy(t)
	case decision.Route == models.RouteOptions:
		s.offerOptions(ctx, t, decision.ReasonCode)
	default:
		if err := s.answerWithEngine(ctx, t); err != nil {
			s.event(ctx, t, turnID, models.TurnFailed, map[string]interface{}{"error": err.Error()})
			return nil, err
		}
	}

	eventType := models.TurnAnswered
	if t.resp.Status == models.StatusFallback {
		eventType = models.TurnFailed
	}
	s.event(ctx, t, turnID, eventType, map[string]interface{}{
		"content": t.resp.Answer.Content,
		"status":  t.resp.Status,
	})
	s.touchSession(ctx, t)
	s.metrics.Inc("chat_responses_total", metrics.Labels{"status": t.resp.Status})
	return t.resp, nil
}

func conversationID(req *models.ChatRequest) string {
	if req.Context != nil && req.Context.ConversationID != "" {
		return req.Context.ConversationID
	}
	return uuid.New().String()
}

func (s *Service) event(ctx context.Context, t *turn, turnID string, typ models.TurnEventType, payload map[string]interface{}) {
	s.state.AppendTurn(ctx, &models.TurnEvent{
		ConversationID: t.convID,
		TurnID:         turnID,
		EventType:      typ,
		TraceID:        t.meta.TraceID,
		RequestID:      t.meta.RequestID,
		Route:          string(t.resp.Route),
		ReasonCode:     t.resp.ReasonCode,
	}, payload)
}

func (s *Service) touchSession(ctx context.Context, t *turn) {
	if !s.state.Enabled() {
		return
	}
	sess := s.state.Session(ctx, t.convID)
	if sess == nil {
		sess = &models.SessionState{ConversationID: t.convID}
	}
	sess.UserID = t.meta.UserID
	sess.TenantID = t.meta.TenantID
	if t.u != nil && t.u.Intent != models.IntentNone {
		sess.LastIntent = string(t.u.Intent)
	}
	if t.resp.Status == models.StatusFallback {
		sess.FallbackCount++
	}
	sess.UpdatedAt = s.now().UTC()
	s.state.UpsertSession(ctx, sess)
}

// ── Engine path ──────────────────────────────────────────────

func (s *Service) answerWithEngine(ctx context.Context, t *turn) error {
	sessionKey := ""
	if c := t.req.Context; c != nil {
		sessionKey = c.SessionID
		if sessionKey == "" {
			sessionKey = c.ConversationID
		}
	}
	d := s.rollout.Select(ctx, sessionKey, t.meta.UserID)

	er := models.EngineRequest{
		Query:          t.text,
		History:        t.req.History,
		ConversationID: t.convID,
		UserID:         t.meta.UserID,
		TopK:           s.cfg.Get().Retrieval.TopK,
		AllowTools:     true,
		TraceID:        t.meta.TraceID,
		RequestID:      t.meta.RequestID,
	}
	if c := t.req.Context; c != nil {
		er.Locale = c.Locale
	}
	if o := t.req.Options; o != nil {
		if o.TopK > 0 {
			er.TopK = o.TopK
		}
		if o.AllowTools != nil {
			er.AllowTools = *o.AllowTools
		}
	}

	var shadow *rollout.ShadowRun
	if d.ShadowEnabled && s.engines[models.EngineAgent] != nil {
		shadowReq := er
		shadowReq.AllowTools = false
		agent := s.engines[models.EngineAgent]
		shadow = s.rollout.StartShadow(ctx, func(sctx context.Context) (*models.EngineResult, error) {
			return agent.Answer(sctx, &shadowReq)
		})
	}

	res, err := s.run(ctx, d.EffectiveEngine, &er)
	if err != nil {
		if shadow != nil {
			shadow.Finish(rollout.Signature{Status: models.StatusError})
		}
		return err
	}
	if shadow != nil {
		shadow.Finish(rollout.SignatureOf(res, nil))
	}

	if _, err := s.rollout.Record(ctx, d.EffectiveEngine, res.Status, res.ReasonCode); err != nil {
		log.Warn().Err(err).Str("engine", string(d.EffectiveEngine)).Msg("Rollout gate update failed")
	}

	t.resp.Answer.Content = res.Answer
	t.resp.Sources = res.Sources
	t.resp.Citations = res.Citations
	t.resp.Status = res.Status
	if res.ReasonCode != "" {
		t.resp.ReasonCode = res.ReasonCode
	}
	if res.Status == models.StatusError || rollout.IsRetryable(res.ReasonCode) {
		t.resp.Status = models.StatusFallback
		if res.Answer == "" || res.Status == models.StatusError {
			t.resp.Answer.Content = engine.FallbackAnswer
		}
	}
	if t.req.Options != nil && t.req.Options.Debug {
		t.resp.Rollout = &models.RolloutResult{Engine: d.EffectiveEngine, Mode: d.Mode, Shadow: d.ShadowEnabled}
	}
	log.Debug().
		Str("engine", string(d.EffectiveEngine)).
		Str("mode", string(d.Mode)).
		Int("bucket", d.BucketHash).
		Str("status", t.resp.Status).
		Str("reason_code", t.resp.ReasonCode).
		Str("trace_id", t.meta.TraceID).
		Msg("Chat answered")
	return nil
}

// run calls the selected engine. Only a cancelled ctx is returned as an error.
func (s *Service) run(ctx context.Context, e models.Engine, er *models.EngineRequest) (*models.EngineResult, error) {
	eng := s.engines[e]
	if eng == nil {
		return &models.EngineResult{Status: models.StatusError, ReasonCode: models.ReasonUpstreamUnavailable}, nil
	}
	res, err := eng.Answer(ctx, er)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("engine", string(e)).Str("trace_id", er.TraceID).Msg("Chat engine failed")
		return &models.EngineResult{Status: models.StatusError, ReasonCode: models.ReasonProviderError}, nil
	}
	return engine.Normalize(res), nil
}
