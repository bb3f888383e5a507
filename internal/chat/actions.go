package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/chat/action"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/engine"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Reason codes set by the confirmation flow.
const (
	ReasonActionExecuted  = "ACTION:EXECUTED"
	ReasonActionDeclined  = "ACTION:DECLINED"
	ReasonActionReconfirm = "ACTION:AWAITING_CONFIRMATION"
	ReasonPendingExpired  = "PENDING_EXPIRED"
)

var askTexts = map[string]string{
	"NEED_AUTH:USER_LOGIN": "주문 정보를 확인하려면 먼저 로그인해 주세요.",
	"NEED_SLOT:ORDER_REF":  "어떤 주문인지 주문번호를 알려 주세요.",
}

func askText(reason string) string {
	if text, ok := askTexts[reason]; ok {
		return text
	}
	return "요청을 처리하려면 정보가 조금 더 필요해요."
}

func authContext(m Meta) string {
	switch {
	case m.AdminID != "":
		return "admin"
	case m.UserID == "":
		return "anonymous"
	}
	return "user"
}

func (s *Service) audit(ctx context.Context, t *turn, d *models.ActionDraft, state models.ActionState, decision, result, reason string) {
	row := &models.ActionAudit{
		ConversationID: t.convID,
		ActionType:     d.ActionType,
		ActionState:    state,
		Decision:       decision,
		Result:         result,
		ActorUserID:    d.AuditFields.ActorUserID,
		ActorAdminID:   t.meta.AdminID,
		TargetRef:      targetRef(d),
		AuthContext:    authContext(t.meta),
		TraceID:        t.meta.TraceID,
		RequestID:      t.meta.RequestID,
		ReasonCode:     reason,
		IdempotencyKey: d.IdempotencyKey,
		TenantID:       t.meta.TenantID,
	}
	s.state.AppendAudit(ctx, row, map[string]interface{}{
		"args":       d.Args,
		"expires_at": d.ExpiresAt,
		"dry_run":    d.DryRun,
	})
}

func targetRef(d *models.ActionDraft) string {
	for _, k := range []string{"order_id", "order_no"} {
		switch v := d.Args[k].(type) {
		case nil:
			continue
		case float64:
			// Drafts read back from the KV carry JSON numbers.
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// draftAction builds, validates and parks a write-sensitive action until
// the user confirms it.
func (s *Service) draftAction(ctx context.Context, t *turn) {
	actionType := string(t.u.Intent)
	ttl := time.Duration(s.cfg.Get().Chat.ConfirmTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	id := action.Identity{
		UserID:         t.meta.UserID,
		TenantID:       t.meta.TenantID,
		ConversationID: t.convID,
		TraceID:        t.meta.TraceID,
		RequestID:      t.meta.RequestID,
	}
	draft, err := action.Build(actionType, action.ArgsFor(actionType, t.u.Slots), id, ttl, s.now())
	if err != nil {
		log.Warn().Err(err).Str("action_type", actionType).Msg("Action draft failed")
		t.resp.Route = models.RouteAsk
		t.resp.ReasonCode = models.ActionUnknownType
		t.resp.Answer.Content = askText("")
		return
	}

	if v := action.Validate(draft); !v.OK {
		s.audit(ctx, t, draft, models.ActionDrafted, models.AuditDeny, "invalid", v.ReasonCode)
		t.resp.Route = models.RouteAsk
		t.resp.ReasonCode = v.ReasonCode
		t.resp.Answer.Content = "주문번호 형식을 다시 확인해 주세요."
		return
	}

	if err := s.sessions.PutPending(ctx, t.convID, draft); err != nil {
		log.Warn().Err(err).Str("conversation_id", t.convID).Msg("Pending action write failed")
		t.resp.Status = models.StatusFallback
		t.resp.Answer.Content = engine.FallbackAnswer
		return
	}
	s.audit(ctx, t, draft, models.ActionDrafted, models.AuditAllow, "awaiting_confirmation", t.resp.ReasonCode)
	s.metrics.Inc("chat_action_drafts_total", metrics.Labels{"action_type": actionType})

	t.resp.Action = draft
	t.resp.Answer.Content = confirmText(draft)
}

func confirmText(d *models.ActionDraft) string {
	ref := targetRef(d)
	switch d.ActionType {
	case string(models.IntentOrderCancel):
		return fmt.Sprintf("주문 %s을(를) 취소할까요? 진행하려면 '네', 그만두려면 '아니요'라고 답해 주세요.", ref)
	case string(models.IntentRefundCreate):
		return fmt.Sprintf("주문 %s의 환불을 신청할까요? 진행하려면 '네', 그만두려면 '아니요'라고 답해 주세요.", ref)
	}
	return "이대로 진행할까요?"
}

// confirmPending resolves the pending action with the user's reply.
func (s *Service) confirmPending(ctx context.Context, t *turn, p *models.PendingAction) {
	d := &p.Draft
	t.resp.Action = d

	switch understanding.Confirmation(t.text) {
	case understanding.AnswerYes:
		if v := action.Validate(d); !v.OK {
			s.clearPending(ctx, t)
			s.audit(ctx, t, d, models.ActionDrafted, models.AuditDeny, "invalid", v.ReasonCode)
			t.resp.Route = models.RouteAsk
			t.resp.ReasonCode = v.ReasonCode
			t.resp.Answer.Content = "요청 정보가 올바르지 않아 진행하지 못했어요. 처음부터 다시 요청해 주세요."
			return
		}
		s.clearPending(ctx, t)
		s.audit(ctx, t, d, models.ActionExecuted, models.AuditAllow, "accepted", ReasonActionExecuted)
		s.metrics.Inc("chat_action_confirmed_total", metrics.Labels{"action_type": d.ActionType})
		log.Info().
			Str("action_type", d.ActionType).
			Str("idempotency_key", d.IdempotencyKey).
			Str("trace_id", t.meta.TraceID).
			Msg("✅ Chat action confirmed")
		t.resp.Route = models.RouteAnswer
		t.resp.ReasonCode = ReasonActionExecuted
		t.resp.Answer.Content = "요청을 접수했어요. 처리 결과는 주문 내역에서 확인하실 수 있어요."

	case understanding.AnswerNo:
		s.clearPending(ctx, t)
		s.audit(ctx, t, d, models.ActionRolledBack, models.AuditDeny, "declined", ReasonActionDeclined)
		t.resp.Route = models.RouteAnswer
		t.resp.ReasonCode = ReasonActionDeclined
		t.resp.Answer.Content = "알겠어요. 요청을 진행하지 않았어요."

	default:
		t.resp.ReasonCode = ReasonActionReconfirm
		t.resp.Answer.Content = confirmText(d)
	}
}

func (s *Service) expirePending(ctx context.Context, t *turn, p *models.PendingAction) {
	s.clearPending(ctx, t)
	s.audit(ctx, t, &p.Draft, models.ActionDrafted, models.AuditDeny, "expired", ReasonPendingExpired)
	t.resp.Answer.Content = "확인 시간이 지나 요청이 취소되었어요. 필요하시면 다시 요청해 주세요."
}

func (s *Service) clearPending(ctx context.Context, t *turn) {
	if err := s.sessions.ClearPending(ctx, t.convID); err != nil {
		log.Warn().Err(err).Str("conversation_id", t.convID).Msg("Pending action clear failed")
	}
}

var policyTopics = map[models.Intent]string{
	models.IntentRefundPolicy:   "refund",
	models.IntentShippingPolicy: "shipping",
}

// answerPolicy answers deterministic policy questions from the policy documents.
func (s *Service) answerPolicy(t *turn) {
	doc, ok := engine.PolicyDoc(policyTopics[t.u.Intent])
	if !ok {
		t.resp.Status = models.StatusInsufficientEvidence
		t.resp.Answer.Content = engine.NoEvidenceAnswer
		return
	}
	t.resp.Answer.Content = doc.Snippet
	t.resp.Sources = []models.Source{doc}
	t.resp.Citations = []string{doc.DocID}
}

var referenceOptions = map[string][]string{
	"ORDER":  {"가장 최근 주문", "배송 중인 주문", "주문번호 직접 입력"},
	"REFUND": {"진행 중인 환불", "환불 가능한 주문", "주문번호 직접 입력"},
	"BOOK":   {"방금 추천받은 책", "최근 본 책", "제목 직접 입력"},
}

// offerOptions asks which item a reference points at and remembers the offer.
func (s *Service) offerOptions(ctx context.Context, t *turn, reason string) {
	domain := reason[strings.LastIndex(reason, ":")+1:]
	options := referenceOptions[domain]
	sel := &models.SelectionState{Domain: domain, Options: options}
	if err := s.sessions.PutSelection(ctx, t.convID, sel); err != nil {
		log.Warn().Err(err).Str("conversation_id", t.convID).Msg("Selection write failed")
	}
	t.resp.Options = options
	t.resp.Answer.Content = "어떤 것을 말씀하시는 건가요? 아래에서 골라 주세요."
}
