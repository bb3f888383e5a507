// Package engine implements the two chat engines behind the rollout
// controller: the legacy RAG service over HTTP and the agent engine over an
// OpenAI-compatible LLM gateway.
//
// Upstream trouble is reported in EngineResult (status error plus a
// retryable reason code) rather than as a Go error, so the rollout gate can
// count it and the chat service can degrade to a fallback answer.
package engine

import (
	"context"
	"errors"
	"net"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Placeholder answers.
const (
	FallbackAnswer      = "죄송합니다. 지금은 답변을 준비하지 못했어요. 잠시 후 다시 시도해 주세요."
	NoEvidenceAnswer    = "관련 근거를 찾지 못했어요. 질문을 조금 더 구체적으로 알려 주세요."
	NotConfiguredAnswer = "검색 기반 답변이 아직 설정되지 않았어요."
)

func failure(reason string) *models.EngineResult {
	return &models.EngineResult{Answer: FallbackAnswer, Status: models.StatusError, ReasonCode: reason}
}

// isTimeout reports whether err or ctx says the call ran out of time.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Normalize fills status defaults: an ok result with an empty answer becomes
// insufficient_evidence.
func Normalize(res *models.EngineResult) *models.EngineResult {
	if res.Sources == nil {
		res.Sources = []models.Source{}
	}
	if res.Citations == nil {
		res.Citations = []string{}
	}
	if res.Status == "" {
		res.Status = models.StatusOK
	}
	if res.Status == models.StatusOK && res.Answer == "" {
		res.Status = models.StatusInsufficientEvidence
		res.ReasonCode = models.ReasonNoEvidence
		res.Answer = NoEvidenceAnswer
	}
	return res
}
