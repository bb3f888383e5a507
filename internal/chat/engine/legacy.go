package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentoven/agentoven/query-gateway/internal/telemetry"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Legacy calls the existing RAG chat service.
//
//	POST {url} {"query","history","conversation_id","user_id","locale","top_k"}
//	  → {"answer","sources","citations","status","reason_code"}
type Legacy struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewLegacy creates the legacy engine. An empty url leaves it unconfigured:
// every answer is insufficient_evidence with RAG_NOT_CONFIGURED.
func NewLegacy(url string, timeout time.Duration) *Legacy {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Legacy{url: strings.TrimRight(url, "/"), timeout: timeout, client: &http.Client{}}
}

func (l *Legacy) Name() models.Engine { return models.EngineLegacy }

type legacyRequest struct {
	Query          string               `json:"query"`
	History        []models.ChatMessage `json:"history,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	Locale         string               `json:"locale,omitempty"`
	TopK           int                  `json:"top_k,omitempty"`
}

type legacyResponse struct {
	Answer     string          `json:"answer"`
	Sources    []models.Source `json:"sources"`
	Citations  []string        `json:"citations"`
	Status     string          `json:"status"`
	ReasonCode string          `json:"reason_code"`
}

func (l *Legacy) Answer(ctx context.Context, req *models.EngineRequest) (*models.EngineResult, error) {
	if l.url == "" {
		return &models.EngineResult{
			Answer:     NotConfiguredAnswer,
			Sources:    []models.Source{},
			Citations:  []string{},
			Status:     models.StatusInsufficientEvidence,
			ReasonCode: models.ReasonRAGNotConfigured,
		}, nil
	}

	ctx, span := telemetry.Tracer("chat").Start(ctx, "chat.legacy")
	defer span.End()
	span.SetAttributes(attribute.String("chat.conversation_id", req.ConversationID))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(legacyRequest{
		Query:          req.Query,
		History:        req.History,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Locale:         req.Locale,
		TopK:           req.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("legacy: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("legacy: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-trace-id", req.TraceID)
	httpReq.Header.Set("x-request-id", req.RequestID)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(ctx, err) {
			return failure(models.ReasonProviderTimeout), nil
		}
		log.Warn().Err(err).Str("trace_id", req.TraceID).Msg("Legacy chat request failed")
		return failure(models.ReasonUpstreamUnavailable), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		span.SetStatus(codes.Error, resp.Status)
		log.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Str("trace_id", req.TraceID).
			Msg("Legacy chat returned an error status")
		if resp.StatusCode >= 500 {
			return failure(models.ReasonUpstreamUnavailable), nil
		}
		return failure(models.ReasonProviderError), nil
	}

	var lr legacyResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		span.RecordError(err)
		if isTimeout(ctx, err) {
			return failure(models.ReasonProviderTimeout), nil
		}
		return failure(models.ReasonProviderError), nil
	}
	span.SetAttributes(attribute.Int("chat.sources", len(lr.Sources)))
	return Normalize(&models.EngineResult{
		Answer:     lr.Answer,
		Sources:    lr.Sources,
		Citations:  lr.Citations,
		Status:     lr.Status,
		ReasonCode: lr.ReasonCode,
	}), nil
}
