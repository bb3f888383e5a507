package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentoven/agentoven/query-gateway/internal/telemetry"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

const agentSystemPrompt = `You are the customer assistant of an online bookstore.
Answer briefly in the user's language. Use the policy_lookup tool for refund,
return and shipping rules and never invent policy details. If you cannot
answer from the tools or the conversation, say so.`

// maxToolRounds bounds the tool loop of one answer.
const maxToolRounds = 2

// AgentConfig configures the agent engine.
type AgentConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Agent answers with an LLM behind an OpenAI-compatible gateway. With tools
// allowed it may consult the policy_lookup tool before answering.
type Agent struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewAgent creates the agent engine. Without a base URL or API key the
// engine is unconfigured and answers UPSTREAM_UNAVAILABLE.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	a := &Agent{model: cfg.Model, timeout: cfg.Timeout}
	if cfg.BaseURL == "" && cfg.APIKey == "" {
		return a
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{}
	a.client = openai.NewClientWithConfig(clientConfig)
	return a
}

func (a *Agent) Name() models.Engine { return models.EngineAgent }

// Configured reports whether an LLM client is available.
func (a *Agent) Configured() bool { return a.client != nil }

func (a *Agent) Answer(ctx context.Context, req *models.EngineRequest) (*models.EngineResult, error) {
	if a.client == nil {
		return failure(models.ReasonUpstreamUnavailable), nil
	}

	ctx, span := telemetry.Tracer("chat").Start(ctx, "chat.agent")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.model),
		attribute.Bool("chat.allow_tools", req.AllowTools),
	)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: agentSystemPrompt})
	for _, m := range req.History {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Query})

	var tools []openai.Tool
	if req.AllowTools {
		tools = agentTools
	}

	var sources []models.Source
	for round := 0; ; round++ {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       a.model,
			Messages:    messages,
			Tools:       tools,
			Temperature: 0.1,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return a.classify(ctx, req, err), nil
		}
		if len(resp.Choices) == 0 {
			span.SetStatus(codes.Error, "empty response")
			return failure(models.ReasonProviderError), nil
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
			citations := make([]string, 0, len(sources))
			for _, s := range sources {
				citations = append(citations, s.DocID)
			}
			return Normalize(&models.EngineResult{
				Answer:    strings.TrimSpace(msg.Content),
				Sources:   sources,
				Citations: citations,
				Status:    models.StatusOK,
			}), nil
		}

		if round >= maxToolRounds || !req.AllowTools {
			log.Warn().Str("trace_id", req.TraceID).Int("round", round).Msg("Agent tool loop exceeded")
			return failure(models.ReasonToolRetryable), nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			out, src := runTool(call.Function.Name, call.Function.Arguments)
			if src != nil {
				sources = append(sources, *src)
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				ToolCallID: call.ID,
			})
		}
	}
}

func (a *Agent) classify(ctx context.Context, req *models.EngineRequest, err error) *models.EngineResult {
	if isTimeout(ctx, err) {
		return failure(models.ReasonLLMTimeout)
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	log.Warn().Err(err).Int("status", status).Str("trace_id", req.TraceID).Msg("Agent LLM call failed")
	if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
		return failure(models.ReasonUpstreamUnavailable)
	}
	return failure(models.ReasonProviderError)
}

// ── Tools ────────────────────────────────────────────────────

var agentTools = []openai.Tool{{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "policy_lookup",
		Description: "Look up the store's refund, return or shipping policy.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"topic": {"type": "string", "enum": ["refund", "shipping"]}},
			"required": ["topic"]
		}`),
	},
}}

var policyDocs = map[string]models.Source{
	"refund": {
		DocID:   "policy:refund",
		Title:   "환불 및 반품 정책",
		Snippet: "상품 수령 후 7일 이내 미개봉 상품은 전액 환불됩니다. 파본·오배송은 기간과 관계없이 무료 교환됩니다.",
	},
	"shipping": {
		DocID:   "policy:shipping",
		Title:   "배송 안내",
		Snippet: "평일 오후 2시 이전 주문은 당일 출고되며 2만원 이상 주문은 무료 배송입니다.",
	},
}

// PolicyDoc returns the policy document for topic.
func PolicyDoc(topic string) (models.Source, bool) {
	s, ok := policyDocs[topic]
	return s, ok
}

func runTool(name, arguments string) (string, *models.Source) {
	if name != "policy_lookup" {
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, name), nil
	}
	var args struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return `{"error":"arguments must be {\"topic\": \"refund\"|\"shipping\"}"}`, nil
	}
	doc, ok := policyDocs[args.Topic]
	if !ok {
		return fmt.Sprintf(`{"error":"no policy for topic %q"}`, args.Topic), nil
	}
	data, _ := json.Marshal(map[string]string{"doc_id": doc.DocID, "title": doc.Title, "text": doc.Snippet})
	return string(data), &doc
}
