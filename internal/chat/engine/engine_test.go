package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/chat/engine"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

func request() *models.EngineRequest {
	return &models.EngineRequest{
		Query:          "환불 규정 알려줘",
		ConversationID: "conv-1",
		TraceID:        "trace-1",
		RequestID:      "req-1",
		TopK:           5,
	}
}

// ── Legacy ───────────────────────────────────────────────────

func TestLegacy_NotConfigured(t *testing.T) {
	res, err := engine.NewLegacy("", time.Second).Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInsufficientEvidence, res.Status)
	assert.Equal(t, models.ReasonRAGNotConfigured, res.ReasonCode)
}

func TestLegacy_Answer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "trace-1", r.Header.Get("x-trace-id"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "환불 규정 알려줘", body["query"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"answer":"7일 이내 환불 가능합니다.","sources":[{"doc_id":"d1","title":"환불"}],"citations":["d1"],"status":"ok"}`)
	}))
	defer srv.Close()

	res, err := engine.NewLegacy(srv.URL, time.Second).Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, res.Status)
	assert.Equal(t, "7일 이내 환불 가능합니다.", res.Answer)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, []string{"d1"}, res.Citations)
}

func TestLegacy_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  string
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, models.ReasonUpstreamUnavailable},
		{"bad request", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadRequest) }, models.ReasonProviderError},
		{"garbage", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "not json") }, models.ReasonProviderError},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}, models.ReasonProviderTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			res, err := engine.NewLegacy(srv.URL, 100*time.Millisecond).Answer(context.Background(), request())
			require.NoError(t, err)
			assert.Equal(t, models.StatusError, res.Status)
			assert.Equal(t, tt.reason, res.ReasonCode)
			assert.Equal(t, engine.FallbackAnswer, res.Answer)
		})
	}
}

func TestLegacy_EmptyAnswerIsInsufficientEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"answer":"","sources":[]}`)
	}))
	defer srv.Close()

	res, err := engine.NewLegacy(srv.URL, time.Second).Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInsufficientEvidence, res.Status)
	assert.Equal(t, models.ReasonNoEvidence, res.ReasonCode)
}

// ── Agent ────────────────────────────────────────────────────

func completion(content string) string {
	return `{"id":"c1","object":"chat.completion","model":"test","choices":[{"index":0,"message":{"role":"assistant","content":` +
		jsonString(content) + `},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const toolCallCompletion = `{"id":"c0","object":"chat.completion","model":"test","choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"policy_lookup","arguments":"{\"topic\":\"refund\"}"}}]},"finish_reason":"tool_calls"}]}`

func TestAgent_NotConfigured(t *testing.T) {
	a := engine.NewAgent(engine.AgentConfig{})
	assert.False(t, a.Configured())
	res, err := a.Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Equal(t, models.ReasonUpstreamUnavailable, res.ReasonCode)
}

func TestAgent_PlainAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Nil(t, body["tools"], "tools are only sent when allowed")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion("안녕하세요"))
	}))
	defer srv.Close()

	a := engine.NewAgent(engine.AgentConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test"})
	res, err := a.Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, res.Status)
	assert.Equal(t, "안녕하세요", res.Answer)
	assert.Empty(t, res.Sources)
}

func TestAgent_ToolRoundTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, toolCallCompletion)
			return
		}
		var body struct {
			Messages []struct {
				Role       string `json:"role"`
				Content    string `json:"content"`
				ToolCallID string `json:"tool_call_id"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		last := body.Messages[len(body.Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.Equal(t, "call_1", last.ToolCallID)
		assert.Contains(t, last.Content, "policy:refund")
		_, _ = io.WriteString(w, completion("수령 후 7일 이내 환불됩니다."))
	}))
	defer srv.Close()

	req := request()
	req.AllowTools = true
	a := engine.NewAgent(engine.AgentConfig{BaseURL: srv.URL + "/v1", APIKey: "test"})
	res, err := a.Answer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, res.Status)
	assert.Equal(t, []string{"policy:refund"}, res.Citations)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAgent_ToolCallWithoutPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolCallCompletion)
	}))
	defer srv.Close()

	a := engine.NewAgent(engine.AgentConfig{BaseURL: srv.URL + "/v1", APIKey: "test"})
	res, err := a.Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.ReasonToolRetryable, res.ReasonCode)
}

func TestAgent_UpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	}))
	defer srv.Close()

	a := engine.NewAgent(engine.AgentConfig{BaseURL: srv.URL + "/v1", APIKey: "test"})
	res, err := a.Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Equal(t, models.ReasonUpstreamUnavailable, res.ReasonCode)
}

func TestAgent_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	a := engine.NewAgent(engine.AgentConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Timeout: 100 * time.Millisecond})
	res, err := a.Answer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.ReasonLLMTimeout, res.ReasonCode)
}
