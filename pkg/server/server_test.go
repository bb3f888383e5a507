package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
	"github.com/agentoven/agentoven/query-gateway/pkg/server"
)

func testConfig(legacyURL string) *config.Config {
	return &config.Config{
		Port:        0,
		Version:     "test",
		CORSOrigins: []string{"*"},
		Providers:   config.ProviderConfig{Spell: "off", Rewrite: "off", TimeoutMs: 200, MaxQPS: 50},
		Enhance: config.EnhanceConfig{
			MinLatencyBudgetMs: 200,
			CooldownSec:        60,
			WindowSec:          60,
			MaxPerWindow:       100,
			MaxPerQueryPerHour: 10,
			CacheTTLSec:        600,
		},
		Spell:     config.SpellConfig{CandidateEnable: true, CandidateMax: 10, CandidateTopK: 5, KeyboardLocale: "en"},
		Retrieval: config.RetrievalConfig{TopK: 50, TimeBudgetMs: 800},
		Rollout: config.RolloutConfig{
			Mode:                "legacy",
			AutoRollbackEnabled: true,
			MinSamples:          20,
			FailRatioThreshold:  0.2,
			WindowSec:           300,
			RollbackCooldownSec: 600,
			ShadowTimeoutMs:     500,
		},
		Chat:      config.ChatConfig{ConfirmTTLSec: 300, LegacyURL: legacyURL, EngineTimeoutMs: 2000},
		ChatState: config.ChatStateConfig{Enabled: true, Driver: "memory", PIIMode: "masked_raw"},
		Retention: config.RetentionConfig{SessionDays: 30, TurnDays: 30, AuditDays: 180, DeleteBatchSize: 100, IntervalSec: 3600},
		Journal:   config.JournalConfig{QueueSize: 16},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	srv, err := server.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		if err := srv.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return ts
}

func legacyStub(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"answer":    "Dune is a 1965 novel by Frank Herbert.",
			"status":    "ok",
			"sources":   []map[string]string{{"doc_id": "doc-1", "title": "Dune"}},
			"citations": []string{"doc-1"},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthReadyVersion(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	resp, _ := do(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ready struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, map[string]string{"kv": "ok", "store": "ok"}, ready.Checks)

	resp, body = do(t, http.MethodGet, ts.URL+"/version", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":"test"`)
}

func TestPrepareQuery(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	resp, body := do(t, http.MethodPost, ts.URL+"/query/prepare",
		`{"query":{"raw":"author:\"Han Kang\" vegetarian"},"client":{"locale":"en"}}`,
		map[string]string{"X-Trace-Id": "trace-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "trace-1", resp.Header.Get("X-Trace-Id"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var qc models.QueryContext
	require.NoError(t, json.Unmarshal(body, &qc))
	assert.Equal(t, models.SchemaVersion, qc.Meta.SchemaVersion)
	assert.Equal(t, qc.Query.Norm, qc.Query.Final)
	assert.Equal(t, models.FinalSourceNorm, qc.Query.FinalSource)
	assert.Equal(t, 50, qc.RetrievalHints.TopK)

	// The legacy alias serves the same document.
	resp, _ = do(t, http.MethodPost, ts.URL+"/query-context", `{"query":{"raw":"dune"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrepareQuery_Errors(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"blank raw", `{"query":{"raw":"   "}}`, models.ErrCodeEmptyQuery},
		{"non-string raw", `{"query":{"raw":42}}`, models.ErrCodeInvalidQuery},
		{"malformed body", `{"query":`, models.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/query/prepare", tt.body,
				map[string]string{"X-Request-Id": "req-7"})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var env models.ErrorEnvelope
			require.NoError(t, json.Unmarshal(body, &env))
			assert.Equal(t, tt.code, env.Error.Code)
			assert.Equal(t, "req-7", env.RequestID)
			assert.NotEmpty(t, env.TraceID)
		})
	}
}

func TestEnhance(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	resp, body := do(t, http.MethodPost, ts.URL+"/query/enhance",
		`{"q_norm":"harry pottre","reason":"ZERO_RESULTS"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res models.EnhanceResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.NotEmpty(t, res.Decision)
	assert.Nil(t, res.Debug)

	resp, body = do(t, http.MethodPost, ts.URL+"/query/enhance", `{"reason":"ZERO_RESULTS"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), models.ErrCodeInvalidRequest)
}

func TestChat_LegacyEngine(t *testing.T) {
	legacy := legacyStub(t)
	ts := newTestServer(t, testConfig(legacy.URL))

	payload, err := json.Marshal(models.ChatRequest{
		Message: models.ChatMessage{Role: "user", Content: "recommend a book about dune"},
		Context: &models.ChatContext{ConversationID: "conv-1"},
	})
	require.NoError(t, err)

	resp, body := do(t, http.MethodPost, ts.URL+"/chat", string(payload), map[string]string{"X-Trace-Id": "trace-chat"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out models.ChatResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, models.StatusOK, out.Status)
	assert.Equal(t, models.RouteAnswer, out.Route)
	assert.Equal(t, "trace-chat", out.TraceID)
	assert.Equal(t, "Dune is a 1965 novel by Frank Herbert.", out.Answer.Content)
	assert.Equal(t, []string{"doc-1"}, out.Citations)

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chat_requests_total{route=ANSWER}")
}

func TestChat_OversizedMessage(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	payload, err := json.Marshal(models.ChatRequest{
		Message: models.ChatMessage{Role: "user", Content: strings.Repeat("a", 33*1024)},
	})
	require.NoError(t, err)
	resp, body := do(t, http.MethodPost, ts.URL+"/chat", string(payload), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "maxbytes")
}

func TestRolloutAdmin(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	resp, _ := do(t, http.MethodGet, ts.URL+"/chat/rollout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := map[string]string{"X-Admin-Id": "ops-1"}
	resp, body := do(t, http.MethodGet, ts.URL+"/chat/rollout", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap models.RolloutSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, models.ParseRolloutMode("legacy"), snap.Mode)

	resp, body = do(t, http.MethodPost, ts.URL+"/chat/rollout/reset", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reset struct {
		Reset   bool   `json:"reset"`
		AdminID string `json:"admin_id"`
	}
	require.NoError(t, json.Unmarshal(body, &reset))
	assert.True(t, reset.Reset)
	assert.Equal(t, "ops-1", reset.AdminID)
}

func TestRewriteFailures(t *testing.T) {
	ts := newTestServer(t, testConfig(""))

	resp, body := do(t, http.MethodGet, ts.URL+"/internal/qc/rewrite/failures?limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"items":[],"count":0}`, string(body))

	resp, _ = do(t, http.MethodGet, ts.URL+"/internal/qc/rewrite/failures?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/internal/qc/rewrite/failures/missing/replay", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), models.ErrCodeNotFound)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig("")
	cfg.APIKeys = []string{"k-123"}
	ts := newTestServer(t, cfg)

	resp, _ := do(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := `{"query":{"raw":"dune"}}`
	resp, _ = do(t, http.MethodPost, ts.URL+"/query/prepare", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/query/prepare", body, map[string]string{"Authorization": "Bearer k-123"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrometheusExposition(t *testing.T) {
	ts := newTestServer(t, testConfig(""))
	do(t, http.MethodPost, ts.URL+"/query/prepare", `{"query":{"raw":"dune"}}`, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics/prometheus", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(body, []byte("query_prepare_total")))
}
