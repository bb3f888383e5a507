package providers

import (
	"context"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ── Off ─────────────────────────────────────────────────────

type offDriver struct{}

func (offDriver) Kind() string { return "off" }

func (offDriver) NewSpell(Settings) (contracts.SpellProvider, error) { return offProvider{}, nil }

func (offDriver) NewRewrite(Settings) (contracts.RewriteProvider, error) { return offProvider{}, nil }

type offProvider struct{}

func (offProvider) Name() string { return "off" }

func (offProvider) Correct(context.Context, string, string) (*models.ProviderResult, error) {
	return nil, ErrDisabled
}

func (offProvider) Rewrite(context.Context, string, models.RewriteContext) (*models.ProviderResult, error) {
	return nil, ErrDisabled
}

// ── Mock ────────────────────────────────────────────────────

type mockDriver struct{}

func (mockDriver) Kind() string { return "mock" }

func (mockDriver) NewSpell(s Settings) (contracts.SpellProvider, error) {
	return NewMock(s.MockResponse), nil
}

func (mockDriver) NewRewrite(s Settings) (contracts.RewriteProvider, error) {
	return NewMock(s.MockResponse), nil
}

// Mock returns a fixed response. An empty response echoes the input.
type Mock struct {
	Response   string
	Confidence float64
}

// NewMock creates a mock provider answering response with confidence 0.9.
func NewMock(response string) *Mock {
	return &Mock{Response: response, Confidence: 0.9}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Correct(ctx context.Context, text, _ string) (*models.ProviderResult, error) {
	return m.answer(ctx, text)
}

func (m *Mock) Rewrite(ctx context.Context, text string, _ models.RewriteContext) (*models.ProviderResult, error) {
	return m.answer(ctx, text)
}

func (m *Mock) answer(ctx context.Context, text string) (*models.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.Response
	if out == "" {
		out = text
	}
	return &models.ProviderResult{
		Text:       out,
		Confidence: m.Confidence,
		Provider:   m.Name(),
		Debug:      map[string]interface{}{"fixed": m.Response != ""},
	}, nil
}
