package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/agentoven/agentoven/query-gateway/internal/telemetry"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

type httpDriver struct{}

func (httpDriver) Kind() string { return "http" }

func (httpDriver) NewSpell(s Settings) (contracts.SpellProvider, error) { return NewHTTP(s) }

func (httpDriver) NewRewrite(s Settings) (contracts.RewriteProvider, error) { return NewHTTP(s) }

// HTTP calls a remote model service with JSON over POST.
//
//	spell:   {"text", "locale"}  → {"corrected", "confidence", "debug"}
//	rewrite: {"text", "context"} → {"rewritten", "confidence", "notes", "debug"}
//
// Outbound calls are capped at MaxQPS. Latency is tracked as an EMA and
// reported in the result debug map.
type HTTP struct {
	url     string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter

	latencyMu sync.Mutex
	emaMs     float64
}

// NewHTTP creates an HTTP provider. The URL is required.
func NewHTTP(s Settings) (*HTTP, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("http provider: url not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	limit := rate.Inf
	burst := 1
	if s.MaxQPS > 0 {
		limit = rate.Limit(s.MaxQPS)
		burst = max(1, int(s.MaxQPS))
	}
	return &HTTP{
		url:     s.URL,
		timeout: timeout,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (p *HTTP) Name() string { return "http" }

type spellRequest struct {
	Text   string `json:"text"`
	Locale string `json:"locale,omitempty"`
}

type rewriteRequest struct {
	Text    string                `json:"text"`
	Context models.RewriteContext `json:"context"`
}

type remoteResponse struct {
	Corrected  string                 `json:"corrected"`
	Rewritten  string                 `json:"rewritten"`
	Text       string                 `json:"text"`
	Confidence float64                `json:"confidence"`
	Provider   string                 `json:"provider"`
	Notes      string                 `json:"notes"`
	Debug      map[string]interface{} `json:"debug"`
}

func (p *HTTP) Correct(ctx context.Context, text, locale string) (*models.ProviderResult, error) {
	return p.call(ctx, "provider.spell", spellRequest{Text: text, Locale: locale})
}

func (p *HTTP) Rewrite(ctx context.Context, text string, rc models.RewriteContext) (*models.ProviderResult, error) {
	return p.call(ctx, "provider.rewrite", rewriteRequest{Text: text, Context: rc})
}

func (p *HTTP) call(ctx context.Context, op string, body interface{}) (*models.ProviderResult, error) {
	ctx, span := telemetry.Tracer("providers").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("provider.url", p.url))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err := p.do(ctx, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Float64("provider.confidence", res.Confidence))
	return res, nil
}

func (p *HTTP) do(ctx context.Context, body interface{}) (*models.ProviderResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		// The limiter refuses early when the wait would outlive the deadline.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("%s: rate limited: %w", p.Name(), ErrTimeout)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("http: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Provider: p.Name(), Status: resp.StatusCode, Body: string(msg)}
	}

	var rr remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		if ctx.Err() != nil {
			return nil, p.classify(ctx, err)
		}
		return nil, &DecodeError{Provider: p.Name(), Err: err}
	}
	out := rr.Corrected
	if out == "" {
		out = rr.Rewritten
	}
	if out == "" {
		out = rr.Text
	}

	debug := rr.Debug
	if debug == nil {
		debug = map[string]interface{}{}
	}
	debug["latency_ms"] = elapsed.Milliseconds()
	debug["latency_ema_ms"] = p.observe(elapsed)
	if rr.Notes != "" {
		debug["notes"] = rr.Notes
	}
	name := p.Name()
	if rr.Provider != "" {
		name = rr.Provider
	}
	return &models.ProviderResult{Text: out, Confidence: rr.Confidence, Provider: name, Debug: debug}, nil
}

// classify maps transport errors onto ErrTimeout or the parent's cancellation.
func (p *HTTP) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w", p.Name(), ErrTimeout)
	}
	return fmt.Errorf("%s: request failed: %w", p.Name(), err)
}

func (p *HTTP) observe(d time.Duration) float64 {
	const alpha = 0.2
	ms := float64(d.Microseconds()) / 1000
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if p.emaMs == 0 {
		p.emaMs = ms
	} else {
		p.emaMs = alpha*ms + (1-alpha)*p.emaMs
	}
	return p.emaMs
}
