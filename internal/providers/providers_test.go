package providers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/providers"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// fixedDriver is a test Driver.
type fixedDriver struct {
	kind string
}

func (d *fixedDriver) Kind() string { return d.kind }

func (d *fixedDriver) NewSpell(providers.Settings) (contracts.SpellProvider, error) {
	return providers.NewMock("from " + d.kind), nil
}

func (d *fixedDriver) NewRewrite(providers.Settings) (contracts.RewriteProvider, error) {
	return providers.NewMock("from " + d.kind), nil
}

func TestBuiltinDriversRegistered(t *testing.T) {
	r := providers.NewRegistry()

	got := r.ListDrivers()
	want := []string{"http", "mock", "off"}
	if len(got) != len(want) {
		t.Fatalf("ListDrivers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListDrivers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegisterDriver_Overrides(t *testing.T) {
	r := providers.NewRegistry()
	r.RegisterDriver(&fixedDriver{kind: "mock"})

	p, err := r.Spell("mock", providers.Settings{})
	if err != nil {
		t.Fatalf("Spell() error = %v", err)
	}
	res, err := p.Correct(context.Background(), "x", "en")
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if res.Text != "from mock" {
		t.Errorf("Correct().Text = %q, want %q", res.Text, "from mock")
	}
}

func TestGetDriver_NotFound(t *testing.T) {
	r := providers.NewRegistry()
	if d := r.GetDriver("nonexistent"); d != nil {
		t.Errorf("GetDriver() for nonexistent should return nil, got %v", d)
	}
	if _, err := r.Spell("nonexistent", providers.Settings{}); err == nil {
		t.Error("Spell() with unknown kind should fail")
	}
}

func TestFromConfig_FallsBackToOff(t *testing.T) {
	r := providers.NewRegistry()
	spell, rewrite := r.FromConfig(config.ProviderConfig{Spell: "http", Rewrite: "bogus"})
	if spell.Name() != "off" || rewrite.Name() != "off" {
		t.Fatalf("FromConfig() = %s/%s, want off/off", spell.Name(), rewrite.Name())
	}
	_, err := spell.Correct(context.Background(), "x", "en")
	if !errors.Is(err, providers.ErrDisabled) {
		t.Errorf("off Correct() error = %v, want ErrDisabled", err)
	}
}

func TestMock_EchoesWhenEmpty(t *testing.T) {
	m := providers.NewMock("")
	res, err := m.Rewrite(context.Background(), "harry potter", models.RewriteContext{})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if res.Text != "harry potter" || res.Provider != "mock" {
		t.Errorf("Rewrite() = %+v", res)
	}
}

func TestHTTP_Correct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["text"] != "harry pottre" || body["locale"] != "en" {
			t.Errorf("unexpected request body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"corrected":"harry potter","confidence":0.82}`))
	}))
	defer srv.Close()

	p, err := providers.NewHTTP(providers.Settings{URL: srv.URL, Timeout: time.Second, MaxQPS: 10})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	res, err := p.Correct(context.Background(), "harry pottre", "en")
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if res.Text != "harry potter" || res.Confidence != 0.82 || res.Provider != "http" {
		t.Errorf("Correct() = %+v", res)
	}
	if _, ok := res.Debug["latency_ms"]; !ok {
		t.Error("Correct() debug should carry latency_ms")
	}
}

func TestHTTP_TypedErrors(t *testing.T) {
	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer status.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer garbage.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	p, _ := providers.NewHTTP(providers.Settings{URL: status.URL})
	_, err := p.Correct(context.Background(), "q", "en")
	var se *providers.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Errorf("Correct() error = %v, want StatusError 503", err)
	}

	p, _ = providers.NewHTTP(providers.Settings{URL: garbage.URL})
	_, err = p.Rewrite(context.Background(), "q", models.RewriteContext{})
	var de *providers.DecodeError
	if !errors.As(err, &de) {
		t.Errorf("Rewrite() error = %v, want DecodeError", err)
	}

	p, _ = providers.NewHTTP(providers.Settings{URL: slow.URL, Timeout: 50 * time.Millisecond})
	_, err = p.Correct(context.Background(), "q", "en")
	if !providers.IsTimeout(err) {
		t.Errorf("Correct() error = %v, want timeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = p.Correct(ctx, "q", "en")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Correct() with cancelled parent error = %v, want context.Canceled", err)
	}
}
