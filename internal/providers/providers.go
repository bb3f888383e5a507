// Package providers implements the spell and rewrite providers behind a
// driver registry. A driver is picked by config string ("off", "mock",
// "http") and builds providers from Settings.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("provider timeout")

	// ErrDisabled is returned by the off provider. Callers treat it as a skip.
	ErrDisabled = errors.New("provider disabled")
)

// StatusError is a non-2xx response from a remote provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// DecodeError is a response body that could not be parsed.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: decode response: %v", e.Provider, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Settings configure one provider instance.
type Settings struct {
	URL          string
	MockResponse string
	Timeout      time.Duration
	MaxQPS       float64
}

// Driver builds providers of one kind.
type Driver interface {
	// Kind is the config string that selects this driver.
	Kind() string

	NewSpell(s Settings) (contracts.SpellProvider, error)
	NewRewrite(s Settings) (contracts.RewriteProvider, error)
}

// Registry maps config strings to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates a registry with the built-in drivers.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	r.RegisterDriver(offDriver{})
	r.RegisterDriver(mockDriver{})
	r.RegisterDriver(httpDriver{})
	return r
}

// RegisterDriver adds or replaces a driver.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// GetDriver returns the driver for kind, or nil.
func (r *Registry) GetDriver(kind string) Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drivers[kind]
}

// ListDrivers returns the registered kinds, sorted.
func (r *Registry) ListDrivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Spell builds the spell provider for kind.
func (r *Registry) Spell(kind string, s Settings) (contracts.SpellProvider, error) {
	d := r.GetDriver(kind)
	if d == nil {
		return nil, fmt.Errorf("unknown spell provider %q (have %v)", kind, r.ListDrivers())
	}
	return d.NewSpell(s)
}

// Rewrite builds the rewrite provider for kind.
func (r *Registry) Rewrite(kind string, s Settings) (contracts.RewriteProvider, error) {
	d := r.GetDriver(kind)
	if d == nil {
		return nil, fmt.Errorf("unknown rewrite provider %q (have %v)", kind, r.ListDrivers())
	}
	return d.NewRewrite(s)
}

// FromConfig builds both providers from the gateway config. An unusable
// selection degrades to off with a warning so the gateway still starts.
func (r *Registry) FromConfig(cfg config.ProviderConfig) (contracts.SpellProvider, contracts.RewriteProvider) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	spell, err := r.Spell(cfg.Spell, Settings{URL: cfg.SpellURL, MockResponse: cfg.SpellMock, Timeout: timeout, MaxQPS: cfg.MaxQPS})
	if err != nil {
		log.Warn().Err(err).Str("kind", cfg.Spell).Msg("Spell provider unavailable, using off")
		spell = offProvider{}
	}
	rewrite, err := r.Rewrite(cfg.Rewrite, Settings{URL: cfg.RewriteURL, MockResponse: cfg.RewriteMock, Timeout: timeout, MaxQPS: cfg.MaxQPS})
	if err != nil {
		log.Warn().Err(err).Str("kind", cfg.Rewrite).Msg("Rewrite provider unavailable, using off")
		rewrite = offProvider{}
	}
	log.Info().Str("spell", spell.Name()).Str("rewrite", rewrite.Name()).Msg("✏️  Enhancement providers ready")
	return spell, rewrite
}
