// Package auth authenticates gateway callers.
//
// Providers:
//   - APIKeyProvider: keys from QS_API_KEYS
//   - ServiceAccountProvider: HMAC-signed service tokens (QS_SERVICE_TOKEN_SECRET)
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

// ProviderChain implements contracts.AuthProviderChain.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{
		providers: make([]contracts.AuthProvider, 0),
	}
}

// RegisterProvider adds a provider to the end of the chain.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("🔑 Auth provider registered")
}

// Authenticate walks the chain of providers in order.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	for _, p := range c.snapshot() {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().
				Str("provider", p.Name()).
				Err(err).
				Msg("Auth provider rejected request")
			return nil, err
		}
		if identity != nil {
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Str("role", identity.Role).
				Msg("Request authenticated")
			return identity, nil
		}
	}
	return nil, nil
}

// Required reports whether at least one provider is enabled.
func (c *ProviderChain) Required() bool {
	for _, p := range c.snapshot() {
		if p.Enabled() {
			return true
		}
	}
	return false
}

// ListProviders returns the names of all registered providers.
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *ProviderChain) snapshot() []contracts.AuthProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]contracts.AuthProvider, len(c.providers))
	copy(out, c.providers)
	return out
}
