package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

// ErrInvalidAPIKey is returned for a present but unknown key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKeyProvider validates keys sent as Authorization: Bearer <key> or
// x-api-key. With no keys configured it is disabled.
type APIKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]bool
}

// NewAPIKeyProvider creates a provider for the given keys.
func NewAPIKeyProvider(keys []string) *APIKeyProvider {
	p := &APIKeyProvider{keys: make(map[string]bool)}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			p.keys[key] = true
		}
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate returns (nil, nil) when the request carries no key.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKey(r)
	if apiKey == "" {
		return nil, nil
	}
	if !p.validateKey(apiKey) {
		return nil, ErrInvalidAPIKey
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))
	return &contracts.Identity{
		Subject:  "apikey:" + keyHash[:16],
		Provider: p.Name(),
		Role:     contracts.RoleClient,
	}, nil
}

func (p *APIKeyProvider) validateKey(candidate string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// SetKeys replaces the key set, e.g. after a config reload.
func (p *APIKeyProvider) SetKeys(keys []string) {
	next := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			next[key] = true
		}
	}
	p.mu.Lock()
	p.keys = next
	p.mu.Unlock()
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
