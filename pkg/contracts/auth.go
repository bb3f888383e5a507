package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Roles an Identity can carry.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Identity is an authenticated caller of the gateway (an API key holder or
// an internal service). End users are identified separately by x-user-id.
type Identity struct {
	// Subject is a stable identifier: a key hash or a service account name.
	Subject string `json:"subject"`

	// Provider is the auth provider that produced the identity ("apikey", "service_account").
	Provider string `json:"provider"`

	// Tenant overrides x-tenant-id when the credential is tenant-scoped.
	Tenant string `json:"tenant,omitempty"`

	Role string `json:"role"`

	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsAdmin reports whether the identity may call admin endpoints.
func (i *Identity) IsAdmin() bool { return i != nil && i.Role == RoleAdmin }

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// AuthProviderChain tries providers in registration order until one
// returns an Identity.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)

	// Required reports whether any enabled provider exists, i.e. whether
	// anonymous requests must be rejected.
	Required() bool
}
