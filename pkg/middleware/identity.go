// Package middleware holds the request-scoped values the gateway carries in
// context: caller identity, tenant, end user, admin and trace ids.
//
// It lives in pkg/ so that embedding services can read the same values
// from their own middleware.
package middleware

import (
	"context"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	tenantKey   contextKey = "tenant"
	userKey     contextKey = "user_id"
	adminKey    contextKey = "admin_id"
	traceKey    contextKey = "trace_id"
	requestKey  contextKey = "request_id"
)

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "default"

// SetIdentity stores the authenticated Identity in the context.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity returns the authenticated Identity, or nil for anonymous requests.
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// GetTenant returns the tenant id, DefaultTenant when unset.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok && v != "" {
		return v
	}
	return DefaultTenant
}

func SetTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// GetUserID returns the end user from x-user-id; empty for anonymous users.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// GetAdminID returns the admin acting on the request, if any.
func GetAdminID(ctx context.Context) string {
	v, _ := ctx.Value(adminKey).(string)
	return v
}

func SetAdminID(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminKey, adminID)
}
