package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// AuthMiddleware authenticates requests with the provider chain and stores
// the resulting Identity in context. When no provider is enabled every
// request is anonymous and allowed.
type AuthMiddleware struct {
	chain contracts.AuthProviderChain
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{chain: chain}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			respondUnauthorized(w, r, err.Error())
			return
		}
		if identity == nil && am.chain.Required() {
			respondUnauthorized(w, r, "API key required. Set Authorization: Bearer <key>, X-API-Key or X-Service-Token.")
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
			if identity.Tenant != "" {
				ctx = pkgmw.SetTenant(ctx, identity.Tenant)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests that name no admin. An admin service
// identity counts as its own admin id.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if pkgmw.GetAdminID(ctx) == "" {
			id := pkgmw.GetIdentity(ctx)
			if !id.IsAdmin() {
				respondUnauthorized(w, r, "x-admin-id header required")
				return
			}
			ctx = pkgmw.SetAdminID(ctx, id.Subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/ready", "/version":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="query-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorEnvelope{
		Error:     models.ErrorBody{Code: models.ErrCodeUnauthorized, Message: msg},
		TraceID:   pkgmw.GetTraceID(ctx),
		RequestID: pkgmw.GetRequestID(ctx),
	})
}
