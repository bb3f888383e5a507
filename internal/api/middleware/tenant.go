package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
)

// Identity headers.
const (
	HeaderTenantID = "X-Tenant-Id"
	HeaderUserID   = "X-User-Id"
	HeaderAdminID  = "X-Admin-Id"
)

// TenantExtractor reads x-tenant-id (default "default"), x-user-id and
// x-admin-id into the request context.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenant == "" {
			tenant = pkgmw.DefaultTenant
		}

		ctx := pkgmw.SetTenant(r.Context(), tenant)
		if u := strings.TrimSpace(r.Header.Get(HeaderUserID)); u != "" {
			ctx = pkgmw.SetUserID(ctx, u)
		}
		if a := strings.TrimSpace(r.Header.Get(HeaderAdminID)); a != "" {
			ctx = pkgmw.SetAdminID(ctx, a)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
