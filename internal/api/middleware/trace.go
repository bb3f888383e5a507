package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
)

// Trace headers, propagated when present and generated otherwise.
const (
	HeaderTraceID   = "X-Trace-Id"
	HeaderRequestID = "X-Request-Id"
)

// maxIDLen bounds caller-supplied ids before they reach logs and storage.
const maxIDLen = 128

// TraceIDs propagates or generates x-trace-id and x-request-id, stores them
// in the context and echoes them on the response.
func TraceIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := headerID(r, HeaderTraceID)
		requestID := headerID(r, HeaderRequestID)

		w.Header().Set(HeaderTraceID, traceID)
		w.Header().Set(HeaderRequestID, requestID)

		ctx := pkgmw.SetTrace(r.Context(), traceID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headerID(r *http.Request, name string) string {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" || len(v) > maxIDLen {
		return uuid.New().String()
	}
	return v
}
