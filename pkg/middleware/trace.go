package middleware

import "context"

// SetTrace stores the request's trace and request ids.
func SetTrace(ctx context.Context, traceID, requestID string) context.Context {
	ctx = context.WithValue(ctx, traceKey, traceID)
	return context.WithValue(ctx, requestKey, requestID)
}

// GetTraceID returns the trace id set by the trace middleware.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey).(string)
	return v
}

// GetRequestID returns the request id set by the trace middleware.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestKey).(string)
	return v
}
