package models

import (
	"errors"
	"net/http"
)

// Error envelope codes.
const (
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeInvalidQuery     = "invalid_query"
	ErrCodeEmptyQuery       = "empty_query"
	ErrCodeBudgetExceeded   = "budget_exceeded"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeModelUnavailable = "model_unavailable"
	ErrCodeTimeout          = "timeout"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
)

// APIError is an error that knows its HTTP status and envelope code.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

// NewAPIError builds an APIError.
func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// AsAPIError extracts an APIError from err, mapping anything else to a 500.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: err.Error()}
}

// ErrorEnvelope is the JSON body of every error response.
type ErrorEnvelope struct {
	Error     ErrorBody `json:"error"`
	TraceID   string    `json:"trace_id"`
	RequestID string    `json:"request_id"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
