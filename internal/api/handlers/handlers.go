// Package handlers implements the HTTP handlers of the query gateway. They
// decode and validate requests, call the stage packages and turn their
// errors into the JSON error envelope; no other package writes responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/chat"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/journal"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/pipeline"
	"github.com/agentoven/agentoven/query-gateway/internal/prepare"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Request body limits.
const (
	maxBodyBytes           = 1 << 20
	MaxMessageContentBytes = 32 << 10
)

const readyTimeout = 2 * time.Second

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Config   *config.Holder
	Prepare  *prepare.Builder
	Pipeline *pipeline.Pipeline
	Journal  *journal.Journal
	ChatSvc  *chat.Service
	Metrics  *metrics.Registry
	KV       cache.KV
	Store    store.Store
}

// ══════════════════════════════════════════════════════════════
// ── Health & Metrics ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "query-gateway",
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Get().Version,
		"service": "query-gateway",
	})
}

// Ready pings the KV and the state store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	checkDep := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.KV != nil {
		checkDep("kv", h.KV.Ping)
	}
	if h.Store != nil {
		checkDep("store", h.Store.Ping)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		log.Warn().Interface("checks", checks).Msg("Readiness check failed")
	}
	respondJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}

// MetricsSnapshot returns the in-process counters as a flat JSON object.
func (h *Handlers) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes the error envelope for err. Anything that is not an
// *models.APIError becomes a 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := models.AsAPIError(err)
	ctx := r.Context()
	if apiErr.Status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("trace_id", pkgmw.GetTraceID(ctx)).
			Msg("Request failed")
	}
	respondJSON(w, apiErr.Status, models.ErrorEnvelope{
		Error:     models.ErrorBody{Code: apiErr.Code, Message: apiErr.Message},
		TraceID:   pkgmw.GetTraceID(ctx),
		RequestID: pkgmw.GetRequestID(ctx),
	})
}

func badRequest(code, format string, args ...interface{}) error {
	return models.NewAPIError(http.StatusBadRequest, code, fmt.Sprintf(format, args...))
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(r *http.Request, dst interface{}) error {
	if err := readJSON(r, dst); err != nil {
		return requestError(err)
	}
	return check(dst)
}

func readJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func requestError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return badRequest(models.ErrCodeInvalidRequest, "field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return badRequest(models.ErrCodeInvalidRequest, "invalid request body: %v", err)
}

func check(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return badRequest(models.ErrCodeInvalidRequest, "field %s failed %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return badRequest(models.ErrCodeInvalidRequest, "invalid request: %v", err)
	}
	return nil
}

// contextError maps a cancelled or expired request context onto the envelope.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewAPIError(http.StatusGatewayTimeout, models.ErrCodeTimeout, "request timed out")
	}
	return err
}
