package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Query Context ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PrepareQuery handles POST /query/prepare and the /query-context alias.
func (h *Handlers) PrepareQuery(w http.ResponseWriter, r *http.Request) {
	var req models.PrepareRequest
	if err := readJSON(r, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "query.raw" {
			respondError(w, r, badRequest(models.ErrCodeInvalidQuery, "query.raw must be a string"))
			return
		}
		respondError(w, r, requestError(err))
		return
	}

	qc, err := h.Prepare.Build(r.Context(), req.Query.Raw, req.Client.Locale)
	switch {
	case errors.Is(err, analyzer.ErrEmptyQuery):
		respondError(w, r, badRequest(models.ErrCodeEmptyQuery, "query is empty after normalization"))
		return
	case errors.Is(err, analyzer.ErrInvalidQuery):
		respondError(w, r, badRequest(models.ErrCodeInvalidQuery, "query is not valid text"))
		return
	case err != nil:
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, qc)
}

// ══════════════════════════════════════════════════════════════
// ── Enhancement ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Enhance handles POST /query/enhance.
func (h *Handlers) Enhance(w http.ResponseWriter, r *http.Request) {
	var req models.EnhanceRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx := r.Context()
	if req.RequestID == "" {
		req.RequestID = pkgmw.GetRequestID(ctx)
	}
	if req.TraceID == "" {
		req.TraceID = pkgmw.GetTraceID(ctx)
	}

	res, err := h.Pipeline.Run(ctx, &req)
	if err != nil {
		respondError(w, r, contextError(err))
		return
	}
	if r.URL.Query().Get("debug") != "true" {
		res.Debug = nil
	}
	respondJSON(w, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════
// ── Rewrite Failure Journal ──────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListRewriteFailures handles GET /internal/qc/rewrite/failures?reason&since&limit.
func (h *Handlers) ListRewriteFailures(w http.ResponseWriter, r *http.Request) {
	filter, err := failureFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	failures, err := h.Journal.List(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if failures == nil {
		failures = []models.RewriteFailure{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": failures,
		"count": len(failures),
	})
}

// ReplayRewriteFailure handles POST /internal/qc/rewrite/failures/{id}/replay.
func (h *Handlers) ReplayRewriteFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.Pipeline.Replay(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, r, models.NewAPIError(http.StatusNotFound, models.ErrCodeNotFound, err.Error()))
			return
		}
		respondError(w, r, contextError(err))
		return
	}
	h.Metrics.Inc("rewrite_replay_total", metrics.Labels{"accepted": strconv.FormatBool(res.Accepted)})
	log.Info().Str("id", id).Str("trace_id", pkgmw.GetTraceID(r.Context())).Msg("Rewrite failure replay requested")
	respondJSON(w, http.StatusOK, res)
}

func failureFilter(r *http.Request) (models.FailureFilter, error) {
	q := r.URL.Query()
	f := models.FailureFilter{Reason: q.Get("reason")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, badRequest(models.ErrCodeInvalidRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := ParseSince(v)
		if err != nil {
			return f, badRequest(models.ErrCodeInvalidRequest, "since must be RFC 3339 or epoch milliseconds")
		}
		f.Since = since
	}
	return f, nil
}

// ParseSince accepts an RFC 3339 timestamp or epoch milliseconds.
func ParseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
