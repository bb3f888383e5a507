package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/chat"
	pkgmw "github.com/agentoven/agentoven/query-gateway/pkg/middleware"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Chat ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Chat handles POST /chat.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	ctx := r.Context()
	meta := chat.Meta{
		TraceID:   pkgmw.GetTraceID(ctx),
		RequestID: pkgmw.GetRequestID(ctx),
		UserID:    pkgmw.GetUserID(ctx),
		TenantID:  pkgmw.GetTenant(ctx),
		AdminID:   pkgmw.GetAdminID(ctx),
	}
	resp, err := h.ChatSvc.Chat(ctx, &req, meta)
	if err != nil {
		respondError(w, r, contextError(err))
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Rollout Admin ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RolloutStatus handles GET /chat/rollout.
func (h *Handlers) RolloutStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ChatSvc.Rollout().Snapshot(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// RolloutReset handles POST /chat/rollout/reset.
func (h *Handlers) RolloutReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := pkgmw.GetAdminID(ctx)
	if err := h.ChatSvc.Rollout().Reset(ctx, adminID); err != nil {
		respondError(w, r, err)
		return
	}
	log.Info().
		Str("admin_id", adminID).
		Str("tenant", pkgmw.GetTenant(ctx)).
		Str("trace_id", pkgmw.GetTraceID(ctx)).
		Msg("Rollout reset requested")

	snap, err := h.ChatSvc.Rollout().Snapshot(ctx)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reset":    true,
		"admin_id": adminID,
		"rollout":  snap,
	})
}
