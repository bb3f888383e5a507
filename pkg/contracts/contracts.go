// Package contracts defines the service interfaces of the query gateway.
//
// Providers and chat engines are selected at start-up by config string; the
// pipeline, rollout controller and handlers only see these interfaces, so a
// test double or an alternative backend is a one-line change in the wiring.
package contracts

import (
	"context"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ── Spell / Rewrite Providers ───────────────────────────────

// SpellProvider corrects typos in a normalized query.
// Implementations: internal/providers (off, mock, http).
type SpellProvider interface {
	// Name identifies the provider in results and journal rows.
	Name() string

	// Correct returns the corrected text with a confidence in [0,1].
	Correct(ctx context.Context, text, locale string) (*models.ProviderResult, error)
}

// RewriteProvider reformulates a query for retrieval.
type RewriteProvider interface {
	Name() string

	// Rewrite returns the rewritten text with a confidence in [0,1].
	Rewrite(ctx context.Context, text string, rc models.RewriteContext) (*models.ProviderResult, error)
}

// ── Chat Engines ────────────────────────────────────────────

// ChatEngine answers a chat turn.
// Implementations: internal/chat/engine (legacy RAG, agent).
//
// Engines report upstream problems through EngineResult.Status and
// ReasonCode; a returned error means the engine could not run at all.
type ChatEngine interface {
	Name() models.Engine
	Answer(ctx context.Context, req *models.EngineRequest) (*models.EngineResult, error)
}
