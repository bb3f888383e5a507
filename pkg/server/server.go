// Package server is the public entry point for building the query gateway.
//
// It lives in pkg/ (not internal/) so that a deployment can import it and
// wrap the handler with its own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/api"
	"github.com/agentoven/agentoven/query-gateway/internal/api/handlers"
	"github.com/agentoven/agentoven/query-gateway/internal/auth"
	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/chat"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/engine"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/rollout"
	"github.com/agentoven/agentoven/query-gateway/internal/chatstate"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/enhance"
	"github.com/agentoven/agentoven/query-gateway/internal/journal"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/pipeline"
	"github.com/agentoven/agentoven/query-gateway/internal/prepare"
	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
	"github.com/agentoven/agentoven/query-gateway/internal/providers"
	"github.com/agentoven/agentoven/query-gateway/internal/retention"
	"github.com/agentoven/agentoven/query-gateway/internal/sessions"
	"github.com/agentoven/agentoven/query-gateway/internal/spell"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/internal/telemetry"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config   *config.Holder
	Store    store.Store
	KV       cache.KV
	Metrics  *metrics.Registry
	Pipeline *pipeline.Pipeline
	Journal  *journal.Journal
	Chat     *chat.Service
	Janitor  *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	analyzer  *analyzer.Analyzer
	spell     *spell.Generator
	providers *providers.Registry
	apiKeys   *auth.APIKeyProvider
	telemetry func(context.Context) error
}

// New initializes the gateway from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes every component for cfg and returns a ready Server.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	holder := config.NewHolder(cfg)
	reg := metrics.Default()

	kv := cache.New(cfg.RedisURL, reg)

	st, err := store.Open(ctx, cfg.ChatState.Driver, cfg.ChatState.DSN, cfg.DataDir)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("open chat state store: %w", err)
	}
	log.Info().Str("driver", cfg.ChatState.Driver).Msg("✅ Chat state store initialized")

	// Query enhancement
	an := analyzer.New()
	gen := spell.New(spell.Config{
		Enabled:        cfg.Spell.CandidateEnable,
		KeyboardLocale: cfg.Spell.KeyboardLocale,
		Max:            cfg.Spell.CandidateMax,
		TopK:           cfg.Spell.CandidateTopK,
	})
	j := journal.New(st, cfg.Journal.QueueSize, reg)
	eng := enhance.New(kv, holder, reg)
	pl := pipeline.New(eng, gen, j, reg)
	provRegistry := providers.NewRegistry()
	pl.SetProviders(provRegistry.FromConfig(cfg.Providers))
	log.Info().Msg("✅ Enhancement pipeline initialized")

	// Chat
	sanitizer := privacy.New(privacy.ParseMode(cfg.ChatState.PIIMode))
	timeout := time.Duration(cfg.Chat.EngineTimeoutMs) * time.Millisecond
	svc := chat.NewService(chat.Deps{
		Config:   holder,
		Sessions: sessions.New(kv),
		Rollout:  rollout.New(kv, holder, reg),
		Legacy:   engine.NewLegacy(cfg.Chat.LegacyURL, timeout),
		Agent: engine.NewAgent(engine.AgentConfig{
			BaseURL: cfg.Chat.LLMBaseURL,
			APIKey:  cfg.Chat.LLMAPIKey,
			Model:   cfg.Chat.LLMModel,
			Timeout: timeout,
		}),
		State:   chatstate.New(st, cfg.ChatState.Enabled, sanitizer, reg),
		Metrics: reg,
	})
	log.Info().Str("mode", cfg.Rollout.Mode).Int("canary_percent", cfg.Rollout.CanaryPercent).Msg("✅ Chat service initialized")

	// Auth
	apiKeys := auth.NewAPIKeyProvider(cfg.APIKeys)
	chain := auth.NewProviderChain()
	chain.RegisterProvider(apiKeys)
	chain.RegisterProvider(auth.NewServiceAccountProvider(cfg.ServiceTokenSecret))
	log.Info().Strs("providers", chain.ListProviders()).Bool("required", chain.Required()).Msg("✅ Auth chain initialized")

	h := &handlers.Handlers{
		Config:   holder,
		Prepare:  prepare.New(an, eng, holder, reg),
		Pipeline: pl,
		Journal:  j,
		ChatSvc:  svc,
		Metrics:  reg,
		KV:       kv,
		Store:    st,
	}

	return &Server{
		Handler:  api.NewRouter(cfg, h, chain),
		Config:   holder,
		Store:    st,
		KV:       kv,
		Metrics:  reg,
		Pipeline: pl,
		Journal:  j,
		Chat:     svc,
		Janitor: retention.NewJanitor(st, retention.PolicyFromConfig(cfg.Retention),
			time.Duration(cfg.Retention.IntervalSec)*time.Second, reg),
		Port:      cfg.Port,
		analyzer:  an,
		spell:     gen,
		providers: provRegistry,
		apiKeys:   apiKeys,
		telemetry: shutdown,
	}, nil
}

// Start launches the background work: the retention janitor and the rule
// table and dictionary file watchers. All of it stops when ctx is done.
func (s *Server) Start(ctx context.Context) {
	cfg := s.Config.Get()
	if cfg.ChatState.Enabled {
		go s.Janitor.Start(ctx)
	}
	if path := cfg.Normalize.RulesPath; path != "" {
		if err := analyzer.WatchRules(ctx, s.analyzer, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Normalization rules not loaded")
		}
	}
	if path := cfg.Spell.DictPath; path != "" {
		if err := spell.WatchDictionary(ctx, s.spell, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Spell dictionary not loaded")
		}
	}
}

// Reload re-reads the environment. Rollout, enhancement and retrieval
// settings apply to the next request; providers and API keys are rebuilt.
// Listener, store and engine endpoints need a restart.
func (s *Server) Reload() {
	cfg := s.Config.Reload()
	s.Pipeline.SetProviders(s.providers.FromConfig(cfg.Providers))
	s.apiKeys.SetKeys(cfg.APIKeys)
}

// Close flushes the journal and releases the KV, the store and telemetry.
func (s *Server) Close(ctx context.Context) error {
	s.Journal.Close()
	var errs []error
	if err := s.KV.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kv: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}
