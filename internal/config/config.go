package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the query gateway.
type Config struct {
	Port        int
	Version     string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
	RedisURL    string
	DataDir     string
	APIKeys     []string

	// ServiceTokenSecret signs x-service-token credentials; empty disables them.
	ServiceTokenSecret string

	Telemetry TelemetryConfig
	Providers ProviderConfig
	Enhance   EnhanceConfig
	Spell     SpellConfig
	Normalize NormalizeConfig
	Retrieval RetrievalConfig
	Rollout   RolloutConfig
	Chat      ChatConfig
	ChatState ChatStateConfig
	Retention RetentionConfig
	Journal   JournalConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type ProviderConfig struct {
	Spell       string
	Rewrite     string
	SpellURL    string
	RewriteURL  string
	SpellMock   string
	RewriteMock string
	TimeoutMs   int
	MaxQPS      float64
}

type EnhanceConfig struct {
	MinLatencyBudgetMs int
	CooldownSec        int
	WindowSec          int
	MaxPerWindow       int
	MaxPerQueryPerHour int
	CacheTTLSec        int
}

type SpellConfig struct {
	CandidateEnable bool
	CandidateMax    int
	CandidateTopK   int
	KeyboardLocale  string
	DictPath        string
}

type NormalizeConfig struct {
	RulesPath string
}

type RetrievalConfig struct {
	TopK         int
	TimeBudgetMs int
}

type RolloutConfig struct {
	Mode                string
	CanaryPercent       int
	AutoRollbackEnabled bool
	MinSamples          int
	FailRatioThreshold  float64
	WindowSec           int
	RollbackCooldownSec int
	ShadowTimeoutMs     int
}

type ChatConfig struct {
	ConfirmTTLSec   int
	LegacyURL       string
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	EngineTimeoutMs int
}

type ChatStateConfig struct {
	Enabled bool
	Driver  string
	DSN     string
	PIIMode string
}

type RetentionConfig struct {
	SessionDays     int
	TurnDays        int
	AuditDays       int
	DeleteBatchSize int
	IntervalSec     int
}

type JournalConfig struct {
	QueueSize int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("QS_PORT", 8080),
		Version:     envStr("QS_VERSION", "0.1.0"),
		LogLevel:    envStr("QS_LOG_LEVEL", "info"),
		LogFormat:   envStr("QS_LOG_FORMAT", "console"),
		CORSOrigins: envList("CORS_ALLOW_ORIGINS", []string{"*"}),
		RedisURL:    envStr("REDIS_URL", ""),
		DataDir:     envStr("QS_DATA_DIR", ""),
		APIKeys:     envList("QS_API_KEYS", nil),

		ServiceTokenSecret: envStr("QS_SERVICE_TOKEN_SECRET", ""),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "query-gateway"),
		},
		Providers: ProviderConfig{
			Spell:       envStr("QS_SPELL_PROVIDER", "off"),
			Rewrite:     envStr("QS_REWRITE_PROVIDER", "off"),
			SpellURL:    envStr("QS_SPELL_URL", ""),
			RewriteURL:  envStr("QS_REWRITE_URL", ""),
			SpellMock:   envStr("QS_SPELL_MOCK_RESPONSE", ""),
			RewriteMock: envStr("QS_REWRITE_MOCK_RESPONSE", ""),
			TimeoutMs:   envInt("QS_PROVIDER_TIMEOUT_MS", 800),
			MaxQPS:      envFloat("QS_PROVIDER_MAX_QPS", 50),
		},
		Enhance: EnhanceConfig{
			MinLatencyBudgetMs: envInt("QS_ENHANCE_MIN_LATENCY_BUDGET_MS", 200),
			CooldownSec:        envInt("QS_ENHANCE_COOLDOWN_SEC", 60),
			WindowSec:          envInt("QS_ENHANCE_WINDOW_SEC", 60),
			MaxPerWindow:       envInt("QS_ENHANCE_MAX_PER_WINDOW", 1000),
			MaxPerQueryPerHour: envInt("QS_ENHANCE_MAX_PER_QUERY_PER_HOUR", 30),
			CacheTTLSec:        envInt("QS_ENHANCE_CACHE_TTL_SEC", 600),
		},
		Spell: SpellConfig{
			CandidateEnable: envBool("QS_SPELL_CANDIDATE_ENABLE", true),
			CandidateMax:    envInt("QS_SPELL_CANDIDATE_MAX", 10),
			CandidateTopK:   envInt("QS_SPELL_CANDIDATE_TOPK", 5),
			KeyboardLocale:  envStr("QS_SPELL_KEYBOARD_LOCALE", "en"),
			DictPath:        envStr("QS_SPELL_DICT_PATH", ""),
		},
		Normalize: NormalizeConfig{
			RulesPath: envStr("QS_NORMALIZE_RULES_PATH", ""),
		},
		Retrieval: RetrievalConfig{
			TopK:         envInt("QS_RETRIEVAL_TOPK", 50),
			TimeBudgetMs: envInt("QS_RETRIEVAL_TIME_BUDGET_MS", 800),
		},
		Rollout: RolloutConfig{
			Mode:                envStr("QS_CHAT_ENGINE_MODE", "legacy"),
			CanaryPercent:       clamp(envInt("QS_CHAT_ENGINE_CANARY_PERCENT", 0), 0, 100),
			AutoRollbackEnabled: envBool("QS_CHAT_ROLLOUT_AUTO_ROLLBACK_ENABLED", true),
			MinSamples:          envInt("QS_CHAT_ROLLOUT_GATE_MIN_SAMPLES", 20),
			FailRatioThreshold:  envFloat("QS_CHAT_ROLLOUT_GATE_FAIL_RATIO_THRESHOLD", 0.2),
			WindowSec:           envInt("QS_CHAT_ROLLOUT_GATE_WINDOW_SEC", 300),
			RollbackCooldownSec: envInt("QS_CHAT_ROLLOUT_ROLLBACK_COOLDOWN_SEC", 600),
			ShadowTimeoutMs:     envInt("QS_CHAT_SHADOW_TIMEOUT_MS", 3000),
		},
		Chat: ChatConfig{
			ConfirmTTLSec:   envInt("QS_CHAT_CONFIRM_TTL_SEC", 300),
			LegacyURL:       envStr("QS_CHAT_LEGACY_URL", ""),
			LLMBaseURL:      envStr("QS_LLM_BASE_URL", ""),
			LLMAPIKey:       envStr("QS_LLM_API_KEY", ""),
			LLMModel:        envStr("QS_LLM_MODEL", "gpt-4o-mini"),
			EngineTimeoutMs: envInt("QS_CHAT_ENGINE_TIMEOUT_MS", 8000),
		},
		ChatState: ChatStateConfig{
			Enabled: envBool("QS_CHAT_STATE_ENABLED", true),
			Driver:  envStr("QS_CHAT_STATE_DRIVER", "memory"),
			DSN:     envStr("QS_CHAT_STATE_DSN", ""),
			PIIMode: envStr("QS_CHAT_PII_MODE", "masked_raw"),
		},
		Retention: RetentionConfig{
			SessionDays:     envInt("QS_RETENTION_SESSION_DAYS", 30),
			TurnDays:        envInt("QS_RETENTION_TURN_DAYS", 30),
			AuditDays:       envInt("QS_RETENTION_AUDIT_DAYS", 180),
			DeleteBatchSize: envInt("QS_RETENTION_DELETE_BATCH_SIZE", 500),
			IntervalSec:     envInt("QS_RETENTION_INTERVAL_SEC", 3600),
		},
		Journal: JournalConfig{
			QueueSize: envInt("QS_JOURNAL_QUEUE_SIZE", 1024),
		},
	}
}

// Holder publishes the current Config to concurrent readers. Reload swaps the
// pointer; callers that already loaded a snapshot keep using it.
type Holder struct {
	ptr atomic.Pointer[Config]
}

// NewHolder wraps an initial config.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.ptr.Store(cfg)
	return h
}

// Get returns the current immutable snapshot.
func (h *Holder) Get() *Config { return h.ptr.Load() }

// Store replaces the snapshot.
func (h *Holder) Store(cfg *Config) { h.ptr.Store(cfg) }

// Reload re-reads the environment and swaps the snapshot in.
func (h *Holder) Reload() *Config {
	cfg := Load()
	h.ptr.Store(cfg)
	log.Info().
		Str("rollout_mode", cfg.Rollout.Mode).
		Int("canary_percent", cfg.Rollout.CanaryPercent).
		Str("spell_provider", cfg.Providers.Spell).
		Str("rewrite_provider", cfg.Providers.Rewrite).
		Msg("🔄 Configuration reloaded")
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, using default")
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
