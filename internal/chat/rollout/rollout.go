// Package rollout steers chat traffic between the legacy and agent engines.
//
// The only shared state is in the KV: per-engine gate counters and the
// rollback flag. Selection is computed once per request and passed down
// by value.
package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// RollbackReasonGate is set when the agent failure ratio trips the gate.
const RollbackReasonGate = "gate_failure_ratio"

const rollbackKey = "chat:rollout:rollback"

// retryable is the consolidated set of reason codes counted as gate failures.
var retryable = map[string]bool{
	models.ReasonProviderTimeout:      true,
	models.ReasonProviderError:        true,
	models.ReasonRAGNoChunksRetryable: true,
	models.ReasonToolRetryable:        true,
	models.ReasonLLMTimeout:           true,
	models.ReasonUpstreamUnavailable:  true,
}

// IsFailure reports whether a response counts against its engine's gate.
func IsFailure(status, reasonCode string) bool {
	return status == models.StatusError || retryable[reasonCode]
}

// IsRetryable reports whether reasonCode is in the retryable set.
func IsRetryable(reasonCode string) bool { return retryable[reasonCode] }

// Bucket maps key onto [0,100) using the first 8 hex digits of its SHA-256.
func Bucket(key string) int {
	sum := sha256.Sum256([]byte(key))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:4]), 16, 32)
	return int(n % 100)
}

// Controller selects engines and keeps the gate.
type Controller struct {
	kv      cache.KV
	cfg     *config.Holder
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a controller. Settings are read from cfg on every call.
func New(kv cache.KV, cfg *config.Holder, reg *metrics.Registry) *Controller {
	if reg == nil {
		reg = metrics.Default()
	}
	return &Controller{kv: kv, cfg: cfg, metrics: reg, now: time.Now}
}

// SetClock overrides the time source.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

func (c *Controller) settings() config.RolloutConfig {
	s := c.cfg.Get().Rollout
	if s.WindowSec <= 0 {
		s.WindowSec = 300
	}
	if s.RollbackCooldownSec <= 0 {
		s.RollbackCooldownSec = 600
	}
	s.CanaryPercent = min(max(s.CanaryPercent, 0), 100)
	return s
}

// Select picks the engine for one request. sessionID is preferred over
// userID as the bucketing key.
func (c *Controller) Select(ctx context.Context, sessionID, userID string) models.RolloutDecision {
	s := c.settings()
	key := sessionID
	if key == "" {
		key = userID
	}
	d := models.RolloutDecision{
		Mode:            models.ParseRolloutMode(s.Mode),
		EffectiveEngine: models.EngineLegacy,
		BucketHash:      Bucket(key),
	}

	switch d.Mode {
	case models.RolloutAgent:
		d.EffectiveEngine = models.EngineAgent
	case models.RolloutCanary:
		if d.BucketHash < s.CanaryPercent {
			d.EffectiveEngine = models.EngineAgent
		}
	case models.RolloutShadow:
		d.ShadowEnabled = true
	}

	if rb := c.rollback(ctx); rb.Active {
		d.EffectiveEngine = models.EngineLegacy
		d.ShadowEnabled = false
		d.RollbackActive = true
		d.RollbackReason = rb.Reason
	}
	return d
}

func (c *Controller) rollback(ctx context.Context) models.RollbackState {
	var rb models.RollbackState
	ok, err := c.kv.GetJSON(ctx, rollbackKey, &rb)
	if err != nil {
		log.Warn().Err(err).Msg("Rollback flag read failed")
		return models.RollbackState{}
	}
	if !ok {
		return models.RollbackState{}
	}
	return rb
}

// ── Gate ─────────────────────────────────────────────────────
//
// The gate window slides. Counts live in fixed buckets of window_sec; the
// window at t is the current bucket plus the previous one weighted by the
// share of it still inside [t-window_sec, t].

var gateParts = []string{"samples", "failures", "first", "last"}

type gateBucket struct {
	samples, failures, first, last int64
}

// position returns the current bucket index and the weight of the
// previous bucket.
func (c *Controller) position(s config.RolloutConfig) (int64, float64) {
	windowMs := int64(s.WindowSec) * 1000
	nowMs := c.now().UnixMilli()
	return nowMs / windowMs, 1 - float64(nowMs%windowMs)/float64(windowMs)
}

func gateKey(engine models.Engine, part string, idx int64) string {
	return fmt.Sprintf("chat:rollout:gate:%s:%d:%s", engine, idx, part)
}

func (c *Controller) bucket(ctx context.Context, engine models.Engine, idx int64) (gateBucket, error) {
	var b gateBucket
	for i, dst := range []*int64{&b.samples, &b.failures, &b.first, &b.last} {
		if _, err := c.kv.GetJSON(ctx, gateKey(engine, gateParts[i], idx), dst); err != nil {
			return b, fmt.Errorf("rollout: read %s %s: %w", engine, gateParts[i], err)
		}
	}
	return b, nil
}

// slide folds the previous bucket into cur. Both counts are scaled and
// rounded the same way, so failures never exceed samples.
func slide(engine models.Engine, cur, prev gateBucket, weight float64) models.GateWindow {
	w := models.GateWindow{
		Engine:       engine,
		SampleCount:  int64(math.Round(float64(cur.samples) + float64(prev.samples)*weight)),
		FailureCount: int64(math.Round(float64(cur.failures) + float64(prev.failures)*weight)),
		FirstEventTs: cur.first,
		LastEventTs:  max(cur.last, prev.last),
	}
	if prev.samples > 0 && weight > 0 && prev.first > 0 {
		w.FirstEventTs = prev.first
	}
	return w
}

// Record counts one response of engine and trips the rollback flag when
// the agent's sliding window crosses the threshold. Samples are
// incremented before failures so failures never exceed samples.
func (c *Controller) Record(ctx context.Context, engine models.Engine, status, reasonCode string) (models.GateWindow, error) {
	s := c.settings()
	idx, weight := c.position(s)
	ttl := 2 * time.Duration(s.WindowSec) * time.Second
	nowMs := c.now().UnixMilli()
	cur := gateBucket{last: nowMs}

	samples, err := c.kv.Incr(ctx, gateKey(engine, "samples", idx), ttl)
	if err != nil {
		return models.GateWindow{Engine: engine, LastEventTs: nowMs}, fmt.Errorf("rollout: record sample: %w", err)
	}
	cur.samples = samples
	c.metrics.Inc("chat_rollout_gate_samples_total", metrics.Labels{"engine": string(engine)})

	failed := IsFailure(status, reasonCode)
	if failed {
		cur.failures, err = c.kv.Incr(ctx, gateKey(engine, "failures", idx), ttl)
		if err != nil {
			return slide(engine, cur, gateBucket{}, 0), fmt.Errorf("rollout: record failure: %w", err)
		}
		c.metrics.Inc("chat_rollout_gate_failures_total", metrics.Labels{"engine": string(engine)})
	} else if _, err := c.kv.GetJSON(ctx, gateKey(engine, "failures", idx), &cur.failures); err != nil {
		return slide(engine, cur, gateBucket{}, 0), fmt.Errorf("rollout: read failures: %w", err)
	}

	if _, err := c.kv.SetNX(ctx, gateKey(engine, "first", idx), nowMs, ttl); err != nil {
		log.Warn().Err(err).Str("engine", string(engine)).Msg("Gate first event write failed")
	}
	if ok, err := c.kv.GetJSON(ctx, gateKey(engine, "first", idx), &cur.first); err != nil || !ok {
		cur.first = nowMs
	}
	if err := c.kv.SetJSON(ctx, gateKey(engine, "last", idx), nowMs, ttl); err != nil {
		log.Warn().Err(err).Str("engine", string(engine)).Msg("Gate last event write failed")
	}

	prev, err := c.bucket(ctx, engine, idx-1)
	if err != nil {
		log.Warn().Err(err).Str("engine", string(engine)).Msg("Previous gate bucket unreadable, using current only")
		prev = gateBucket{}
	}
	w := slide(engine, cur, prev, weight)

	if engine == models.EngineAgent && failed {
		c.maybeRollback(ctx, s, w)
	}
	return w, nil
}

func (c *Controller) maybeRollback(ctx context.Context, s config.RolloutConfig, w models.GateWindow) {
	if !s.AutoRollbackEnabled || w.SampleCount < int64(s.MinSamples) {
		return
	}
	if w.FailureRatio() < s.FailRatioThreshold {
		return
	}
	rb := models.RollbackState{
		Active: true,
		Reason: RollbackReasonGate,
		SetAt:  c.now().UnixMilli(),
		Engine: w.Engine,
	}
	set, err := c.kv.SetNX(ctx, rollbackKey, rb, time.Duration(s.RollbackCooldownSec)*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("Rollback flag write failed")
		return
	}
	if set {
		c.metrics.Inc("chat_rollout_rollback_total", metrics.Labels{"reason": RollbackReasonGate})
		log.Warn().
			Int64("samples", w.SampleCount).
			Int64("failures", w.FailureCount).
			Float64("ratio", w.FailureRatio()).
			Int("cooldown_sec", s.RollbackCooldownSec).
			Msg("⏪ Agent engine rolled back")
	}
}

// ── Admin ────────────────────────────────────────────────────

// Snapshot returns the current settings, gate windows and rollback flag.
func (c *Controller) Snapshot(ctx context.Context) (*models.RolloutSnapshot, error) {
	s := c.settings()
	idx, weight := c.position(s)
	snap := &models.RolloutSnapshot{
		Mode:                models.ParseRolloutMode(s.Mode),
		CanaryPercent:       s.CanaryPercent,
		AutoRollbackEnabled: s.AutoRollbackEnabled,
		MinSamples:          s.MinSamples,
		FailRatioThreshold:  s.FailRatioThreshold,
		WindowSec:           s.WindowSec,
		RollbackCooldownSec: s.RollbackCooldownSec,
		Gate:                map[models.Engine]models.GateWindow{},
		Rollback:            c.rollback(ctx),
	}
	for _, engine := range []models.Engine{models.EngineLegacy, models.EngineAgent} {
		cur, err := c.bucket(ctx, engine, idx)
		if err != nil {
			return nil, fmt.Errorf("rollout: snapshot: %w", err)
		}
		prev, err := c.bucket(ctx, engine, idx-1)
		if err != nil {
			return nil, fmt.Errorf("rollout: snapshot: %w", err)
		}
		snap.Gate[engine] = slide(engine, cur, prev, weight)
	}
	return snap, nil
}

// Reset clears the rollback flag and every bucket the gate window reads.
func (c *Controller) Reset(ctx context.Context, adminID string) error {
	s := c.settings()
	idx, _ := c.position(s)
	keys := []string{rollbackKey}
	for _, engine := range []models.Engine{models.EngineLegacy, models.EngineAgent} {
		for _, i := range []int64{idx - 1, idx} {
			for _, part := range gateParts {
				keys = append(keys, gateKey(engine, part, i))
			}
		}
	}
	for _, k := range keys {
		if err := c.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("rollout: reset %s: %w", k, err)
		}
	}
	log.Info().Str("admin_id", adminID).Msg("🔁 Rollout state reset")
	return nil
}
