package rollout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/chat/rollout"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newController(t *testing.T, rc config.RolloutConfig) (*rollout.Controller, *clock, *metrics.Registry) {
	t.Helper()
	kv := cache.NewMemory()
	t.Cleanup(func() { kv.Close() })
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	kv.SetClock(clk.Now)
	reg := metrics.NewRegistry()
	c := rollout.New(kv, config.NewHolder(&config.Config{Rollout: rc}), reg)
	c.SetClock(clk.Now)
	return c, clk, reg
}

func gated(mode string) config.RolloutConfig {
	return config.RolloutConfig{
		Mode:                mode,
		AutoRollbackEnabled: true,
		MinSamples:          2,
		FailRatioThreshold:  0.4,
		WindowSec:           300,
		RollbackCooldownSec: 600,
		ShadowTimeoutMs:     1000,
	}
}

func TestBucket_StableAndInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("session-%d", i)
		b := rollout.Bucket(key)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 100)
		require.Equal(t, b, rollout.Bucket(key))
	}
}

func TestSelect_Modes(t *testing.T) {
	ctx := context.Background()

	c, _, _ := newController(t, gated("legacy"))
	d := c.Select(ctx, "s1", "")
	assert.Equal(t, models.EngineLegacy, d.EffectiveEngine)
	assert.False(t, d.ShadowEnabled)

	c, _, _ = newController(t, gated("agent"))
	assert.Equal(t, models.EngineAgent, c.Select(ctx, "s1", "").EffectiveEngine)

	c, _, _ = newController(t, gated("shadow"))
	d = c.Select(ctx, "s1", "")
	assert.Equal(t, models.EngineLegacy, d.EffectiveEngine)
	assert.True(t, d.ShadowEnabled)

	rc := gated("canary")
	rc.CanaryPercent = 50
	c, _, _ = newController(t, rc)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("s-%d", i)
		d := c.Select(ctx, "", key)
		want := models.EngineLegacy
		if rollout.Bucket(key) < 50 {
			want = models.EngineAgent
		}
		assert.Equal(t, want, d.EffectiveEngine, key)
		assert.Equal(t, rollout.Bucket(key), d.BucketHash)
	}

	d = c.Select(ctx, "session-wins", "user-ignored")
	assert.Equal(t, rollout.Bucket("session-wins"), d.BucketHash)
}

func TestGate_TwoTimeoutsRollBack(t *testing.T) {
	ctx := context.Background()
	c, _, reg := newController(t, gated("agent"))

	for i := 0; i < 2; i++ {
		w, err := c.Record(ctx, models.EngineAgent, models.StatusError, models.ReasonProviderTimeout)
		require.NoError(t, err)
		assert.LessOrEqual(t, w.FailureCount, w.SampleCount)
	}

	d := c.Select(ctx, "s1", "")
	assert.Equal(t, models.EngineLegacy, d.EffectiveEngine)
	assert.True(t, d.RollbackActive)
	assert.Equal(t, rollout.RollbackReasonGate, d.RollbackReason)
	assert.Equal(t, 1.0, reg.Get("chat_rollout_rollback_total", metrics.Labels{"reason": rollout.RollbackReasonGate}))
}

func TestGate_BelowMinSamplesDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	rc := gated("agent")
	rc.MinSamples = 3
	c, _, _ := newController(t, rc)

	for i := 0; i < rc.MinSamples-1; i++ {
		_, err := c.Record(ctx, models.EngineAgent, models.StatusFallback, models.ReasonProviderError)
		require.NoError(t, err)
	}
	d := c.Select(ctx, "s1", "")
	assert.Equal(t, models.EngineAgent, d.EffectiveEngine)
	assert.False(t, d.RollbackActive)
}

func TestGate_FailuresAcrossBucketBoundaryTrip(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newController(t, gated("agent"))

	clk.Advance(290 * time.Second)
	w, err := c.Record(ctx, models.EngineAgent, models.StatusError, models.ReasonProviderTimeout)
	require.NoError(t, err)
	require.Equal(t, int64(1), w.SampleCount)
	require.False(t, c.Select(ctx, "s1", "").RollbackActive)

	clk.Advance(20 * time.Second)
	w, err = c.Record(ctx, models.EngineAgent, models.StatusError, models.ReasonProviderTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.SampleCount, "the failure 20s ago is still inside the window")
	assert.Equal(t, int64(2), w.FailureCount)
	assert.True(t, c.Select(ctx, "s1", "").RollbackActive)
}

func TestGate_OldFailuresSlideOut(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newController(t, gated("agent"))

	_, err := c.Record(ctx, models.EngineAgent, models.StatusFallback, models.ReasonProviderError)
	require.NoError(t, err)

	clk.Advance(600 * time.Second)
	w, err := c.Record(ctx, models.EngineAgent, models.StatusError, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.SampleCount)
	assert.False(t, c.Select(ctx, "s1", "").RollbackActive)
}

func TestGate_RollbackExpiresAfterCooldown(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newController(t, gated("agent"))

	for i := 0; i < 2; i++ {
		_, err := c.Record(ctx, models.EngineAgent, models.StatusError, "")
		require.NoError(t, err)
	}
	require.Equal(t, models.EngineLegacy, c.Select(ctx, "s1", "").EffectiveEngine)

	clk.Advance(601 * time.Second)
	assert.Equal(t, models.EngineAgent, c.Select(ctx, "s1", "").EffectiveEngine)
}

func TestGate_DisabledAutoRollback(t *testing.T) {
	ctx := context.Background()
	rc := gated("agent")
	rc.AutoRollbackEnabled = false
	c, _, _ := newController(t, rc)

	for i := 0; i < 5; i++ {
		_, err := c.Record(ctx, models.EngineAgent, models.StatusError, "")
		require.NoError(t, err)
	}
	assert.Equal(t, models.EngineAgent, c.Select(ctx, "s1", "").EffectiveEngine)
}

func TestGate_LegacyFailuresNeverRollBack(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, gated("agent"))
	for i := 0; i < 5; i++ {
		_, err := c.Record(ctx, models.EngineLegacy, models.StatusError, "")
		require.NoError(t, err)
	}
	assert.False(t, c.Select(ctx, "s1", "").RollbackActive)
}

func TestGate_ConcurrentObservationsAllCounted(t *testing.T) {
	ctx := context.Background()
	rc := gated("agent")
	rc.AutoRollbackEnabled = false
	c, _, _ := newController(t, rc)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.StatusOK
			if i%2 == 0 {
				status = models.StatusError
			}
			if _, err := c.Record(ctx, models.EngineAgent, status, ""); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	w := snap.Gate[models.EngineAgent]
	assert.Equal(t, int64(40), w.SampleCount)
	assert.Equal(t, int64(20), w.FailureCount)
	assert.NotZero(t, w.FirstEventTs)
}

func TestSnapshotAndReset(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newController(t, gated("agent"))
	for i := 0; i < 2; i++ {
		_, err := c.Record(ctx, models.EngineAgent, models.StatusError, models.ReasonLLMTimeout)
		require.NoError(t, err)
	}

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Rollback.Active)
	assert.Equal(t, int64(2), snap.Gate[models.EngineAgent].SampleCount)
	assert.Equal(t, models.RolloutAgent, snap.Mode)

	require.NoError(t, c.Reset(ctx, "admin-1"))
	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Rollback.Active)
	assert.Zero(t, snap.Gate[models.EngineAgent].SampleCount)
	assert.Equal(t, models.EngineAgent, c.Select(ctx, "s1", "").EffectiveEngine)
}

func TestIsFailure(t *testing.T) {
	assert.True(t, rollout.IsFailure(models.StatusError, ""))
	assert.True(t, rollout.IsFailure(models.StatusFallback, models.ReasonRAGNoChunksRetryable))
	assert.True(t, rollout.IsFailure(models.StatusOK, models.ReasonToolRetryable))
	assert.False(t, rollout.IsFailure(models.StatusInsufficientEvidence, models.ReasonNoEvidence))
}

// ── Shadow ───────────────────────────────────────────────────

func TestShadow_MatchAndDiff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/agentoven/agentoven/query-gateway/internal/cache.(*Memory).sweepLoop"))

	c, _, reg := newController(t, gated("shadow"))
	serving := rollout.Signature{Status: models.StatusOK}

	run := c.StartShadow(context.Background(), func(context.Context) (*models.EngineResult, error) {
		return &models.EngineResult{Status: models.StatusOK}, nil
	})
	run.Wait()
	assert.Equal(t, rollout.ShadowMatch, run.Finish(serving))

	run = c.StartShadow(context.Background(), func(context.Context) (*models.EngineResult, error) {
		return nil, errors.New("llm down")
	})
	run.Wait()
	assert.Equal(t, rollout.ShadowDiff, run.Finish(serving))

	assert.Equal(t, 1.0, reg.Get("chat_rollout_shadow_diff_total", metrics.Labels{"result": "match"}))
	assert.Equal(t, 1.0, reg.Get("chat_rollout_shadow_diff_total", metrics.Labels{"result": "diff"}))
}

func TestShadow_CancelledWhenStillRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/agentoven/agentoven/query-gateway/internal/cache.(*Memory).sweepLoop"))

	c, _, reg := newController(t, gated("shadow"))
	parent, cancelParent := context.WithCancel(context.Background())
	started := make(chan struct{})

	run := c.StartShadow(parent, func(ctx context.Context) (*models.EngineResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	// Cancelling the serving request does not stop the shadow run.
	cancelParent()
	select {
	case <-time.After(20 * time.Millisecond):
	case <-waitCh(run):
		t.Fatal("shadow run stopped with its parent")
	}

	assert.Equal(t, rollout.ShadowCancelled, run.Finish(rollout.Signature{Status: models.StatusOK}))
	run.Wait()
	assert.Equal(t, 1.0, reg.Get("chat_rollout_shadow_cancelled_total", nil))
	assert.Zero(t, reg.Get("chat_rollout_shadow_diff_total", metrics.Labels{"result": "diff"}))
}

func TestShadow_PanicIsContained(t *testing.T) {
	c, _, _ := newController(t, gated("shadow"))
	run := c.StartShadow(context.Background(), func(context.Context) (*models.EngineResult, error) {
		panic("boom")
	})
	run.Wait()
	assert.Equal(t, rollout.ShadowDiff, run.Finish(rollout.Signature{Status: models.StatusOK}))
}

func waitCh(run *rollout.ShadowRun) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		run.Wait()
		close(ch)
	}()
	return ch
}
