package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T) (*cache.Memory, *clock) {
	t.Helper()
	m := cache.NewMemory()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	m.SetClock(c.Now)
	t.Cleanup(func() { m.Close() })
	return m, c
}

func TestMemory_JSONRoundTripAndExpiry(t *testing.T) {
	m, clk := newMemory(t)
	ctx := context.Background()

	type payload struct{ Reason string }
	require.NoError(t, m.SetJSON(ctx, "deny:ck:1", payload{Reason: "LOW_BUDGET"}, time.Minute))

	var got payload
	ok, err := m.GetJSON(ctx, "deny:ck:1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "LOW_BUDGET", got.Reason)

	clk.Advance(time.Minute)
	ok, err = m.GetJSON(ctx, "deny:ck:1", &got)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire at its TTL")
}

func TestMemory_SetNX(t *testing.T) {
	m, clk := newMemory(t)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "cooldown", 1, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "cooldown", 2, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must not overwrite")

	clk.Advance(11 * time.Second)
	ok, err = m.SetNX(ctx, "cooldown", 3, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX succeeds after expiry")
}

func TestMemory_IncrKeepsInitialTTL(t *testing.T) {
	m, clk := newMemory(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "win", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		clk.Advance(10 * time.Second)
	}
	// Created at t0 with 30s TTL; now t0+30s, so the window has rolled.
	n, err := m.Incr(ctx, "win", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_IncrNonInteger(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()
	require.NoError(t, m.SetJSON(ctx, "k", "text", 0))
	_, err := m.Incr(ctx, "k", 0)
	assert.ErrorIs(t, err, cache.ErrNotInteger)
}

func TestMemory_ConcurrentSetNXHasOneWinner(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := m.SetNX(ctx, "owner", "x", time.Minute)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestFallback_UnreachableRedisUsesLocal(t *testing.T) {
	reg := metrics.NewRegistry()
	remote, err := cache.NewRedis("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	kv := cache.NewFallback(remote, nil, reg)
	t.Cleanup(func() { kv.Close() })

	ctx := context.Background()
	n, err := kv.Incr(ctx, "gate:agent:samples", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := kv.SetNX(ctx, "chat:rollout:rollback", map[string]string{"reason": "gate_failure_ratio"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	var got map[string]string
	ok, err = kv.GetJSON(ctx, "chat:rollout:rollback", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gate_failure_ratio", got["reason"])

	assert.Equal(t, float64(1), reg.Get("cache_errors_total", metrics.Labels{"op": "incr"}))
	assert.Equal(t, float64(1), reg.Get("cache_errors_total", metrics.Labels{"op": "setnx"}))
	assert.Equal(t, float64(1), reg.Get("cache_errors_total", metrics.Labels{"op": "get"}))
	assert.Error(t, kv.Ping(ctx))
}

func TestFallback_LocalOnly(t *testing.T) {
	reg := metrics.NewRegistry()
	kv := cache.New("", reg)
	t.Cleanup(func() { kv.Close() })

	assert.False(t, kv.Remote())
	require.NoError(t, kv.Ping(context.Background()))
	require.NoError(t, kv.SetJSON(context.Background(), "a", 1, 0))
	require.NoError(t, kv.Delete(context.Background(), "a"))

	var v int
	ok, err := kv.GetJSON(context.Background(), "a", &v)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, reg.Snapshot())
}
