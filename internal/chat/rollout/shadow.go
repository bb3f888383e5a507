package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Shadow comparison outcomes.
const (
	ShadowMatch     = "match"
	ShadowDiff      = "diff"
	ShadowCancelled = "cancelled"
)

// Signature is what a shadow run is compared on.
type Signature struct {
	Status     string
	ReasonCode string
}

// SignatureOf extracts the signature of an engine result. A nil result or
// an error reads as status error.
func SignatureOf(res *models.EngineResult, err error) Signature {
	if err != nil || res == nil {
		return Signature{Status: models.StatusError}
	}
	return Signature{Status: res.Status, ReasonCode: res.ReasonCode}
}

// ShadowRun is an agent execution running beside the serving path.
type ShadowRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	sig     Signature
	metrics *metrics.Registry
}

// StartShadow runs fn on a context detached from ctx's cancellation and
// bounded by the shadow timeout. Panics in fn are contained.
func (c *Controller) StartShadow(ctx context.Context, fn func(context.Context) (*models.EngineResult, error)) *ShadowRun {
	timeout := time.Duration(c.cfg.Get().Rollout.ShadowTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	run := &ShadowRun{cancel: cancel, done: make(chan struct{}), metrics: c.metrics}

	go func() {
		defer close(run.done)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Shadow run panicked")
				run.sig = SignatureOf(nil, fmt.Errorf("panic: %v", r))
			}
		}()
		run.sig = SignatureOf(fn(sctx))
	}()
	return run
}

// Finish compares a completed shadow run with the serving signature and
// records the outcome. A run still in flight is cancelled instead.
func (s *ShadowRun) Finish(serving Signature) string {
	defer s.cancel()
	select {
	case <-s.done:
	default:
		s.metrics.Inc("chat_rollout_shadow_cancelled_total", nil)
		return ShadowCancelled
	}
	result := ShadowDiff
	if s.sig == serving {
		result = ShadowMatch
	}
	s.metrics.Inc("chat_rollout_shadow_diff_total", metrics.Labels{"result": result})
	if result == ShadowDiff {
		log.Info().
			Str("serving_status", serving.Status).
			Str("serving_reason", serving.ReasonCode).
			Str("shadow_status", s.sig.Status).
			Str("shadow_reason", s.sig.ReasonCode).
			Msg("Shadow run diverged")
	}
	return result
}

// Wait blocks until the shadow goroutine has returned.
func (s *ShadowRun) Wait() { <-s.done }
