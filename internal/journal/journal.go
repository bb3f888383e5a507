// Package journal records rejected and failed enhancement stages to the
// query_rewrite_log so they can be listed and replayed later.
//
// Record never blocks the request path: entries go into a bounded queue
// drained by one background writer. When the queue is full the oldest
// entry is dropped and rewrite_log_dropped_total is incremented.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/guardrails"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Stages a failure can be replayed at.
const (
	StageSpell   = "spell"
	StageRewrite = "rewrite"
)

const defaultQueueSize = 1024

// Journal is the asynchronous failure writer.
type Journal struct {
	store   store.RewriteLogStore
	metrics *metrics.Registry
	now     func() time.Time

	mu     sync.Mutex
	queue  []*models.RewriteFailure
	size   int
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a journal with a queue of queueSize entries and starts its writer.
func New(s store.RewriteLogStore, queueSize int, reg *metrics.Registry) *Journal {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if reg == nil {
		reg = metrics.Default()
	}
	j := &Journal{
		store:   s,
		metrics: reg,
		now:     time.Now,
		size:    queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Record enqueues f. ID and CreatedAt are filled when empty.
func (j *Journal) Record(f *models.RewriteFailure) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = j.now().UTC()
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		log.Warn().Str("failure_tag", f.FailureTag).Msg("Journal closed, failure dropped")
		j.metrics.Inc("rewrite_log_dropped_total", nil)
		return
	}
	if len(j.queue) >= j.size {
		dropped := j.queue[0]
		j.queue[0] = nil
		j.queue = j.queue[1:]
		j.metrics.Inc("rewrite_log_dropped_total", nil)
		log.Warn().Str("id", dropped.ID).Str("failure_tag", dropped.FailureTag).Msg("Journal queue full, dropped oldest")
	}
	j.queue = append(j.queue, f)
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued, unwritten entries.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.queue)
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.done:
			return
		case <-j.wake:
			j.drain()
		}
	}
}

func (j *Journal) drain() {
	for {
		j.mu.Lock()
		if len(j.queue) == 0 {
			j.mu.Unlock()
			return
		}
		f := j.queue[0]
		j.queue[0] = nil
		j.queue = j.queue[1:]
		j.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.store.AppendRewriteFailure(ctx, f); err != nil {
			j.metrics.Inc("chat_state_write_errors_total", metrics.Labels{"table": string(store.TableRewriteLog)})
			log.Warn().Err(err).Str("id", f.ID).Str("failure_tag", f.FailureTag).Msg("Rewrite failure write failed")
		}
		cancel()
	}
}

// Close stops the writer and flushes what is still queued.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	close(j.done)
	j.wg.Wait()
	j.drain()
}

// List returns journaled failures, newest first.
func (j *Journal) List(ctx context.Context, filter models.FailureFilter) ([]models.RewriteFailure, error) {
	return j.store.ListRewriteFailures(ctx, filter)
}

// Get returns one failure by id.
func (j *Journal) Get(ctx context.Context, id string) (*models.RewriteFailure, error) {
	return j.store.GetRewriteFailure(ctx, id)
}

// Replay re-runs the recorded stage of failure id against the given
// providers and the current guardrails. Nothing is written back.
func (j *Journal) Replay(ctx context.Context, id string, sp contracts.SpellProvider, rp contracts.RewriteProvider) (*models.ReplayResult, error) {
	f, err := j.store.GetRewriteFailure(ctx, id)
	if err != nil {
		return nil, err
	}
	var p models.ReplayPayload
	if err := json.Unmarshal(f.ReplayPayload, &p); err != nil {
		return nil, fmt.Errorf("journal: decode replay payload %s: %w", id, err)
	}

	out := &models.ReplayResult{FailureID: f.ID, Stage: p.Stage, Input: p.Input}
	var (
		res   *models.ProviderResult
		check func(original, candidate string) guardrails.Result
	)
	switch p.Stage {
	case StageSpell:
		out.Provider = sp.Name()
		res, err = sp.Correct(ctx, p.Input, p.Locale)
		check = guardrails.CheckSpell
	case StageRewrite:
		rc := models.RewriteContext{}
		if p.Context != nil {
			rc = *p.Context
		}
		out.Provider = rp.Name()
		res, err = rp.Rewrite(ctx, p.Input, rc)
		check = guardrails.CheckRewrite
	default:
		return nil, fmt.Errorf("journal: unknown stage %q in %s", p.Stage, id)
	}
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}

	out.Output = res.Text
	out.Score = res.Confidence
	if res.Provider != "" {
		out.Provider = res.Provider
	}
	verdict := check(p.Input, res.Text)
	out.Accepted = verdict.Passed
	out.Reject = verdict.Reason

	log.Info().
		Str("id", id).
		Str("stage", p.Stage).
		Bool("accepted", out.Accepted).
		Str("reject_reason", out.Reject).
		Msg("🔁 Replayed rewrite failure")
	return out, nil
}

// Payload builds the replay payload for a stage. The provider response is
// sanitized before it is stored.
func Payload(stage, input string, req *models.EnhanceRequest, rc *models.RewriteContext, res *models.ProviderResult, err error) json.RawMessage {
	p := models.ReplayPayload{
		Stage:   stage,
		Input:   input,
		Locale:  req.Locale,
		Context: rc,
		Request: req,
	}
	resp := map[string]interface{}{}
	if res != nil {
		p.Provider = res.Provider
		resp["text"] = res.Text
		resp["confidence"] = res.Confidence
		if len(res.Debug) > 0 {
			resp["debug"] = res.Debug
		}
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	if len(resp) > 0 {
		p.ProviderResponse = privacy.New(privacy.ModeMaskedRaw).Payload(resp)
	}
	data, mErr := json.Marshal(p)
	if mErr != nil {
		log.Warn().Err(mErr).Str("stage", stage).Msg("Replay payload encode failed")
		return json.RawMessage(`{}`)
	}
	return data
}
