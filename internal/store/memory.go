// MemoryStore is used when no SQL driver is configured (local dev, tests).
// It supports file-based snapshot persistence so data survives restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions   map[string]*models.SessionState `json:"sessions"`
	Turns      []*models.TurnEvent             `json:"turns"`
	Audits     []*models.ActionAudit           `json:"audits"`
	RewriteLog []*models.RewriteFailure        `json:"rewrite_log"`
	NextID     int64                           `json:"next_id"`
}

// MemoryStore implements Store with in-memory maps and slices.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.SessionState // key: conversation_id
	turns      []*models.TurnEvent             // append-only, oldest first
	audits     []*models.ActionAudit           // append-only, oldest first
	rewriteLog []*models.RewriteFailure        // append-only, oldest first
	nextID     int64

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// data is persisted to dataDir/chatstate.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*models.SessionState),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "chatstate.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:   m.sessions,
		Turns:      m.turns,
		Audits:     m.audits,
		RewriteLog: m.rewriteLog,
		NextID:     m.nextID,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	m.turns = snap.Turns
	m.audits = snap.Audits
	m.rewriteLog = snap.RewriteLog
	m.nextID = snap.NextID

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("turns", len(m.turns)).
		Int("audits", len(m.audits)).
		Int("rewrite_log", len(m.rewriteLog)).
		Msg("📂 Loaded chat state snapshot")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	<-m.loopDone

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) UpsertSession(_ context.Context, s *models.SessionState) error {
	m.mu.Lock()
	copy := *s
	m.sessions[s.ConversationID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, conversationID string) (*models.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: conversationID}
	}
	copy := *s
	return &copy, nil
}

// ── Turn Store ──────────────────────────────────────────────

func (m *MemoryStore) AppendTurnEvent(_ context.Context, e *models.TurnEvent) error {
	m.mu.Lock()
	m.nextID++
	e.ID = m.nextID
	copy := *e
	m.turns = append(m.turns, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTurnEvents(_ context.Context, conversationID string, limit int) ([]models.TurnEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = listLimit(limit)
	var result []models.TurnEvent
	for _, e := range m.turns {
		if e.ConversationID == conversationID {
			result = append(result, *e)
		}
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendActionAudit(_ context.Context, a *models.ActionAudit) error {
	m.mu.Lock()
	m.nextID++
	a.ID = m.nextID
	copy := *a
	m.audits = append(m.audits, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListActionAudits(_ context.Context, filter AuditFilter) ([]models.ActionAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := listLimit(filter.Limit)
	var result []models.ActionAudit
	// Newest first
	for i := len(m.audits) - 1; i >= 0 && len(result) < limit; i-- {
		a := m.audits[i]
		if filter.ConversationID != "" && a.ConversationID != filter.ConversationID {
			continue
		}
		if filter.ActionType != "" && a.ActionType != filter.ActionType {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

// ── Rewrite Log Store ───────────────────────────────────────

func (m *MemoryStore) AppendRewriteFailure(_ context.Context, f *models.RewriteFailure) error {
	m.mu.Lock()
	copy := *f
	m.rewriteLog = append(m.rewriteLog, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetRewriteFailure(_ context.Context, id string) (*models.RewriteFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.rewriteLog {
		if f.ID == id {
			copy := *f
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "rewrite failure", Key: id}
}

func (m *MemoryStore) ListRewriteFailures(_ context.Context, filter models.FailureFilter) ([]models.RewriteFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := listLimit(filter.Limit)
	var result []models.RewriteFailure
	for i := len(m.rewriteLog) - 1; i >= 0 && len(result) < limit; i-- {
		if f := m.rewriteLog[i]; matchesFailure(f, filter) {
			result = append(result, *f)
		}
	}
	return result, nil
}

// ── Retention Store ─────────────────────────────────────────

func (m *MemoryStore) CountOlderThan(_ context.Context, table Table, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, err := m.timestamps(table)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range ts {
		if t.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, table Table, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	var deleted int64
	switch table {
	case TableSessions:
		ids := make([]string, 0, len(m.sessions))
		for id, s := range m.sessions {
			if s.UpdatedAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids[:min(limit, len(ids))] {
			delete(m.sessions, id)
			deleted++
		}
	case TableTurns:
		m.turns, deleted = pruneOldest(m.turns, cutoff, limit, func(e *models.TurnEvent) time.Time { return e.CreatedAt })
	case TableAudits:
		m.audits, deleted = pruneOldest(m.audits, cutoff, limit, func(a *models.ActionAudit) time.Time { return a.CreatedAt })
	default:
		m.mu.Unlock()
		return 0, ErrUnknownTable
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

func (m *MemoryStore) timestamps(table Table) ([]time.Time, error) {
	var ts []time.Time
	switch table {
	case TableSessions:
		for _, s := range m.sessions {
			ts = append(ts, s.UpdatedAt)
		}
	case TableTurns:
		for _, e := range m.turns {
			ts = append(ts, e.CreatedAt)
		}
	case TableAudits:
		for _, a := range m.audits {
			ts = append(ts, a.CreatedAt)
		}
	default:
		return nil, ErrUnknownTable
	}
	return ts, nil
}

// pruneOldest drops up to limit rows older than cutoff, in insertion order.
func pruneOldest[T any](rows []*T, cutoff time.Time, limit int, at func(*T) time.Time) ([]*T, int64) {
	kept := rows[:0:0]
	var deleted int64
	for _, r := range rows {
		if deleted < int64(limit) && at(r).Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	return kept, deleted
}
