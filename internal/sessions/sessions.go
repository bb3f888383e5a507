// Package sessions keeps short-lived per-conversation chat state in the KV:
// the action awaiting confirmation and the options last offered.
//
// Both records carry a TTL; nothing here is durable.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/query-gateway/internal/cache"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// expiredGrace keeps an expired pending action readable for a while so the
// next turn can tell the user it lapsed.
const expiredGrace = 10 * time.Minute

const defaultSelectionTTL = 30 * time.Minute

// Store reads and writes pending actions and selection state.
type Store struct {
	kv           cache.KV
	selectionTTL time.Duration
	now          func() time.Time
}

// New creates a session store over kv.
func New(kv cache.KV) *Store {
	return &Store{kv: kv, selectionTTL: defaultSelectionTTL, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func pendingKey(conversationID string) string   { return "chat:pending:" + conversationID }
func selectionKey(conversationID string) string { return "chat:selection:" + conversationID }

// PutPending stores draft as awaiting confirmation until its expiry plus a grace period.
func (s *Store) PutPending(ctx context.Context, conversationID string, draft *models.ActionDraft) error {
	now := s.now()
	ttl := time.Unix(draft.ExpiresAt, 0).Sub(now) + expiredGrace
	p := models.PendingAction{
		Draft:     *draft,
		State:     models.PendingAwaitingConfirmation,
		CreatedAt: now.Unix(),
	}
	if err := s.kv.SetJSON(ctx, pendingKey(conversationID), p, ttl); err != nil {
		return fmt.Errorf("sessions: put pending %s: %w", conversationID, err)
	}
	return nil
}

// GetPending returns the pending action for the conversation, or nil.
// A draft past its expires_at is reported with state EXPIRED.
func (s *Store) GetPending(ctx context.Context, conversationID string) (*models.PendingAction, error) {
	var p models.PendingAction
	ok, err := s.kv.GetJSON(ctx, pendingKey(conversationID), &p)
	if err != nil {
		return nil, fmt.Errorf("sessions: get pending %s: %w", conversationID, err)
	}
	if !ok {
		return nil, nil
	}
	if p.Draft.ExpiresAt <= s.now().Unix() {
		p.State = models.PendingExpired
	}
	return &p, nil
}

// ClearPending removes the pending action.
func (s *Store) ClearPending(ctx context.Context, conversationID string) error {
	if err := s.kv.Delete(ctx, pendingKey(conversationID)); err != nil {
		return fmt.Errorf("sessions: clear pending %s: %w", conversationID, err)
	}
	return nil
}

// PutSelection remembers the options offered in this conversation.
func (s *Store) PutSelection(ctx context.Context, conversationID string, sel *models.SelectionState) error {
	if sel.CreatedAt == 0 {
		sel.CreatedAt = s.now().Unix()
	}
	if err := s.kv.SetJSON(ctx, selectionKey(conversationID), sel, s.selectionTTL); err != nil {
		return fmt.Errorf("sessions: put selection %s: %w", conversationID, err)
	}
	return nil
}

// GetSelection returns the selection state, or nil.
func (s *Store) GetSelection(ctx context.Context, conversationID string) (*models.SelectionState, error) {
	var sel models.SelectionState
	ok, err := s.kv.GetJSON(ctx, selectionKey(conversationID), &sel)
	if err != nil {
		return nil, fmt.Errorf("sessions: get selection %s: %w", conversationID, err)
	}
	if !ok {
		return nil, nil
	}
	return &sel, nil
}

// ClearSelection removes the selection state.
func (s *Store) ClearSelection(ctx context.Context, conversationID string) error {
	if err := s.kv.Delete(ctx, selectionKey(conversationID)); err != nil {
		return fmt.Errorf("sessions: clear selection %s: %w", conversationID, err)
	}
	return nil
}
