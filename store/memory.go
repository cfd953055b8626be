package store

import (
	"context"
	"sync"

	"github.com/agentcove/keel/conversation"
)

// MemoryStore implements conversation.Store in memory. Snapshots are deep
// copied on both Save and Load so the stored state cannot alias the live
// session. Intended for tests and ephemeral sessions.
type MemoryStore struct {
	sessions map[string]*conversation.Session
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*conversation.Session),
	}
}

// Save stores a deep copy of the session.
func (s *MemoryStore) Save(ctx context.Context, sess *conversation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// Load returns a deep copy of the stored session, or
// conversation.ErrSessionNotFound.
func (s *MemoryStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, conversation.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// Delete removes a session. Deleting a missing session is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessions returns the IDs of all stored sessions.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func copySession(sess *conversation.Session) *conversation.Session {
	out := &conversation.Session{
		ID:                sess.ID,
		TotalTokensCached: sess.TotalTokensCached,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
		Messages:          make([]*conversation.Message, 0, len(sess.Messages)),
	}
	for _, m := range sess.Messages {
		out.Messages = append(out.Messages, copyMessage(m))
	}
	return out
}

func copyMessage(m *conversation.Message) *conversation.Message {
	cp := &conversation.Message{
		ID:           m.ID,
		Role:         m.Role,
		Content:      m.Content,
		ToolResultID: m.ToolResultID,
		CreatedAt:    m.CreatedAt,
	}
	if tokens, ok := m.CachedTokenCount(); ok {
		cp.SetCachedTokenCount(tokens)
	}
	if len(m.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	for _, tc := range m.ToolCalls {
		record := &conversation.ToolCallRecord{
			ID:       tc.ID,
			Name:     tc.Name,
			Approved: tc.Approved,
		}
		if len(tc.Parameters) > 0 {
			record.Parameters = make(map[string]interface{}, len(tc.Parameters))
			for k, v := range tc.Parameters {
				record.Parameters[k] = v
			}
		}
		if tc.Resolved() {
			record.Resolve(tc.Result, tc.ResultSummary, tc.Error)
		}
		cp.ToolCalls = append(cp.ToolCalls, record)
	}
	return cp
}
