package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Session is the append-only message log for one conversation. It is owned
// exclusively by the orchestrator during an active turn; callers wanting
// concurrent turns must serialize them.
type Session struct {
	ID       string     `json:"id"`
	Messages []*Message `json:"messages"`

	// TotalTokensCached equals the sum of the cached token counts over all
	// current messages. It is maintained incrementally on append and splice,
	// never recomputed from scratch.
	TotalTokensCached int `json:"total_tokens_cached"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session with a fresh ID.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message whose token count has already been computed,
// memoizes the count on the message, and updates the running total.
func (s *Session) Append(m *Message, tokens int) {
	m.SetCachedTokenCount(tokens)
	s.Messages = append(s.Messages, m)
	s.TotalTokensCached += tokens
	s.UpdatedAt = time.Now()
}

// Len returns the number of messages in the session.
func (s *Session) Len() int { return len(s.Messages) }

// Last returns the most recent message, or nil for an empty session.
func (s *Session) Last() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// SpliceCompacted replaces all but the last preserveRecent messages with the
// summary message and rebuilds the running token total from the cached
// per-message counts. The preserved suffix is reused as-is, byte for byte.
func (s *Session) SpliceCompacted(summary *Message, preserveRecent int, summaryTokens int) {
	if preserveRecent < 0 {
		preserveRecent = 0
	}
	if len(s.Messages) <= preserveRecent {
		return
	}
	kept := s.Messages[len(s.Messages)-preserveRecent:]
	summary.SetCachedTokenCount(summaryTokens)

	next := make([]*Message, 0, len(kept)+1)
	next = append(next, summary)
	next = append(next, kept...)
	s.Messages = next

	total := 0
	for _, m := range s.Messages {
		if n, ok := m.CachedTokenCount(); ok {
			total += n
		}
	}
	s.TotalTokensCached = total
	s.UpdatedAt = time.Now()
}
