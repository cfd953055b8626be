// Package conversation defines the persistent data model shared by the
// orchestration core: messages, tool call records, sessions, and the
// session store interface.
package conversation

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metadata keys used by the core.
const (
	MetaType                  = "type"
	MetaTypeCompactionSummary = "compaction_summary"
	MetaTypeToolResult        = "tool_result"
	MetaTypeInterruption      = "interruption"
	MetaTypeErrorNotice       = "error_notice"
	MetaTypeNudge             = "nudge"
	MetaOriginalMessageCount  = "original_message_count"
	MetaOriginalTokenCount    = "original_token_count"
	MetaCompactedAt           = "compacted_at"
)

// ToolCallRecord is created when the model proposes a tool call and mutated
// exactly once to attach the execution result or error. After resolution it
// is never mutated again.
type ToolCallRecord struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Result        string                 `json:"result,omitempty"`
	ResultSummary string                 `json:"result_summary,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Approved      bool                   `json:"approved"`

	resolved bool
}

// Resolve attaches the execution outcome. The second and later calls are
// no-ops so a record can never be rewritten after the fact.
func (r *ToolCallRecord) Resolve(result, summary, errMsg string) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.Result = result
	r.ResultSummary = summary
	r.Error = errMsg
}

// Resolved reports whether a result or error has been attached.
func (r *ToolCallRecord) Resolved() bool { return r.resolved }

// Message is a single entry in a session's message log. Messages are
// immutable once appended, except for the cached token count which is
// computed lazily and memoized.
type Message struct {
	ID           string            `json:"id"`
	Role         Role              `json:"role"`
	Content      string            `json:"content"`
	ToolCalls    []*ToolCallRecord `json:"tool_calls,omitempty"`
	ToolResultID string            `json:"tool_result_id,omitempty"` // correlates a tool-result message to its call
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	// cachedTokens holds count+1 so the zero value means "not computed".
	// Written once, safe to read concurrently afterwards.
	cachedTokens atomic.Int64
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolResultMessage creates the message recording one tool call's outcome,
// correlated by the call ID.
func NewToolResultMessage(toolCallID, content string, isError bool) *Message {
	m := NewMessage(RoleUser, content)
	m.ToolResultID = toolCallID
	m.Metadata = map[string]string{MetaType: MetaTypeToolResult}
	if isError {
		m.Metadata["is_error"] = "true"
	}
	return m
}

// IsToolResult reports whether the message records a tool call outcome.
func (m *Message) IsToolResult() bool {
	return m.ToolResultID != ""
}

// IsToolResultError reports whether the message records a failed tool call.
func (m *Message) IsToolResultError() bool {
	return m.IsToolResult() && m.Metadata["is_error"] == "true"
}

// IsCompactionSummary reports whether the message was synthesized by the
// compaction engine.
func (m *Message) IsCompactionSummary() bool {
	return m.Metadata[MetaType] == MetaTypeCompactionSummary
}

// CachedTokenCount returns the memoized token count and whether it has been
// computed.
func (m *Message) CachedTokenCount() (int, bool) {
	v := m.cachedTokens.Load()
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

// SetCachedTokenCount memoizes the token count for this message.
func (m *Message) SetCachedTokenCount(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	m.cachedTokens.Store(int64(tokens) + 1)
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}
