// Package compaction keeps an unbounded conversation inside a fixed context
// window. It provides token counting with per-message memoization, a usage
// monitor, and an engine that replaces the oldest portion of the message log
// with a synthesized summary while preserving the newest messages verbatim.
package compaction

import (
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentcove/keel/conversation"
)

// CounterFunc converts text into a token count. The engine does not mandate
// a tokenizer; any counting function works as long as it is stable for the
// same input.
type CounterFunc func(text string) int

// DefaultEncoding is the BPE encoding used by NewTiktokenCounter when none
// is specified.
const DefaultEncoding = "cl100k_base"

// NewTiktokenCounter returns a CounterFunc backed by the tiktoken BPE
// tokenizer for the given encoding.
func NewTiktokenCounter(encoding string) (CounterFunc, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return func(text string) int {
		if text == "" {
			return 0
		}
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// HeuristicTokens estimates token count from character count (~4 chars per
// token for English-ish text). It is the fallback when no tokenizer is
// configured and deliberately errs on the conservative side so compaction
// triggers early rather than late.
func HeuristicTokens(text string) int {
	return (len(text) + 3) / 4
}

// messageOverheadTokens accounts for role and framing tokens per message.
const messageOverheadTokens = 4

// TokenCounter counts tokens for messages and conversations, memoizing
// per-message counts on the message itself. Re-tokenizing a multi-hundred
// message history on every check is the dominant cost otherwise.
type TokenCounter struct {
	count CounterFunc
}

// NewTokenCounter creates a TokenCounter using fn, or the character
// heuristic when fn is nil.
func NewTokenCounter(fn CounterFunc) *TokenCounter {
	if fn == nil {
		fn = HeuristicTokens
	}
	return &TokenCounter{count: fn}
}

// CountText counts tokens in a plain string.
func (c *TokenCounter) CountText(text string) int {
	return c.count(text)
}

// CountMessage returns the token count for a message: content tokens plus,
// for each tool call, tokens of the name, serialized parameters, and result.
// The count is memoized on the message; subsequent calls return the cached
// value without re-tokenizing.
func (c *TokenCounter) CountMessage(m *conversation.Message) int {
	if n, ok := m.CachedTokenCount(); ok {
		return n
	}

	total := messageOverheadTokens + c.count(m.Content)
	for _, tc := range m.ToolCalls {
		total += c.count(tc.Name)
		if len(tc.Parameters) > 0 {
			if raw, err := json.Marshal(tc.Parameters); err == nil {
				total += c.count(string(raw))
			}
		}
		total += c.count(tc.Result)
		total += c.count(tc.Error)
	}

	m.SetCachedTokenCount(total)
	return total
}

// CountConversation sums CountMessage over all messages, using memoized
// counts where present.
func (c *TokenCounter) CountConversation(messages []*conversation.Message) int {
	total := 0
	for _, m := range messages {
		total += c.CountMessage(m)
	}
	return total
}

// UsageStats describes how full the context window is.
type UsageStats struct {
	// UsagePercent is 100 * current / limit. It is never clamped: values
	// above 100 mean the conversation is already over budget.
	UsagePercent float64 `json:"usage_percent"`

	// AvailableTokens is limit - current, possibly negative.
	AvailableTokens int `json:"available_tokens"`

	// UntilCompactPercent is how many percentage points of the limit remain
	// before the compaction threshold; negative once the threshold is
	// crossed.
	UntilCompactPercent float64 `json:"until_compact_percent"`

	// NeedsCompaction is true iff current >= limit * threshold.
	NeedsCompaction bool `json:"needs_compaction"`
}

// Stats computes usage statistics for currentTokens against limit with the
// given compaction threshold fraction.
func Stats(currentTokens, limit int, thresholdFraction float64) UsageStats {
	if limit <= 0 {
		return UsageStats{NeedsCompaction: currentTokens > 0}
	}
	thresholdTokens := float64(limit) * thresholdFraction
	return UsageStats{
		UsagePercent:        100 * float64(currentTokens) / float64(limit),
		AvailableTokens:     limit - currentTokens,
		UntilCompactPercent: 100 * (thresholdTokens - float64(currentTokens)) / float64(limit),
		NeedsCompaction:     float64(currentTokens) >= thresholdTokens,
	}
}
