package compaction

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentcove/keel/conversation"
)

// Default configuration values.
const (
	DefaultContextLimit      = 200000
	DefaultThresholdFraction = 0.8
	DefaultPreserveRecent    = 10
)

// Config holds compaction engine configuration.
type Config struct {
	// ContextLimit is the model's context window in tokens.
	ContextLimit int `json:"context_limit" yaml:"context_limit"`

	// ThresholdFraction of ContextLimit at which compaction triggers
	// (e.g. 0.8 means compact at 80% usage).
	ThresholdFraction float64 `json:"threshold_fraction" yaml:"threshold_fraction"`

	// PreserveRecent is how many of the newest messages survive compaction
	// byte for byte.
	PreserveRecent int `json:"preserve_recent" yaml:"preserve_recent"`
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.ContextLimit == 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.ThresholdFraction == 0 {
		c.ThresholdFraction = DefaultThresholdFraction
	}
	if c.PreserveRecent == 0 {
		c.PreserveRecent = DefaultPreserveRecent
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ContextLimit <= 0 {
		return fmt.Errorf("context_limit must be positive, got %d", c.ContextLimit)
	}
	if c.ThresholdFraction <= 0 || c.ThresholdFraction > 1 {
		return fmt.Errorf("threshold_fraction must be in (0, 1], got %f", c.ThresholdFraction)
	}
	if c.PreserveRecent < 0 {
		return fmt.Errorf("preserve_recent must be non-negative, got %d", c.PreserveRecent)
	}
	return nil
}

// Result describes one compaction event. It is consumed by the caller to
// splice the session and then discarded; it is not persisted.
//
// OriginalTokenCount covers the whole conversation before compaction;
// NewTokenCount covers the summary message plus the preserved suffix.
// TokensSaved is their difference, a whole-conversation delta. The summary
// message's metadata records the compacted prefix's own token count
// separately.
type Result struct {
	SummaryMessage     *conversation.Message `json:"-"`
	MessagesCompacted  int                   `json:"messages_compacted"`
	OriginalTokenCount int                   `json:"original_token_count"`
	NewTokenCount      int                   `json:"new_token_count"`
	TokensSaved        int                   `json:"tokens_saved"`
	ReductionPercent   float64               `json:"reduction_percent"`
	Duration           time.Duration         `json:"-"`
}

// DurationSeconds returns the compaction duration in seconds.
func (r *Result) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Engine decides when the conversation exceeds the configured threshold and
// replaces the oldest messages with a single synthesized summary.
type Engine struct {
	counter    *TokenCounter
	summarizer Summarizer
	fallback   DigestSummarizer
	cfg        Config
}

// NewEngine creates an Engine. A nil counter uses the character heuristic;
// a nil summarizer uses the deterministic digest.
func NewEngine(counter *TokenCounter, summarizer Summarizer, cfg Config) *Engine {
	cfg.ApplyDefaults()
	if counter == nil {
		counter = NewTokenCounter(nil)
	}
	e := &Engine{counter: counter, summarizer: summarizer, cfg: cfg}
	if e.summarizer == nil {
		e.summarizer = &e.fallback
	}
	return e
}

// Counter exposes the engine's token counter so callers count with the same
// function the engine does.
func (e *Engine) Counter() *TokenCounter { return e.counter }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats computes usage statistics for the full conversation.
func (e *Engine) Stats(messages []*conversation.Message) UsageStats {
	return Stats(e.counter.CountConversation(messages), e.cfg.ContextLimit, e.cfg.ThresholdFraction)
}

// ShouldCompact reports whether the conversation has crossed the threshold.
func (e *Engine) ShouldCompact(messages []*conversation.Message) bool {
	return e.Stats(messages).NeedsCompaction
}

// Compact replaces messages[0 : len-preserveRecent] with a single summary
// message. The preserved suffix is never altered. If there are not enough
// messages to compact, the result is a no-op with MessagesCompacted == 0;
// this is a defined edge case, not an error.
//
// If summary synthesis fails (e.g. an LLM-backed summarizer errors), the
// engine falls back to the deterministic digest rather than aborting:
// losing summary quality is acceptable, losing the fixed-window guarantee
// is not.
func (e *Engine) Compact(ctx context.Context, messages []*conversation.Message, preserveRecent int) (*Result, error) {
	start := time.Now()

	if preserveRecent < 0 {
		preserveRecent = 0
	}
	if len(messages) <= preserveRecent {
		return &Result{Duration: time.Since(start)}, nil
	}

	toCompact := messages[:len(messages)-preserveRecent]
	kept := messages[len(messages)-preserveRecent:]

	summaryText, err := e.summarizer.Summarize(ctx, toCompact)
	if err != nil {
		summaryText, err = e.fallback.Summarize(ctx, toCompact)
		if err != nil {
			// Only possible for empty input, which the length guard above
			// already excluded.
			return nil, err
		}
	}

	compactedTokens := e.counter.CountConversation(toCompact)

	summary := conversation.NewMessage(conversation.RoleSystem, summaryText)
	summary.Metadata = map[string]string{
		conversation.MetaType:                 conversation.MetaTypeCompactionSummary,
		conversation.MetaOriginalMessageCount: strconv.Itoa(len(toCompact)),
		conversation.MetaOriginalTokenCount:   strconv.Itoa(compactedTokens),
		conversation.MetaCompactedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	originalTokens := compactedTokens + e.counter.CountConversation(kept)
	newTokens := e.counter.CountMessage(summary) + e.counter.CountConversation(kept)
	saved := originalTokens - newTokens
	reduction := 0.0
	if originalTokens > 0 {
		reduction = 100 * float64(saved) / float64(originalTokens)
	}

	return &Result{
		SummaryMessage:     summary,
		MessagesCompacted:  len(toCompact),
		OriginalTokenCount: originalTokens,
		NewTokenCount:      newTokens,
		TokensSaved:        saved,
		ReductionPercent:   reduction,
		Duration:           time.Since(start),
	}, nil
}

// CompactSession runs Compact against the session's live message list and,
// when compaction happened, splices the session in place. Returns the
// result, or nil when the threshold had not been crossed.
func (e *Engine) CompactSession(ctx context.Context, sess *conversation.Session) (*Result, error) {
	if !e.ShouldCompact(sess.Messages) {
		return nil, nil
	}
	result, err := e.Compact(ctx, sess.Messages, e.cfg.PreserveRecent)
	if err != nil {
		return nil, err
	}
	if result.MessagesCompacted == 0 {
		return result, nil
	}
	summaryTokens := e.counter.CountMessage(result.SummaryMessage)
	sess.SpliceCompacted(result.SummaryMessage, e.cfg.PreserveRecent, summaryTokens)
	return result, nil
}
