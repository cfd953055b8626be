package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcove/keel/conversation"
	"github.com/agentcove/keel/llm"
)

func longUserMessage(i int) *conversation.Message {
	content := fmt.Sprintf("message %d: %s", i, strings.Repeat("investigating the parser bug in detail. ", 60))
	return conversation.NewMessage(conversation.RoleUser, content)
}

func TestCompactPreservesRecentVerbatim(t *testing.T) {
	engine := NewEngine(nil, nil, Config{ContextLimit: 200000})

	var messages []*conversation.Message
	for i := 0; i < 20; i++ {
		messages = append(messages, longUserMessage(i))
	}
	kept := messages[15:]

	result, err := engine.Compact(context.Background(), messages, 5)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 15, result.MessagesCompacted)
	require.NotNil(t, result.SummaryMessage)
	assert.True(t, result.SummaryMessage.IsCompactionSummary())
	assert.Equal(t, "15", result.SummaryMessage.Metadata[conversation.MetaOriginalMessageCount])

	// Compact never mutates the input slice; the suffix to preserve is the
	// same objects with the same content.
	for i, m := range messages[15:] {
		assert.Same(t, kept[i], m)
	}

	// Long repetitive history digests to far fewer tokens.
	assert.Greater(t, result.TokensSaved, 0)
	assert.Greater(t, result.ReductionPercent, 0.0)
	assert.Equal(t, result.OriginalTokenCount-result.NewTokenCount, result.TokensSaved)
}

func TestCompactTooFewMessagesIsNoop(t *testing.T) {
	engine := NewEngine(nil, nil, Config{ContextLimit: 200000})

	messages := []*conversation.Message{
		conversation.NewMessage(conversation.RoleUser, "hello"),
		conversation.NewMessage(conversation.RoleAssistant, "hi"),
	}
	result, err := engine.Compact(context.Background(), messages, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MessagesCompacted)
	assert.Nil(t, result.SummaryMessage)
}

func TestShouldCompactThreshold(t *testing.T) {
	// One token per message (overhead aside), tiny limit.
	counter := NewTokenCounter(func(string) int { return 100 })
	engine := NewEngine(counter, nil, Config{ContextLimit: 1000, ThresholdFraction: 0.8})

	var messages []*conversation.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, conversation.NewMessage(conversation.RoleUser, "x"))
	}
	// 5 * 104 = 520 tokens, threshold 800.
	assert.False(t, engine.ShouldCompact(messages))

	for i := 0; i < 3; i++ {
		messages = append(messages, conversation.NewMessage(conversation.RoleUser, "x"))
	}
	// 8 * 104 = 832 tokens, over threshold.
	assert.True(t, engine.ShouldCompact(messages))
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []*conversation.Message) (string, error) {
	return "", errors.New("model unavailable")
}

func TestCompactFallsBackToDigest(t *testing.T) {
	engine := NewEngine(nil, failingSummarizer{}, Config{ContextLimit: 200000})

	var messages []*conversation.Message
	for i := 0; i < 12; i++ {
		messages = append(messages, longUserMessage(i))
	}

	result, err := engine.Compact(context.Background(), messages, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, result.MessagesCompacted)
	require.NotNil(t, result.SummaryMessage)
	assert.Contains(t, result.SummaryMessage.Content, "Summary of 8 earlier conversation messages")
}

func TestCompactSessionSplices(t *testing.T) {
	counter := NewTokenCounter(nil)
	engine := NewEngine(counter, nil, Config{
		ContextLimit:      2000,
		ThresholdFraction: 0.5,
		PreserveRecent:    5,
	})

	sess := conversation.NewSession()
	for i := 0; i < 20; i++ {
		m := longUserMessage(i)
		sess.Append(m, counter.CountMessage(m))
	}
	preserved := make([]*conversation.Message, 5)
	copy(preserved, sess.Messages[15:])

	result, err := engine.CompactSession(context.Background(), sess)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Equal(t, 6, sess.Len())
	assert.True(t, sess.Messages[0].IsCompactionSummary())
	for i, m := range preserved {
		assert.Same(t, m, sess.Messages[i+1])
	}

	// The running total matches the sum of the cached per-message counts.
	total := 0
	for _, m := range sess.Messages {
		n, ok := m.CachedTokenCount()
		require.True(t, ok)
		total += n
	}
	assert.Equal(t, total, sess.TotalTokensCached)
}

func TestCompactSessionBelowThresholdIsNil(t *testing.T) {
	engine := NewEngine(nil, nil, Config{ContextLimit: 200000})

	sess := conversation.NewSession()
	m := conversation.NewMessage(conversation.RoleUser, "short")
	sess.Append(m, engine.Counter().CountMessage(m))

	result, err := engine.CompactSession(context.Background(), sess)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, sess.Len())
}

type stubCompletionClient struct {
	text string
	err  error
}

func (s *stubCompletionClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: []llm.ContentPart{llm.TextPart(s.text)},
		},
	}, nil
}

func TestLLMSummarizer(t *testing.T) {
	summarizer := &LLMSummarizer{
		Client: &stubCompletionClient{text: "The user debugged the parser and fixed two tests."},
		Model:  "claude-opus-4-6",
	}
	messages := []*conversation.Message{longUserMessage(0)}

	summary, err := summarizer.Summarize(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, "The user debugged the parser and fixed two tests.", summary)
}

func TestLLMSummarizerErrorTriggersEngineFallback(t *testing.T) {
	summarizer := &LLMSummarizer{
		Client: &stubCompletionClient{err: errors.New("503 service unavailable")},
		Model:  "claude-opus-4-6",
	}
	engine := NewEngine(nil, summarizer, Config{ContextLimit: 200000})

	var messages []*conversation.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, longUserMessage(i))
	}

	result, err := engine.Compact(context.Background(), messages, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, result.MessagesCompacted)
	assert.Contains(t, result.SummaryMessage.Content, "Summary of 8 earlier conversation messages")
}

func TestDigestSummarizerEmptyInput(t *testing.T) {
	d := &DigestSummarizer{}
	_, err := d.Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestDigestSummarizerCarriesEarlierSummaryForward(t *testing.T) {
	d := &DigestSummarizer{}
	earlier := conversation.NewMessage(conversation.RoleSystem, "earlier findings about the cache layer")
	earlier.SetMeta(conversation.MetaType, conversation.MetaTypeCompactionSummary)

	summary, err := d.Summarize(context.Background(), []*conversation.Message{
		earlier,
		conversation.NewMessage(conversation.RoleUser, "now look at the scheduler"),
	})
	require.NoError(t, err)
	assert.Contains(t, summary, "earlier findings about the cache layer")
	assert.Contains(t, summary, "now look at the scheduler")
}
