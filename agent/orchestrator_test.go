package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcove/keel/conversation"
	"github.com/agentcove/keel/llm"
	"github.com/agentcove/keel/store"
)

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: []llm.ContentPart{llm.TextPart(text)},
		},
		FinishReason: llm.FinishReason{Reason: "stop"},
	}
}

func toolCallResponse(text string, calls ...llm.ContentPart) *llm.Response {
	content := []llm.ContentPart{}
	if text != "" {
		content = append(content, llm.TextPart(text))
	}
	content = append(content, calls...)
	return &llm.Response{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: llm.FinishReason{Reason: "tool_calls"},
	}
}

// scriptedClient returns canned responses in order, repeating the last one
// once the script runs out.
type scriptedClient struct {
	responses []*llm.Response
	err       error
	delay     time.Duration
	mu        sync.Mutex
	calls     int
}

func (s *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "claude-opus-4-6"
	cfg.CancelPollIntervalMs = 10
	return cfg
}

func newTestOrchestrator(t *testing.T, client CompletionClient, registry *ToolRegistry, opts ...Option) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(testConfig(), client, registry, opts...)
	require.NoError(t, err)
	return orch
}

func TestRunTurnPlainAnswer(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{textResponse("All done.")}}
	orch := newTestOrchestrator(t, client, nil)

	result, err := orch.RunTurn(context.Background(), "say hi")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "All done.", result.FinalMessage)
	assert.Equal(t, 1, result.Iterations)

	sess := orch.Session()
	require.Equal(t, 2, sess.Len())
	assert.Equal(t, conversation.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, sess.Messages[1].Role)
}

func TestRunTurnToolCallFlow(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		toolCallResponse("Let me look.",
			llm.ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"main.go"}`))),
		textResponse("The file is fine."),
	}}

	registry := NewToolRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "read_file", ReadOnly: true},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "package main", nil
		},
	}))

	orch := newTestOrchestrator(t, client, registry,
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			return HumanDecision{Choice: ChoiceApproveOnce}, nil
		}))

	result, err := orch.RunTurn(context.Background(), "check main.go")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "The file is fine.", result.FinalMessage)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.ToolCalls)

	// user, assistant(tool call), tool result, assistant(final)
	sess := orch.Session()
	require.Equal(t, 4, sess.Len())
	assert.Equal(t, "call_1", sess.Messages[2].ToolResultID)
	assert.Equal(t, "package main", sess.Messages[2].Content)

	record := sess.Messages[1].ToolCalls[0]
	assert.True(t, record.Approved)
	assert.True(t, record.Resolved())
	assert.Equal(t, "package main", record.Result)
}

func TestRunTurnToolCallCorrelation(t *testing.T) {
	// A batch of three calls where the second is denied: the first gets a
	// real result, the denied one a denial, the third a cancellation marker,
	// and every proposed ID has exactly one tool-result message.
	client := &scriptedClient{responses: []*llm.Response{
		toolCallResponse("",
			llm.ToolCallPart("call_a", "read_file", json.RawMessage(`{"path":"a.go"}`)),
			llm.ToolCallPart("call_b", "write_file", json.RawMessage(`{"path":"b.go"}`)),
			llm.ToolCallPart("call_c", "read_file", json.RawMessage(`{"path":"c.go"}`))),
		textResponse("Understood, stopping."),
	}}

	registry := NewToolRegistry()
	noop := func(ctx context.Context, params map[string]interface{}) (string, error) { return "ok", nil }
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "read_file", ReadOnly: true}, Handler: noop,
	}))
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "write_file"}, Handler: noop,
	}))

	orch := newTestOrchestrator(t, client, registry,
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			if req.Tool == "write_file" {
				return HumanDecision{Choice: ChoiceDeny}, nil
			}
			return HumanDecision{Choice: ChoiceApproveOnce}, nil
		}))

	result, err := orch.RunTurn(context.Background(), "update the files")
	require.NoError(t, err)

	// Denial does not end the turn; the loop continues to the next LLM call.
	assert.Equal(t, OutcomeDone, result.Outcome)

	sess := orch.Session()
	results := map[string]*conversation.Message{}
	for _, m := range sess.Messages {
		if m.IsToolResult() {
			require.NotContains(t, results, m.ToolResultID, "duplicate tool result")
			results[m.ToolResultID] = m
		}
	}
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results["call_a"].Content)
	assert.Equal(t, deniedResultContent, results["call_b"].Content)
	assert.True(t, results["call_b"].IsToolResultError())
	assert.Equal(t, cancelledResultContent, results["call_c"].Content)

	// Denied and skipped records stay unapproved but resolved.
	records := sess.Messages[1].ToolCalls
	assert.True(t, records[0].Approved)
	assert.False(t, records[1].Approved)
	assert.True(t, records[1].Resolved())
	assert.False(t, records[2].Approved)
	assert.True(t, records[2].Resolved())
}

func TestRunTurnSafetyLimit(t *testing.T) {
	// A client that always asks for another tool call terminates within
	// the safety limit plus one wrap-up call.
	client := &scriptedClient{responses: []*llm.Response{
		toolCallResponse("",
			llm.ToolCallPart("call_x", "read_file", json.RawMessage(`{"path":"x.go"}`))),
	}}

	registry := NewToolRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "read_file", ReadOnly: true},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "contents", nil
		},
	}))

	cfg := testConfig()
	cfg.SafetyLimit = 5
	cfg.NudgeWindow = 100 // keep the nudge out of this test
	orch, err := NewOrchestrator(cfg, client, registry,
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			return HumanDecision{Choice: ChoiceApproveAll}, nil
		}))
	require.NoError(t, err)

	result, err := orch.RunTurn(context.Background(), "loop forever")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSafetyLimit, result.Outcome)
	assert.Equal(t, cfg.SafetyLimit+1, client.callCount())
	assert.Equal(t, cfg.SafetyLimit+1, result.Iterations)

	// The wrap-up prompt was injected before the final call.
	sess := orch.Session()
	var sawPrompt bool
	for _, m := range sess.Messages {
		if m.Role == conversation.RoleUser && m.Content == safetyLimitPrompt {
			sawPrompt = true
		}
	}
	assert.True(t, sawPrompt)
}

func TestRunTurnCancellationLatency(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.Response{textResponse("should never arrive")},
		delay:     5 * time.Second,
	}
	orch := newTestOrchestrator(t, client, nil)

	done := make(chan *TurnResult, 1)
	go func() {
		result, err := orch.RunTurn(context.Background(), "slow request")
		require.NoError(t, err)
		done <- result
	}()

	time.Sleep(50 * time.Millisecond)
	signalled := time.Now()
	orch.Interrupt()

	select {
	case result := <-done:
		latency := time.Since(signalled)
		assert.Equal(t, OutcomeInterrupted, result.Outcome)
		assert.ErrorIs(t, result.Err, ErrInterrupted)
		// Within one polling interval, with scheduling slack.
		assert.Less(t, latency, 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not terminate after interrupt")
	}

	// Exactly one interruption message, and the in-flight assistant
	// response was discarded.
	sess := orch.Session()
	interruptions := 0
	for _, m := range sess.Messages {
		assert.NotEqual(t, conversation.RoleAssistant, m.Role)
		if m.Metadata[conversation.MetaType] == conversation.MetaTypeInterruption {
			interruptions++
		}
	}
	assert.Equal(t, 1, interruptions)
}

func TestRunTurnProviderError(t *testing.T) {
	client := &scriptedClient{err: &llm.AuthenticationError{ProviderError: llm.ProviderError{
		SDKError: llm.SDKError{Message: "invalid api key"},
	}}}
	orch := newTestOrchestrator(t, client, nil)

	result, err := orch.RunTurn(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, OutcomeProviderError, result.Outcome)
	assert.Error(t, result.Err)

	// The terminal error notice is appended, never a silent stop.
	last := orch.Session().Last()
	require.NotNil(t, last)
	assert.Equal(t, conversation.MetaTypeErrorNotice, last.Metadata[conversation.MetaType])
}

func TestRunTurnUnknownToolIsData(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		toolCallResponse("",
			llm.ToolCallPart("call_1", "teleport", json.RawMessage(`{}`))),
		textResponse("That tool does not exist, giving up."),
	}}

	orch := newTestOrchestrator(t, client, NewToolRegistry(),
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			return HumanDecision{Choice: ChoiceApproveOnce}, nil
		}))

	result, err := orch.RunTurn(context.Background(), "teleport me")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, result.Outcome)

	sess := orch.Session()
	var toolResult *conversation.Message
	for _, m := range sess.Messages {
		if m.IsToolResult() {
			toolResult = m
		}
	}
	require.NotNil(t, toolResult)
	assert.True(t, toolResult.IsToolResultError())
	assert.Contains(t, toolResult.Content, "unknown tool: teleport")
}

func TestRunTurnNudgeAfterReadOnlyStreak(t *testing.T) {
	// Three read-only iterations trigger the nudge, then the model concludes.
	var responses []*llm.Response
	for i := 0; i < 3; i++ {
		responses = append(responses, toolCallResponse("",
			llm.ToolCallPart("call_r", "read_file", json.RawMessage(`{"path":"a.go"}`))))
	}
	responses = append(responses, textResponse("Concluding now."))
	client := &scriptedClient{responses: responses}

	registry := NewToolRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "read_file", ReadOnly: true},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "contents", nil
		},
	}))

	cfg := testConfig()
	cfg.NudgeWindow = 3
	orch, err := NewOrchestrator(cfg, client, registry,
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			return HumanDecision{Choice: ChoiceApproveAll}, nil
		}))
	require.NoError(t, err)

	result, err := orch.RunTurn(context.Background(), "explore the repo")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, result.Outcome)

	var nudges int
	for _, m := range orch.Session().Messages {
		if m.Metadata[conversation.MetaType] == conversation.MetaTypeNudge {
			nudges++
			assert.Equal(t, conversation.RoleUser, m.Role)
		}
	}
	assert.Equal(t, 1, nudges)
}

func TestRunTurnRejectsConcurrentTurns(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.Response{textResponse("slow")},
		delay:     200 * time.Millisecond,
	}
	orch := newTestOrchestrator(t, client, nil)

	go orch.RunTurn(context.Background(), "first")
	time.Sleep(50 * time.Millisecond)

	_, err := orch.RunTurn(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestRunTurnPersistsToStore(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{textResponse("Saved.")}}
	mem := store.NewMemoryStore()
	orch := newTestOrchestrator(t, client, nil, WithStore(mem))

	_, err := orch.RunTurn(context.Background(), "remember this")
	require.NoError(t, err)

	loaded, err := mem.Load(context.Background(), orch.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, orch.Session().TotalTokensCached, loaded.TotalTokensCached)
}

func TestRunTurnCompactionDuringLoop(t *testing.T) {
	longText := make([]byte, 4000)
	for i := range longText {
		longText[i] = 'x'
	}
	client := &scriptedClient{responses: []*llm.Response{
		toolCallResponse("",
			llm.ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"big.txt"}`))),
		toolCallResponse("",
			llm.ToolCallPart("call_2", "read_file", json.RawMessage(`{"path":"big.txt"}`))),
		toolCallResponse("",
			llm.ToolCallPart("call_3", "read_file", json.RawMessage(`{"path":"big.txt"}`))),
		textResponse("Done reading."),
	}}

	registry := NewToolRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "read_file", ReadOnly: true},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return string(longText), nil
		},
	}))

	cfg := testConfig()
	cfg.Compaction.ContextLimit = 2000
	cfg.Compaction.ThresholdFraction = 0.8
	cfg.Compaction.PreserveRecent = 2
	orch, err := NewOrchestrator(cfg, client, registry,
		WithDecisionFunc(func(ctx context.Context, req DecisionRequest) (HumanDecision, error) {
			return HumanDecision{Choice: ChoiceApproveAll}, nil
		}))
	require.NoError(t, err)

	result, err := orch.RunTurn(context.Background(), "read the big file a few times")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Greater(t, result.Compactions, 0)

	var summaries int
	for _, m := range orch.Session().Messages {
		if m.IsCompactionSummary() {
			summaries++
		}
	}
	assert.GreaterOrEqual(t, summaries, 1)
}

type fixedSummarizer struct{ text string }

func (s fixedSummarizer) Summarize(context.Context, []*conversation.Message) (string, error) {
	return s.text, nil
}

func TestCompactionOptionsOrderIndependent(t *testing.T) {
	const summaryText = "digest of the earlier exchange"
	summarize := func() Option { return WithSummarizer(fixedSummarizer{summaryText}) }
	count := func() Option { return WithTokenCounter(func(string) int { return 1000 }) }

	for name, opts := range map[string][]Option{
		"summarizer_first": {summarize(), count()},
		"counter_first":    {count(), summarize()},
	} {
		t.Run(name, func(t *testing.T) {
			client := &scriptedClient{responses: []*llm.Response{
				toolCallResponse("",
					llm.ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"a.txt"}`))),
				textResponse("done"),
			}}
			registry := NewToolRegistry()
			require.NoError(t, registry.Register(RegisteredTool{
				Definition: ToolDefinition{Name: "read_file", ReadOnly: true},
				Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
					return "contents", nil
				},
			}))

			cfg := testConfig()
			cfg.Compaction.ContextLimit = 2000
			cfg.Compaction.ThresholdFraction = 0.8
			cfg.Compaction.PreserveRecent = 2
			orch, err := NewOrchestrator(cfg, client, registry, opts...)
			require.NoError(t, err)

			result, err := orch.RunTurn(context.Background(), "read the file")
			require.NoError(t, err)
			require.Greater(t, result.Compactions, 0)

			// Both the counter and the summarizer must be in effect no
			// matter which option came first.
			var summary *conversation.Message
			for _, m := range orch.Session().Messages {
				if m.IsCompactionSummary() {
					summary = m
				}
			}
			require.NotNil(t, summary)
			assert.Equal(t, summaryText, summary.Content)
		})
	}
}

func TestRunTurnEmitsLifecycleEvents(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{textResponse("hi")}}
	orch := newTestOrchestrator(t, client, nil, WithEventBuffer(64))

	_, err := orch.RunTurn(context.Background(), "hello")
	require.NoError(t, err)

	kinds := map[EventKind]bool{}
	for {
		select {
		case ev := <-orch.Events():
			kinds[ev.Kind] = true
		default:
			assert.True(t, kinds[EventTurnStart])
			assert.True(t, kinds[EventThinkingStarted])
			assert.True(t, kinds[EventTurnComplete])
			return
		}
	}
}

func TestDetectLoop(t *testing.T) {
	params := map[string]interface{}{"path": "same.go"}
	m := conversation.NewMessage(conversation.RoleAssistant, "")
	for i := 0; i < 6; i++ {
		m.ToolCalls = append(m.ToolCalls, &conversation.ToolCallRecord{
			ID: "call", Name: "read_file", Parameters: params,
		})
	}
	assert.True(t, DetectLoop([]*conversation.Message{m}, 6))

	varied := conversation.NewMessage(conversation.RoleAssistant, "")
	for i := 0; i < 6; i++ {
		varied.ToolCalls = append(varied.ToolCalls, &conversation.ToolCallRecord{
			ID: "call", Name: "read_file",
			Parameters: map[string]interface{}{"path": i},
		})
	}
	assert.False(t, DetectLoop([]*conversation.Message{varied}, 6))

	assert.False(t, DetectLoop(nil, 6))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "model is required")

	cfg.Model = "claude-opus-4-6"
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200000, cfg.Compaction.ContextLimit)

	cfg.Mode = "yolo"
	assert.Error(t, cfg.Validate())
}

func TestOrchestratorRequiresClient(t *testing.T) {
	cfg := testConfig()
	_, err := NewOrchestrator(cfg, nil, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrTurnInProgress))
}
