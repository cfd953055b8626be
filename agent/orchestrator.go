package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentcove/keel/compaction"
	"github.com/agentcove/keel/conversation"
	"github.com/agentcove/keel/llm"
)

// CompletionClient is the LLM surface the orchestrator needs.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

const (
	safetyLimitPrompt = "You have reached the maximum number of actions for this turn. " +
		"Summarize what you found and what remains to be done. Do not request any more tool calls."

	nudgePrompt = "You have spent several rounds gathering information without taking action. " +
		"Conclude with your findings, or take a concrete next step now."

	deniedResultContent    = "Tool call denied by user."
	cancelledResultContent = "Tool call cancelled."
	interruptedNotice      = "Turn interrupted by user."
)

// Orchestrator runs the reason-act-observe loop for a session: it calls the
// LLM, routes proposed tool calls through the approval gate and invoker,
// compacts the conversation when it outgrows the context budget, and honors
// user interrupts at every suspension point. One turn runs at a time.
type Orchestrator struct {
	cfg      Config
	client   CompletionClient
	registry *ToolRegistry
	invoker  *ToolInvoker
	runtime  *SessionRuntime
	gate     *ApprovalGate
	engine   *compaction.Engine
	store    conversation.Store
	emitter  *EventEmitter
	session  *conversation.Session

	// Set by options, combined into the engine once all options have run.
	counter    *compaction.TokenCounter
	summarizer compaction.Summarizer

	running     atomic.Bool
	interrupted atomic.Bool
	interruptCh chan struct{}
	interruptMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore sets the session store. Terminal states are persisted to it.
func WithStore(store conversation.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithDecisionFunc sets the callback that asks the human for approval.
// Without one, every approval-gated tool call is denied.
func WithDecisionFunc(decide DecisionFunc) Option {
	return func(o *Orchestrator) { o.gate = NewApprovalGate(o.runtime, decide) }
}

// WithSummarizer overrides the compaction summarizer.
func WithSummarizer(s compaction.Summarizer) Option {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithTokenCounter overrides the token counting function.
func WithTokenCounter(fn compaction.CounterFunc) Option {
	return func(o *Orchestrator) { o.counter = compaction.NewTokenCounter(fn) }
}

// WithSession resumes an existing session instead of starting fresh.
func WithSession(sess *conversation.Session) Option {
	return func(o *Orchestrator) { o.session = sess }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(size int) Option {
	return func(o *Orchestrator) { o.emitter = NewEventEmitter(o.session.ID, size) }
}

// NewOrchestrator creates an orchestrator for a fresh session.
func NewOrchestrator(cfg Config, client CompletionClient, registry *ToolRegistry, opts ...Option) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("orchestrator requires a completion client")
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	mode, _ := ParseMode(cfg.Mode)
	runtime := NewSessionRuntime(mode)
	sess := conversation.NewSession()

	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		registry: registry,
		invoker:  NewToolInvoker(registry, cfg.ToolOutputMaxChars, cfg.ToolOutputMaxLines),
		runtime:  runtime,
		gate:     NewApprovalGate(runtime, nil),
		session:  sess,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.engine = compaction.NewEngine(o.counter, o.summarizer, cfg.Compaction)
	if o.emitter == nil {
		o.emitter = NewEventEmitter(o.session.ID, 0)
	}
	return o, nil
}

// Session returns the live session. The orchestrator mutates it only during
// RunTurn; callers reading concurrently should copy what they need.
func (o *Orchestrator) Session() *conversation.Session { return o.session }

// Runtime returns the session runtime (mode and auto-approve state).
func (o *Orchestrator) Runtime() *SessionRuntime { return o.runtime }

// Events returns the lifecycle event channel.
func (o *Orchestrator) Events() <-chan SessionEvent { return o.emitter.Events() }

// Interrupt requests cancellation of the in-progress turn. It is safe to
// call from any goroutine and at any time; outside a turn it is a no-op.
func (o *Orchestrator) Interrupt() {
	o.interruptMu.Lock()
	defer o.interruptMu.Unlock()
	if o.interrupted.CompareAndSwap(false, true) {
		if o.interruptCh != nil {
			close(o.interruptCh)
		}
	}
}

func (o *Orchestrator) isInterrupted() bool {
	return o.interrupted.Load()
}

// RunTurn processes one user input to a terminal state. It returns an error
// only for usage mistakes (concurrent turns); loop failures are reported in
// the TurnResult.
func (o *Orchestrator) RunTurn(ctx context.Context, userInput string) (*TurnResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer o.running.Store(false)

	o.interruptMu.Lock()
	o.interrupted.Store(false)
	o.interruptCh = make(chan struct{})
	interruptCh := o.interruptCh
	o.interruptMu.Unlock()

	// Derive a turn context cancelled by either the caller or Interrupt, so
	// every suspension point (LLM call, tool call, approval wait) unblocks
	// within the polling interval of an interrupt.
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-interruptCh:
			cancelTurn()
		case <-turnCtx.Done():
		}
	}()
	defer func() { cancelTurn(); <-watcherDone }()

	o.emitter.Emit(EventTurnStart, map[string]interface{}{"input_chars": len(userInput)})
	o.appendMessage(conversation.NewMessage(conversation.RoleUser, userInput))

	result := o.runLoop(turnCtx)
	o.persist(ctx)
	o.emitter.Emit(EventTurnComplete, map[string]interface{}{
		"outcome":    string(result.Outcome),
		"iterations": result.Iterations,
	})
	return result, nil
}

func (o *Orchestrator) runLoop(ctx context.Context) *TurnResult {
	result := &TurnResult{}
	readOnlyStreak := 0

	for iteration := 1; ; iteration++ {
		if o.isInterrupted() {
			return o.finishInterrupted(result)
		}
		if iteration > o.cfg.SafetyLimit {
			return o.finishSafetyLimit(ctx, result)
		}
		result.Iterations = iteration

		o.emitter.Emit(EventThinkingStarted, map[string]interface{}{"iteration": iteration})
		resp, err := o.complete(ctx, o.buildRequest())
		if err != nil {
			if err == ErrInterrupted {
				return o.finishInterrupted(result)
			}
			return o.finishProviderError(result, err)
		}

		assistant := o.recordAssistant(resp)
		calls := resp.ToolCalls()
		if len(calls) == 0 {
			result.Outcome = OutcomeDone
			result.FinalMessage = assistant.Content
			return result
		}

		allReadOnly, interrupted := o.processBatch(ctx, assistant, calls, result)
		if interrupted {
			return o.finishInterrupted(result)
		}

		if DetectLoop(o.session.Messages, loopDetectionWindow) {
			o.emitter.Emit(EventWarning, map[string]interface{}{
				"warning": "repeating tool call pattern detected",
			})
		}

		cr, err := o.engine.CompactSession(ctx, o.session)
		switch {
		case err != nil:
			o.emitter.Emit(EventWarning, map[string]interface{}{
				"warning": "compaction failed: " + err.Error(),
			})
		case cr != nil && cr.MessagesCompacted > 0:
			result.Compactions++
			o.emitter.Emit(EventCompactionPerformed, map[string]interface{}{
				"messages_compacted": cr.MessagesCompacted,
				"tokens_saved":       cr.TokensSaved,
			})
		}

		if allReadOnly {
			readOnlyStreak++
		} else {
			readOnlyStreak = 0
		}
		if readOnlyStreak >= o.cfg.NudgeWindow {
			nudge := conversation.NewMessage(conversation.RoleUser, nudgePrompt)
			nudge.SetMeta(conversation.MetaType, conversation.MetaTypeNudge)
			o.appendMessage(nudge)
			readOnlyStreak = 0
			o.emitter.Emit(EventNudgeInjected, nil)
		}
	}
}

// processBatch executes one batch of proposed tool calls in order. Every
// proposed call ends up with exactly one correlated tool-result message, so
// the conversation stays well formed for the next LLM request. It reports
// whether the batch was entirely read-only and whether an interrupt stopped
// it.
func (o *Orchestrator) processBatch(ctx context.Context, assistant *conversation.Message, calls []llm.ToolCall, result *TurnResult) (allReadOnly, interrupted bool) {
	allReadOnly = true
	skipRemaining := false

	for i, call := range calls {
		record := assistant.ToolCalls[i]
		result.ToolCalls++

		if skipRemaining || o.isInterrupted() {
			record.Resolve("", "", "cancelled")
			o.appendMessage(conversation.NewToolResultMessage(record.ID, cancelledResultContent, true))
			if o.isInterrupted() {
				interrupted = true
			}
			continue
		}

		readOnly := o.registry.IsReadOnly(call.Name)
		if !readOnly {
			allReadOnly = false
		}

		params := record.Parameters
		o.emitter.Emit(EventToolCallProposed, map[string]interface{}{"tool": call.Name, "id": record.ID})

		decision := o.gate.RequestApproval(ctx, DecisionRequest{
			Tool:       call.Name,
			Preview:    previewFor(call.Name, params),
			Parameters: params,
		}, readOnly)
		o.emitter.Emit(EventApprovalDecided, map[string]interface{}{
			"tool": call.Name, "approved": decision.Approved,
		})
		if !decision.Approved {
			record.Resolve("", "", "denied by user")
			o.appendMessage(conversation.NewToolResultMessage(record.ID, deniedResultContent, true))
			if o.isInterrupted() {
				interrupted = true
			}
			// Stop processing the rest of the batch; remaining calls get
			// cancellation markers so correlation stays exact.
			skipRemaining = true
			continue
		}
		record.Approved = true
		if decision.EditedTarget != "" {
			if tool := o.registry.Get(call.Name); tool != nil && tool.Definition.TargetParam != "" {
				params[tool.Definition.TargetParam] = decision.EditedTarget
			}
		}

		// A dispatched tool runs to completion even if an interrupt arrives
		// mid-execution; the interrupt takes effect before the next call.
		invocation := o.invoker.Invoke(ctx, call.Name, params)
		if invocation.Success {
			record.Resolve(invocation.Output, summarizeOutput(invocation.Output), "")
			o.appendMessage(conversation.NewToolResultMessage(record.ID, invocation.Output, false))
		} else {
			record.Resolve(invocation.Output, "", invocation.Error)
			o.appendMessage(conversation.NewToolResultMessage(record.ID, invocation.Error, true))
		}
		o.emitter.Emit(EventToolResult, map[string]interface{}{
			"tool": call.Name, "id": record.ID, "success": invocation.Success,
		})
	}
	return allReadOnly, interrupted
}

// complete dispatches the LLM call on its own goroutine and waits for the
// response, the turn context, or an interrupt, polling the interrupt flag at
// a bounded interval so cancellation latency never exceeds one interval.
func (o *Orchestrator) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	type completion struct {
		resp *llm.Response
		err  error
	}
	ch := make(chan completion, 1)
	go func() {
		resp, err := o.client.Complete(ctx, req)
		ch <- completion{resp, err}
	}()

	interval := time.Duration(o.cfg.CancelPollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case c := <-ch:
			if o.isInterrupted() {
				// Response arrived after the interrupt; discard it.
				return nil, ErrInterrupted
			}
			return c.resp, c.err
		case <-ctx.Done():
			if o.isInterrupted() {
				return nil, ErrInterrupted
			}
			return nil, ctx.Err()
		case <-ticker.C:
			if o.isInterrupted() {
				return nil, ErrInterrupted
			}
		}
	}
}

// recordAssistant converts an LLM response into a conversation message with
// unresolved tool call records and appends it.
func (o *Orchestrator) recordAssistant(resp *llm.Response) *conversation.Message {
	m := conversation.NewMessage(conversation.RoleAssistant, resp.Text())
	for _, call := range resp.ToolCalls() {
		params, err := ParseToolArguments(call.Arguments)
		if err != nil {
			params = map[string]interface{}{}
		}
		id := call.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		m.ToolCalls = append(m.ToolCalls, &conversation.ToolCallRecord{
			ID:         id,
			Name:       call.Name,
			Parameters: params,
		})
	}
	o.appendMessage(m)
	if len(m.ToolCalls) > 0 {
		o.emitter.Emit(EventAssistantText, map[string]interface{}{"tool_calls": len(m.ToolCalls)})
	}
	return m
}

// buildRequest converts the session history into an LLM request.
func (o *Orchestrator) buildRequest() llm.Request {
	var messages []llm.Message
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, llm.SystemMessage(o.cfg.SystemPrompt))
	}
	for _, m := range o.session.Messages {
		switch {
		case m.IsToolResult():
			messages = append(messages, llm.ToolResultMessage(m.ToolResultID, m.Content, m.IsToolResultError()))
		case m.Role == conversation.RoleUser:
			messages = append(messages, llm.UserMessage(m.Content))
		case m.Role == conversation.RoleAssistant:
			msg := llm.AssistantMessage(m.Content)
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Parameters)
				if err != nil {
					args = []byte("{}")
				}
				msg.Content = append(msg.Content, llm.ToolCallPart(tc.ID, tc.Name, args))
			}
			messages = append(messages, msg)
		case m.Role == conversation.RoleSystem:
			messages = append(messages, llm.SystemMessage(m.Content))
		}
	}
	return llm.Request{
		Model:    o.cfg.Model,
		Provider: o.cfg.Provider,
		Messages: messages,
		ToolDefs: o.registry.Definitions(),
	}
}

func (o *Orchestrator) finishInterrupted(result *TurnResult) *TurnResult {
	notice := conversation.NewMessage(conversation.RoleSystem, interruptedNotice)
	notice.SetMeta(conversation.MetaType, conversation.MetaTypeInterruption)
	o.appendMessage(notice)
	o.emitter.Emit(EventInterrupted, nil)
	result.Outcome = OutcomeInterrupted
	result.FinalMessage = interruptedNotice
	result.Err = ErrInterrupted
	return result
}

func (o *Orchestrator) finishProviderError(result *TurnResult, err error) *TurnResult {
	notice := conversation.NewMessage(conversation.RoleSystem,
		fmt.Sprintf("The assistant could not complete this turn: %v", err))
	notice.SetMeta(conversation.MetaType, conversation.MetaTypeErrorNotice)
	o.appendMessage(notice)
	o.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
	result.Outcome = OutcomeProviderError
	result.FinalMessage = notice.Content
	result.Err = err
	return result
}

// finishSafetyLimit makes one best-effort wrap-up call after the iteration
// cap is hit. Tool calls in the wrap-up response are ignored.
func (o *Orchestrator) finishSafetyLimit(ctx context.Context, result *TurnResult) *TurnResult {
	o.emitter.Emit(EventSafetyLimit, map[string]interface{}{"limit": o.cfg.SafetyLimit})
	o.appendMessage(conversation.NewMessage(conversation.RoleUser, safetyLimitPrompt))

	result.Outcome = OutcomeSafetyLimit
	result.Iterations = o.cfg.SafetyLimit + 1

	resp, err := o.complete(ctx, o.buildRequest())
	if err != nil {
		notice := conversation.NewMessage(conversation.RoleSystem,
			"Action limit reached; a final summary could not be produced.")
		notice.SetMeta(conversation.MetaType, conversation.MetaTypeErrorNotice)
		o.appendMessage(notice)
		result.FinalMessage = notice.Content
		result.Err = err
		return result
	}
	final := conversation.NewMessage(conversation.RoleAssistant, resp.Text())
	o.appendMessage(final)
	result.FinalMessage = final.Content
	return result
}

func (o *Orchestrator) appendMessage(m *conversation.Message) {
	o.session.Append(m, o.engine.Counter().CountMessage(m))
}

func (o *Orchestrator) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, o.session); err != nil {
		o.emitter.Emit(EventWarning, map[string]interface{}{"error": "session save failed: " + err.Error()})
	}
}

// previewFor builds a short human-readable preview of a tool call for the
// approval prompt.
func previewFor(name string, params map[string]interface{}) string {
	if len(params) == 0 {
		return name
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return name
	}
	preview := string(raw)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return name + " " + preview
}

func summarizeOutput(output string) string {
	const max = 120
	if len(output) <= max {
		return output
	}
	return output[:max] + "..."
}
