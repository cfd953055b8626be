package agent

import (
	"context"
	"sync"
)

// GateState is the approval gate's lifecycle state.
type GateState string

const (
	GateIdle             GateState = "idle"
	GateAwaitingDecision GateState = "awaiting_decision"
	GateResolved         GateState = "resolved"
)

// Choice is what the human decision channel returns.
type Choice string

const (
	ChoiceApproveOnce Choice = "approve_once"
	ChoiceApproveAll  Choice = "approve_all"
	ChoiceDeny        Choice = "deny"
)

// DecisionRequest describes the proposed operation shown to the human.
type DecisionRequest struct {
	Tool       string                 `json:"tool"`
	Preview    string                 `json:"preview"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// HumanDecision is the raw answer from the decision channel. EditedTarget
// optionally replaces the operation's primary target (e.g. an amended shell
// command) before execution.
type HumanDecision struct {
	Choice       Choice `json:"choice"`
	EditedTarget string `json:"edited_target,omitempty"`
}

// DecisionFunc is the blocking human decision channel: normally backed by a
// terminal prompt, substitutable with a scripted responder for testing. It
// must honor ctx cancellation.
type DecisionFunc func(ctx context.Context, req DecisionRequest) (HumanDecision, error)

// Decision is the gate's answer for one proposed operation.
type Decision struct {
	Approved     bool   `json:"approved"`
	ApplyToAll   bool   `json:"apply_to_all"`
	EditedTarget string `json:"edited_target,omitempty"`
}

// ApprovalGate mediates between autonomous execution and required human
// consent. It is stateful per session via the shared SessionRuntime.
type ApprovalGate struct {
	runtime *SessionRuntime
	decide  DecisionFunc

	mu    sync.Mutex
	state GateState
}

// NewApprovalGate creates a gate bound to the session runtime. decide may be
// nil, in which case Normal-mode requests are denied rather than blocking
// forever.
func NewApprovalGate(runtime *SessionRuntime, decide DecisionFunc) *ApprovalGate {
	return &ApprovalGate{
		runtime: runtime,
		decide:  decide,
		state:   GateIdle,
	}
}

// State returns the gate's current lifecycle state.
func (g *ApprovalGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *ApprovalGate) setState(s GateState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// RequestApproval decides whether the proposed operation may execute.
//
//   - With the session auto-approve flag set, it approves immediately
//     without a round-trip to the decision channel.
//   - In Plan mode, read-only operations are auto-approved and mutating
//     operations are denied outright; Plan mode never executes side effects
//     and never blocks.
//   - In Normal mode it blocks on the decision channel. "Approve all" flips
//     the session auto-approve flag for subsequent requests.
//
// If the decision never resolves because ctx is cancelled (or no channel is
// configured), the gate returns a Deny decision rather than hanging:
// callers cannot proceed on an unresolved gate.
func (g *ApprovalGate) RequestApproval(ctx context.Context, req DecisionRequest, readOnly bool) Decision {
	defer g.setState(GateResolved)

	if g.runtime.AutoApproveAll() {
		return Decision{Approved: true, ApplyToAll: true}
	}

	if g.runtime.Mode() == ModePlan {
		if readOnly {
			return Decision{Approved: true}
		}
		return Decision{Approved: false}
	}

	if g.decide == nil {
		return Decision{Approved: false}
	}

	g.setState(GateAwaitingDecision)

	type answer struct {
		decision HumanDecision
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := g.decide(ctx, req)
		ch <- answer{d, err}
	}()

	select {
	case <-ctx.Done():
		return Decision{Approved: false}
	case a := <-ch:
		if a.err != nil {
			return Decision{Approved: false}
		}
		switch a.decision.Choice {
		case ChoiceApproveAll:
			g.runtime.grantAutoApprove()
			return Decision{Approved: true, ApplyToAll: true, EditedTarget: a.decision.EditedTarget}
		case ChoiceApproveOnce:
			return Decision{Approved: true, EditedTarget: a.decision.EditedTarget}
		default:
			return Decision{Approved: false}
		}
	}
}
