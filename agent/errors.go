package agent

import "errors"

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeDone means the assistant produced a final text response.
	OutcomeDone Outcome = "done"

	// OutcomeProviderError means the LLM call failed after retries and the
	// turn was abandoned.
	OutcomeProviderError Outcome = "provider_error"

	// OutcomeInterrupted means the user cancelled the turn.
	OutcomeInterrupted Outcome = "interrupted"

	// OutcomeSafetyLimit means the iteration limit was reached and the
	// assistant was forced to wrap up.
	OutcomeSafetyLimit Outcome = "safety_limit"
)

// ErrInterrupted is returned from internal waits when the user cancels the
// in-progress turn.
var ErrInterrupted = errors.New("turn interrupted")

// ErrTurnInProgress is returned when RunTurn is called while another turn
// is still running on the same orchestrator.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// TurnResult reports the outcome of a single turn.
type TurnResult struct {
	Outcome      Outcome
	FinalMessage string
	Iterations   int
	Compactions  int
	ToolCalls    int
	Err          error
}
