package agent

import (
	"strings"
	"sync"
)

// OperationMode governs whether the approval gate defaults to asking the
// human (Normal) or refusing side effects outright (Plan).
type OperationMode string

const (
	ModeNormal OperationMode = "normal"
	ModePlan   OperationMode = "plan"
)

// ParseMode parses a user-provided mode into a canonical value.
func ParseMode(value string) (OperationMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ModeNormal), "default":
		return ModeNormal, true
	case string(ModePlan), "planning":
		return ModePlan, true
	default:
		return OperationMode(""), false
	}
}

// SessionRuntime holds per-session mutable control state: the operation mode
// and the auto-approve flag. It is created with the session, mutated only
// through the defined transitions, and destroyed with it; there are no
// process-wide singletons behind it.
type SessionRuntime struct {
	mu             sync.Mutex
	mode           OperationMode
	autoApproveAll bool
}

// NewSessionRuntime creates a runtime in the given mode (Normal if empty).
func NewSessionRuntime(mode OperationMode) *SessionRuntime {
	if mode == "" {
		mode = ModeNormal
	}
	return &SessionRuntime{mode: mode}
}

// Mode returns the current operation mode.
func (r *SessionRuntime) Mode() OperationMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode transitions to a new mode. Every transition clears the
// auto-approve flag: an "approve all" granted in one mode never carries
// into another.
func (r *SessionRuntime) SetMode(mode OperationMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode != r.mode {
		r.mode = mode
		r.autoApproveAll = false
	}
}

// AutoApproveAll reports whether approvals are currently synthesized
// without consulting the human decision channel.
func (r *SessionRuntime) AutoApproveAll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoApproveAll
}

// grantAutoApprove flips the session-scoped auto-approve flag.
func (r *SessionRuntime) grantAutoApprove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoApproveAll = true
}

// ResetAutoApprove clears the auto-approve flag.
func (r *SessionRuntime) ResetAutoApprove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoApproveAll = false
}
