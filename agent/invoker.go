package agent

import (
	"context"
	"fmt"

	"github.com/agentcove/keel/compaction"
)

// InvocationResult is the normalized outcome of a tool invocation. Tool
// failures are data, not control flow: the loop records them and keeps
// going, and the LLM sees the error text in the next request.
type InvocationResult struct {
	Success bool
	Output  string
	Error   string
}

// ToolInvoker executes registered tools and normalizes their results.
// Output is truncated to configured bounds before it enters the
// conversation so a single chatty tool cannot blow the context window.
type ToolInvoker struct {
	registry *ToolRegistry
	maxChars int
	maxLines int
}

// NewToolInvoker creates a ToolInvoker over a registry with output bounds.
// Non-positive bounds disable the corresponding truncation.
func NewToolInvoker(registry *ToolRegistry, maxChars, maxLines int) *ToolInvoker {
	return &ToolInvoker{
		registry: registry,
		maxChars: maxChars,
		maxLines: maxLines,
	}
}

// Invoke runs the named tool with the given arguments. Unknown tools,
// handler errors, and handler panics all come back as a failed
// InvocationResult, never as a Go error.
func (inv *ToolInvoker) Invoke(ctx context.Context, name string, params map[string]interface{}) (result InvocationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = InvocationResult{
				Success: false,
				Error:   fmt.Sprintf("tool %s panicked: %v", name, r),
			}
		}
	}()

	tool := inv.registry.Get(name)
	if tool == nil {
		return InvocationResult{
			Success: false,
			Error:   fmt.Sprintf("unknown tool: %s", name),
		}
	}

	output, err := tool.Handler(ctx, params)
	if err != nil {
		return InvocationResult{
			Success: false,
			Output:  inv.bound(output),
			Error:   err.Error(),
		}
	}
	return InvocationResult{
		Success: true,
		Output:  inv.bound(output),
	}
}

func (inv *ToolInvoker) bound(output string) string {
	if inv.maxLines > 0 {
		output = compaction.TruncateLines(output, inv.maxLines)
	}
	if inv.maxChars > 0 {
		output = compaction.Truncate(output, inv.maxChars, compaction.TruncateHeadTail)
	}
	return output
}
