package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentcove/keel/llm"
)

// ToolHandler is the function signature for tool execution. Handlers receive
// parsed arguments; whatever they do to the outside world is their business,
// the core only sees the returned output or error.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// ToolDefinition describes a tool for the LLM plus the execution metadata
// the core needs.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema

	// ReadOnly marks tools with no side effects. Plan mode executes only
	// read-only tools, and the nudge policy counts read-only iterations.
	ReadOnly bool `json:"read_only"`

	// TargetParam names the parameter an approval-time edit replaces
	// (e.g. "command" for a shell tool). Empty means edits are ignored.
	TargetParam string `json:"target_param,omitempty"`
}

// RegisteredTool pairs a tool definition with its handler.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolRegistry manages tool registration and lookup. Registrations are
// validated up front so dispatch is a single indirection with no runtime
// reflection.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool. It rejects invalid registrations
// (missing name or handler, unparsable schema) so lookup failures at
// dispatch time can only mean "unknown tool".
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool registration requires a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q registration requires a handler", tool.Definition.Name)
	}
	if tool.Definition.Parameters != nil {
		if _, err := json.Marshal(tool.Definition.Parameters); err != nil {
			return fmt.Errorf("tool %q has an unserializable parameter schema: %w", tool.Definition.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// IsReadOnly reports whether name is registered as a read-only tool.
// Unknown tools are not read-only.
func (r *ToolRegistry) IsReadOnly(name string) bool {
	t := r.Get(name)
	return t != nil && t.Definition.ReadOnly
}

// Definitions returns tool definitions in the wire shape sent to the LLM.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Definition.Name,
			Description: tool.Definition.Description,
			Parameters:  tool.Definition.Parameters,
		})
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ParseToolArguments unmarshals raw tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
