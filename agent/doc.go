// Package agent implements the orchestration core of an interactive coding
// assistant: the reason-act-observe loop that interleaves LLM reasoning,
// tool execution, human approval, interruption, and context-window
// management.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Orchestrator: Runs the per-turn loop, calling the LLM, routing tool
//     calls through the approval gate and invoker, compacting the
//     conversation between iterations, and honoring interrupts.
//   - ApprovalGate: State machine mediating between autonomous execution
//     and required human consent, with approve-once, approve-all, and
//     deny outcomes.
//   - SessionRuntime: Per-session mode (normal or plan) and the
//     auto-approve flag.
//   - ToolRegistry / ToolInvoker: Registration, dispatch, and output
//     bounding for tools. Tool failures are data fed back to the LLM,
//     never Go errors.
//   - EventEmitter: Typed lifecycle event stream for host integration.
//
// # Quick Start
//
//	registry := agent.NewToolRegistry()
//	registry.Register(agent.RegisteredTool{
//	    Definition: agent.ToolDefinition{Name: "read_file", ReadOnly: true},
//	    Handler:    readFile,
//	})
//
//	cfg := agent.DefaultConfig()
//	cfg.Model = "claude-opus-4-6"
//	orch, err := agent.NewOrchestrator(cfg, client, registry,
//	    agent.WithDecisionFunc(askUser))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := orch.RunTurn(ctx, "Fix the failing test in pkg/parser")
package agent
