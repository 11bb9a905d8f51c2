// Package agent drives conversation turns against LLM providers.
//
// Invariants:
// - Turns are serialized per session lane through turnqueue.
// - The transcript is loaded before a turn and persisted after it.
// - Capability calls route through dispatch only.
// - Every turn ends with exactly one final or error event.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, _ := runner.HandleTurn(ctx, "session-1", "zoom in on the top layer")
//	_ = result
package agent
