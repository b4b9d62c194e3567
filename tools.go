package parley

import (
	"context"
	"encoding/json"
	"time"
)

// ToolResult is the outcome of one tool call. Kind is empty on success and
// one of "timeout", "transport", or "protocol" on failure; Error carries
// the failure text either way.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Failed reports whether the result represents an error.
func (r ToolResult) Failed() bool { return r.Error != "" }

// ToolBroker resolves and invokes tools on behalf of agents. mcp.Registry
// is the production implementation; tests substitute fakes.
//
// Tool failures are results, not errors: the turn executor surfaces them to
// the model as tool messages so it can react, and the conversation
// continues.
type ToolBroker interface {
	// ToolsForAgent returns the union of all global tools plus tools scoped
	// to agentID. On a name collision the agent-scoped tool wins.
	ToolsForAgent(agentID string) []ToolDefinition
	// Call routes a tool call to the owning server and awaits the result
	// up to deadline.
	Call(ctx context.Context, agentID, toolName string, args json.RawMessage, deadline time.Duration) ToolResult
}

// noTools is a ToolBroker with nothing registered, used when a conversation
// runs without tool servers.
type noTools struct{}

func (noTools) ToolsForAgent(string) []ToolDefinition { return nil }

func (noTools) Call(_ context.Context, _, toolName string, _ json.RawMessage, _ time.Duration) ToolResult {
	return ToolResult{Error: "unknown tool: " + toolName, Kind: "protocol"}
}

// NoTools returns a broker that exposes no tools.
func NoTools() ToolBroker { return noTools{} }
