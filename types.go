package parley

import "encoding/json"

// --- Conversation history types ---

// Role classifies a message in the shared conversation history.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
	// RoleCycleMarker annotates cycle boundaries in exported transcripts.
	RoleCycleMarker Role = "cycle-marker"
)

// Message is one entry in the shared conversation history. Messages are
// immutable once appended. Thoughts never become Messages; they flow only
// through the Broadcaster.
type Message struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"` // agent id, "user", "system", or "tool"
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Cycle      int             `json:"cycle"`
	IsThought  bool            `json:"is_thought"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is a model-issued request to invoke a tool. Each call is matched
// one-to-one with a RoleTool message carrying the same ToolCallID.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// --- Model protocol types ---

// ChatMessage is a message in the wire format sent to model endpoints.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is the input to a Provider call.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Params   map[string]any   `json:"params,omitempty"` // passed through to the endpoint, uninterpreted
}

// ChatResponse is the complete output of a Provider call.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a callable tool surfaced to the model.
// Parameters is a JSON Schema document; the core never interprets it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// wireRole maps a history Role to the model wire format.
func wireRole(r Role) string {
	switch r {
	case RoleHuman:
		return "user"
	case RoleAI:
		return "assistant"
	case RoleTool:
		return "tool"
	default:
		return "system"
	}
}
