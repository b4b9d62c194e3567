package parley

import "encoding/json"

// Agent is one runtime participant in a conversation: a persona bound to a
// model endpoint, with an already-rendered system prompt and optional
// thinking mode. Agents live for exactly one conversation; the Initializer
// builds them and the Orchestrator discards them on exit.
type Agent struct {
	ID           string
	DisplayName  string
	Persona      string
	SystemPrompt string // rendered from the scenario template
	Provider     Provider
	Params       map[string]any // model parameters, passed through uninterpreted
	Thinking     bool
	Delimiters   DelimiterSet
	Metadata     json.RawMessage
}

// chatView builds this agent's message view: its rendered system prompt
// prepended to the shared non-thought history. Tool messages remain so the
// model sees its own tool round-trips.
func (a *Agent) chatView(history []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, SystemMessage(a.SystemPrompt))
	for _, m := range history {
		if m.Role == RoleSystem || m.Role == RoleCycleMarker {
			continue
		}
		out = append(out, ChatMessage{
			Role:       wireRole(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}
