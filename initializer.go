package parley

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"
)

// Config is the validated configuration a conversation starts from. The
// internal/config package produces it from TOML; tests build it directly.
type Config struct {
	Agents    []AgentSpec
	Scenarios []Scenario

	// SystemPromptTemplate renders each agent's system prompt. Empty means
	// the default template, which is the persona verbatim.
	SystemPromptTemplate string
	// FirstMessage seeds the conversation when the scenario has no opening
	// message of its own.
	FirstMessage string
}

// AgentSpec declares one configured agent. Provider is already constructed;
// the core never sees endpoint URLs.
type AgentSpec struct {
	ID          string
	DisplayName string
	Persona     string
	Provider    Provider
	Params      map[string]any
	Thinking    bool
	Delimiters  DelimiterSet
	Metadata    map[string]any
	ToolServers []ToolServerSpec // agent-scoped servers, started per conversation
}

// ToolServerSpec declares a tool-server subprocess.
type ToolServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Scenario is one named conversation setup.
type Scenario struct {
	Name             string
	Goal             string
	Brevity          string
	MaxCycles        int
	StartingAgent    string
	AgentsInvolved   []string // empty = all configured agents
	TurnTimeout      time.Duration
	KeywordTriggers  []string
	SilenceThreshold int // full cycles of near-empty finals; 0 disables
	SilenceMinChars  int // 0 = default cutoff
	OpeningMessage   string
}

// Overrides are runtime adjustments applied at start. Zero values mean no
// override.
type Overrides struct {
	MaxCycles     int
	StartingAgent string
}

// defaultPromptTemplate is used when the configuration names none: the
// agent speaks from its persona alone.
const defaultPromptTemplate = "{{.Agent.Persona}}"

// promptContext is the data available to the system prompt template.
type promptContext struct {
	Agent struct {
		Name     string
		Persona  string
		Metadata map[string]any
	}
	Conversation struct {
		ScenarioName        string
		Goal                string
		Brevity             string
		MaxCycles           int
		ParticipatingAgents []string
	}
	Tools []string
}

// resolveScenario picks the scenario to run: the named one, else the first
// defined.
func resolveScenario(cfg *Config, name string) (Scenario, error) {
	if len(cfg.Scenarios) == 0 {
		return Scenario{}, &ErrConfigInvalid{Reason: "no scenarios defined"}
	}
	if name == "" {
		return cfg.Scenarios[0], nil
	}
	for _, sc := range cfg.Scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, &ErrConfigInvalid{Reason: "unknown scenario: " + name}
}

// participantSet resolves and validates the participating agents for a
// scenario, in declared order.
func participantSet(cfg *Config, sc Scenario) ([]string, error) {
	configured := make(map[string]bool, len(cfg.Agents))
	var all []string
	for _, a := range cfg.Agents {
		configured[a.ID] = true
		all = append(all, a.ID)
	}

	participants := sc.AgentsInvolved
	if len(participants) == 0 {
		participants = all
	}
	for _, id := range participants {
		if !configured[id] {
			return nil, &ErrConfigInvalid{Reason: "scenario references unknown agent: " + id}
		}
	}
	if len(participants) < 2 {
		return nil, &ErrConfigInvalid{Reason: "a conversation needs at least two participating agents"}
	}
	return slices.Clone(participants), nil
}

// freezeScenario applies overrides and produces the immutable snapshot a
// conversation runs under.
func freezeScenario(sc Scenario, participants []string, ov Overrides, opening string) (ScenarioSnapshot, error) {
	maxCycles := sc.MaxCycles
	if ov.MaxCycles != 0 {
		if ov.MaxCycles < 0 {
			return ScenarioSnapshot{}, &ErrInvalidOverride{Field: "max_cycles", Reason: "must be positive"}
		}
		maxCycles = ov.MaxCycles
	}

	starting := sc.StartingAgent
	if ov.StartingAgent != "" {
		starting = ov.StartingAgent
	}
	if starting == "" {
		starting = participants[0]
	}
	if !slices.Contains(participants, starting) {
		if ov.StartingAgent != "" {
			return ScenarioSnapshot{}, &ErrInvalidOverride{Field: "starting_agent", Reason: starting + " is not a participant"}
		}
		return ScenarioSnapshot{}, &ErrConfigInvalid{Reason: "starting agent " + starting + " is not a participant"}
	}

	if sc.OpeningMessage != "" {
		opening = sc.OpeningMessage
	}
	if strings.TrimSpace(opening) == "" {
		return ScenarioSnapshot{}, &ErrConfigInvalid{Reason: "an opening message is required"}
	}

	return ScenarioSnapshot{
		Name:            sc.Name,
		Goal:            sc.Goal,
		Brevity:         sc.Brevity,
		MaxCycles:       maxCycles,
		StartingAgent:   starting,
		Participants:    participants,
		TurnTimeout:     sc.TurnTimeout,
		KeywordTriggers: slices.Clone(sc.KeywordTriggers),
		SilenceCycles:   sc.SilenceThreshold,
		SilenceMinChars: sc.SilenceMinChars,
		OpeningMessage:  opening,
	}, nil
}

// buildAgents constructs the runtime agents for a conversation, rendering
// each system prompt from the configured template. Tool servers must
// already be started so the template sees the tools bound to each agent.
func buildAgents(cfg *Config, snap ScenarioSnapshot, broker ToolBroker) (map[string]*Agent, error) {
	tmplText := cfg.SystemPromptTemplate
	if tmplText == "" {
		tmplText = defaultPromptTemplate
	}
	tmpl, err := template.New("system_prompt").Parse(tmplText)
	if err != nil {
		return nil, &ErrConfigInvalid{Reason: "system prompt template: " + err.Error()}
	}

	specs := make(map[string]AgentSpec, len(cfg.Agents))
	for _, a := range cfg.Agents {
		specs[a.ID] = a
	}

	agents := make(map[string]*Agent, len(snap.Participants))
	for _, id := range snap.Participants {
		spec := specs[id]
		if spec.Provider == nil {
			return nil, &ErrConfigInvalid{Reason: "agent " + id + " has no model provider"}
		}

		var toolNames []string
		for _, td := range broker.ToolsForAgent(id) {
			toolNames = append(toolNames, td.Name)
		}

		ctx := promptContext{Tools: toolNames}
		ctx.Agent.Name = spec.DisplayName
		ctx.Agent.Persona = spec.Persona
		ctx.Agent.Metadata = spec.Metadata
		ctx.Conversation.ScenarioName = snap.Name
		ctx.Conversation.Goal = snap.Goal
		ctx.Conversation.Brevity = snap.Brevity
		ctx.Conversation.MaxCycles = snap.MaxCycles
		ctx.Conversation.ParticipatingAgents = snap.Participants

		var sb strings.Builder
		if err := tmpl.Execute(&sb, ctx); err != nil {
			return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("rendering system prompt for %s: %v", id, err)}
		}

		agents[id] = &Agent{
			ID:           id,
			DisplayName:  spec.DisplayName,
			Persona:      spec.Persona,
			SystemPrompt: strings.TrimSpace(sb.String()),
			Provider:     spec.Provider,
			Params:       spec.Params,
			Thinking:     spec.Thinking,
			Delimiters:   spec.Delimiters,
		}
	}
	return agents, nil
}

// seedState creates the conversation state with the opening message: a
// human-role message attributed to the starting agent.
func seedState(snap ScenarioSnapshot) *ConversationState {
	state := &ConversationState{
		mu:        &sync.Mutex{},
		ID:        NewID(),
		NextAgent: snap.StartingAgent,
		Phase:     PhaseRunning,
		Scenario:  snap,
		StartedAt: NowUnix(),
	}
	state.append(Message{
		ID:        NewID(),
		AgentID:   snap.StartingAgent,
		Role:      RoleHuman,
		Content:   snap.OpeningMessage,
		Timestamp: NowUnix(),
	})
	return state
}
