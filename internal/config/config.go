// Package config loads parley's TOML configuration and builds the
// validated structures the core consumes. Two scenario shapes are
// accepted: a single [conversation] block and a [[conversations]] list;
// the list wins when both are present. ${NAME} references are substituted
// from the environment before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/provider/ollama"
)

// File is the on-disk configuration shape.
type File struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`

	Agents []AgentConfig `toml:"agents"`

	// Conversation is the legacy single-scenario shape, treated as one
	// anonymous scenario. Conversations takes precedence when both exist.
	Conversation  *ConversationConfig  `toml:"conversation"`
	Conversations []ConversationConfig `toml:"conversations"`

	Initialization InitConfig         `toml:"initialization"`
	Tools          []ToolServerConfig `toml:"tools"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// DatabaseConfig selects the transcript store.
type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

// ObserverConfig toggles OTel instrumentation.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	ID       string             `toml:"id"`
	Name     string             `toml:"name"`
	Persona  string             `toml:"persona"`
	Model    ModelConfig        `toml:"model"`
	Thinking bool               `toml:"thinking"`
	Metadata map[string]any     `toml:"metadata"`
	Tools    []ToolServerConfig `toml:"tools"`
}

// ModelConfig points an agent at an Ollama endpoint.
type ModelConfig struct {
	BaseURL string         `toml:"base_url"`
	Name    string         `toml:"name"`
	Options map[string]any `toml:"options"`
}

// ConversationConfig declares one scenario.
type ConversationConfig struct {
	Name             string   `toml:"name"`
	Goal             string   `toml:"goal"`
	Brevity          string   `toml:"brevity"`
	MaxCycles        int      `toml:"max_cycles"`
	StartingAgent    string   `toml:"starting_agent"`
	AgentsInvolved   []string `toml:"agents_involved"`
	TurnTimeoutSecs  int      `toml:"turn_timeout_seconds"`
	KeywordTriggers  []string `toml:"keyword_triggers"`
	SilenceThreshold int      `toml:"silence_threshold"`
	SilenceMinChars  int      `toml:"silence_min_chars"`
	FirstMessage     string   `toml:"first_message"`
}

// InitConfig holds conversation initialization settings.
type InitConfig struct {
	SystemPromptTemplate string `toml:"system_prompt_template"`
	FirstMessage         string `toml:"first_message"`
}

// ToolServerConfig declares one tool-server subprocess.
type ToolServerConfig struct {
	Name    string            `toml:"name"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
}

// envRef matches ${NAME} references in the raw TOML text.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} with the environment value. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and parses the configuration file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(expandEnv(data), &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Server.ListenAddr == "" {
		f.Server.ListenAddr = ":8420"
	}
	if f.Database.Driver == "" {
		f.Database.Driver = "sqlite"
	}
	if f.Database.Path == "" {
		f.Database.Path = "parley.db"
	}
	if v := os.Getenv("PARLEY_LISTEN_ADDR"); v != "" {
		f.Server.ListenAddr = v
	}
	if v := os.Getenv("PARLEY_DB_PATH"); v != "" {
		f.Database.Path = v
	}
	if v := os.Getenv("PARLEY_POSTGRES_URL"); v != "" {
		f.Database.Driver = "postgres"
		f.Database.PostgresURL = v
	}
}

// scenarios resolves the accepted shapes into one list.
func (f *File) scenarios() []ConversationConfig {
	if len(f.Conversations) > 0 {
		return f.Conversations
	}
	if f.Conversation != nil {
		return []ConversationConfig{*f.Conversation}
	}
	return nil
}

// Validate checks the file the way start would: enough agents, resolvable
// scenarios, a first message somewhere, model endpoints present.
func (f *File) Validate() error {
	if len(f.Agents) < 2 {
		return fmt.Errorf("config: at least two agents are required, got %d", len(f.Agents))
	}
	ids := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		if a.ID == "" {
			return fmt.Errorf("config: agents[%d] has no id", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		ids[a.ID] = true
		if a.Model.BaseURL == "" {
			return fmt.Errorf("config: agent %s: model base_url is required", a.ID)
		}
		if a.Model.Name == "" {
			return fmt.Errorf("config: agent %s: model name is required", a.ID)
		}
	}

	scs := f.scenarios()
	if len(scs) == 0 {
		return fmt.Errorf("config: at least one conversation is required")
	}
	for i, sc := range scs {
		if sc.MaxCycles <= 0 {
			return fmt.Errorf("config: conversation %d (%s): max_cycles must be positive", i, sc.Name)
		}
		for _, id := range sc.AgentsInvolved {
			if !ids[id] {
				return fmt.Errorf("config: conversation %d (%s): unknown agent %q", i, sc.Name, id)
			}
		}
		if sc.StartingAgent != "" && !ids[sc.StartingAgent] {
			return fmt.Errorf("config: conversation %d (%s): unknown starting agent %q", i, sc.Name, sc.StartingAgent)
		}
		if sc.FirstMessage == "" && f.Initialization.FirstMessage == "" {
			return fmt.Errorf("config: conversation %d (%s): a first message is required", i, sc.Name)
		}
	}
	return nil
}

// Build constructs the core configuration, creating one Ollama provider
// per distinct endpoint+model pair.
func (f *File) Build() (*parley.Config, error) {
	cfg := &parley.Config{
		SystemPromptTemplate: f.Initialization.SystemPromptTemplate,
		FirstMessage:         f.Initialization.FirstMessage,
	}

	providers := make(map[string]*ollama.Provider)
	providerFor := func(m ModelConfig) *ollama.Provider {
		key := m.BaseURL + "|" + m.Name
		if p, ok := providers[key]; ok {
			return p
		}
		p := ollama.New(m.BaseURL, m.Name)
		providers[key] = p
		return p
	}

	for _, a := range f.Agents {
		spec := parley.AgentSpec{
			ID:          a.ID,
			DisplayName: a.Name,
			Persona:     a.Persona,
			Provider:    providerFor(a.Model),
			Params:      a.Model.Options,
			Thinking:    a.Thinking,
			Metadata:    a.Metadata,
		}
		if spec.DisplayName == "" {
			spec.DisplayName = a.ID
		}
		for _, t := range a.Tools {
			spec.ToolServers = append(spec.ToolServers, parley.ToolServerSpec{
				Name:    t.Name,
				Command: t.Command,
				Args:    t.Args,
				Env:     t.Env,
			})
		}
		cfg.Agents = append(cfg.Agents, spec)
	}

	for _, sc := range f.scenarios() {
		cfg.Scenarios = append(cfg.Scenarios, parley.Scenario{
			Name:             sc.Name,
			Goal:             sc.Goal,
			Brevity:          sc.Brevity,
			MaxCycles:        sc.MaxCycles,
			StartingAgent:    sc.StartingAgent,
			AgentsInvolved:   sc.AgentsInvolved,
			TurnTimeout:      time.Duration(sc.TurnTimeoutSecs) * time.Second,
			KeywordTriggers:  sc.KeywordTriggers,
			SilenceThreshold: sc.SilenceThreshold,
			SilenceMinChars:  sc.SilenceMinChars,
			OpeningMessage:   sc.FirstMessage,
		})
	}

	return cfg, nil
}

// GlobalToolServers converts the global tool-server declarations.
func (f *File) GlobalToolServers() []parley.ToolServerSpec {
	var out []parley.ToolServerSpec
	for _, t := range f.Tools {
		out = append(out, parley.ToolServerSpec{
			Name:    t.Name,
			Command: t.Command,
			Args:    t.Args,
			Env:     t.Env,
		})
	}
	return out
}
