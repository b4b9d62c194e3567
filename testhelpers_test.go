package parley

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Provider mocks (shared across turn_test.go, orchestrator_test.go) ---

// scriptStep is one scripted model exchange. Tokens are streamed one by one
// before resp is returned. When block is set the call hangs until the
// context is cancelled and returns the context error.
type scriptStep struct {
	tokens []string
	resp   ChatResponse
	err    error
	block  bool
}

// scriptProvider replays a fixed script of responses. When the script runs
// out the last step repeats, so long conversations keep flowing.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	next  int
	calls int
}

func newScriptProvider(steps ...scriptStep) *scriptProvider {
	return &scriptProvider{steps: steps}
}

// say is shorthand for a provider that streams the same reply every turn.
func say(text string) *scriptProvider {
	return newScriptProvider(scriptStep{tokens: []string{text}, resp: ChatResponse{Content: text}})
}

func (p *scriptProvider) take() scriptStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.steps) == 0 {
		return scriptStep{resp: ChatResponse{Content: "ok"}}
	}
	step := p.steps[p.next]
	if p.next < len(p.steps)-1 {
		p.next++
	}
	return step
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	step := p.take()
	if step.block {
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	return step.resp, step.err
}

func (p *scriptProvider) ChatStream(ctx context.Context, _ ChatRequest, tokens chan<- string) (ChatResponse, error) {
	defer close(tokens)
	step := p.take()
	if step.block {
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	for _, tok := range step.tokens {
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return step.resp, step.err
}

// --- Sink mocks ---

// recordSink captures published events synchronously, in order.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// ofType returns the recorded events of one type, in publish order.
func (s *recordSink) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordSink) contents(t EventType) []string {
	var out []string
	for _, ev := range s.ofType(t) {
		out = append(out, ev.Content)
	}
	return out
}

// --- Broker mocks ---

// fakeBroker serves a fixed tool set and canned results.
type fakeBroker struct {
	mu      sync.Mutex
	defs    []ToolDefinition
	results map[string]ToolResult
	called  []string
}

func newFakeBroker(defs []ToolDefinition, results map[string]ToolResult) *fakeBroker {
	return &fakeBroker{defs: defs, results: results}
}

func (b *fakeBroker) ToolsForAgent(string) []ToolDefinition { return b.defs }

func (b *fakeBroker) Call(_ context.Context, _, toolName string, _ json.RawMessage, _ time.Duration) ToolResult {
	b.mu.Lock()
	b.called = append(b.called, toolName)
	b.mu.Unlock()
	if res, ok := b.results[toolName]; ok {
		return res
	}
	return ToolResult{Error: "unknown tool: " + toolName, Kind: "protocol"}
}

func (b *fakeBroker) callNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.called...)
}

// --- Config helpers ---

// twoAgentConfig wires agents "a" and "b" to the given providers with one
// scenario. Callers tweak the scenario via cfg.Scenarios[0] before starting.
func twoAgentConfig(pa, pb Provider, sc Scenario) *Config {
	return &Config{
		Agents: []AgentSpec{
			{ID: "a", DisplayName: "Agent A", Persona: "You are agent A.", Provider: pa},
			{ID: "b", DisplayName: "Agent B", Persona: "You are agent B.", Provider: pb},
		},
		Scenarios: []Scenario{sc},
	}
}

func baseScenario() Scenario {
	return Scenario{
		Name:           "test",
		Goal:           "talk",
		MaxCycles:      10,
		StartingAgent:  "a",
		AgentsInvolved: []string{"a", "b"},
		OpeningMessage: "hello there",
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// historyByRole filters a message history by role.
func historyByRole(msgs []Message, r Role) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Role == r {
			out = append(out, m)
		}
	}
	return out
}

// joinContents concatenates message contents for substring assertions.
func joinContents(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
