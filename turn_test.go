package parley

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func testAgent(p Provider) *Agent {
	return &Agent{ID: "a", DisplayName: "Agent A", SystemPrompt: "be brief", Provider: p}
}

func testState() *ConversationState {
	return seedState(ScenarioSnapshot{
		Name:           "t",
		StartingAgent:  "a",
		Participants:   []string{"a", "b"},
		OpeningMessage: "go",
	})
}

func TestTurnExecutorPlainResponse(t *testing.T) {
	sink := &recordSink{}
	exec := newTurnExecutor(sink, nil, nil)
	state := testState()

	final, err := exec.execute(context.Background(), testAgent(say("short and sweet")), state)
	if err != nil || final != "short and sweet" {
		t.Fatalf("execute = %q, %v", final, err)
	}

	if got := sink.ofType(EventTurnIndicator); len(got) != 1 || got[0].AgentID != "a" {
		t.Errorf("turn indicators = %+v", got)
	}
	ai := historyByRole(state.History(), RoleAI)
	if len(ai) != 1 || ai[0].Content != "short and sweet" {
		t.Errorf("ai history = %+v", ai)
	}
}

func TestTurnExecutorToolFailureSurfacedToModel(t *testing.T) {
	p := newScriptProvider(
		scriptStep{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "flaky", Args: json.RawMessage(`{}`)},
		}}},
		scriptStep{tokens: []string{"giving up"}},
	)
	broker := newFakeBroker(
		[]ToolDefinition{{Name: "flaky"}},
		map[string]ToolResult{"flaky": {Error: "server crashed", Kind: "transport"}},
	)
	sink := &recordSink{}
	exec := newTurnExecutor(sink, broker, nil)
	state := testState()

	final, err := exec.execute(context.Background(), testAgent(p), state)
	if err != nil || final != "giving up" {
		t.Fatalf("execute = %q, %v", final, err)
	}

	// The failure becomes a tool message the model sees, not a turn error.
	tools := historyByRole(state.History(), RoleTool)
	if len(tools) != 1 || tools[0].Content != "error: server crashed" {
		t.Fatalf("tool history = %+v", tools)
	}
	results := sink.ofType(EventToolResult)
	if len(results) != 1 || !strings.HasPrefix(results[0].Content, "error:") {
		t.Errorf("tool_result events = %+v", results)
	}
}

func TestTurnExecutorIterationLimit(t *testing.T) {
	// The model asks for a tool every time; the executor must cut it off and
	// force a final answer with no tools bound.
	calls := 0
	var mu sync.Mutex
	p := &loopingToolProvider{onCall: func(req ChatRequest) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if len(req.Tools) == 0 && calls <= defaultMaxToolIterations {
			t.Errorf("tools unbound before the iteration limit, call %d", calls)
		}
	}}
	broker := newFakeBroker([]ToolDefinition{{Name: "loop"}}, map[string]ToolResult{"loop": {Content: "again"}})
	sink := &recordSink{}
	exec := newTurnExecutor(sink, broker, nil)
	state := testState()

	final, err := exec.execute(context.Background(), testAgent(p), state)
	if err != nil || final != "forced conclusion" {
		t.Fatalf("execute = %q, %v", final, err)
	}
	if n := len(broker.callNames()); n != defaultMaxToolIterations {
		t.Errorf("tool calls = %d, want %d", n, defaultMaxToolIterations)
	}
	if all := joinContents(state.History()); !strings.Contains(all, "tool iteration limit reached") {
		t.Error("no synthetic limit message in history")
	}
}

// loopingToolProvider requests a tool call whenever tools are bound and
// concludes once they are withheld.
type loopingToolProvider struct {
	onCall func(ChatRequest)
}

func (p *loopingToolProvider) Name() string { return "looping" }

func (p *loopingToolProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.respond(req), nil
}

func (p *loopingToolProvider) ChatStream(_ context.Context, req ChatRequest, tokens chan<- string) (ChatResponse, error) {
	defer close(tokens)
	resp := p.respond(req)
	if resp.Content != "" {
		tokens <- resp.Content
	}
	return resp, nil
}

func (p *loopingToolProvider) respond(req ChatRequest) ChatResponse {
	if p.onCall != nil {
		p.onCall(req)
	}
	if len(req.Tools) > 0 {
		return ChatResponse{ToolCalls: []ToolCall{{ID: NewID(), Name: "loop", Args: json.RawMessage(`{}`)}}}
	}
	return ChatResponse{Content: "forced conclusion"}
}

func TestTurnExecutorParallelBatchKeepsOrder(t *testing.T) {
	p := newScriptProvider(
		scriptStep{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "one", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: "two", Args: json.RawMessage(`{}`)},
			{ID: "c3", Name: "three", Args: json.RawMessage(`{}`)},
		}}},
		scriptStep{tokens: []string{"done"}},
	)
	broker := newFakeBroker(
		[]ToolDefinition{{Name: "one"}, {Name: "two"}, {Name: "three"}},
		map[string]ToolResult{
			"one":   {Content: "r1"},
			"two":   {Content: "r2"},
			"three": {Content: "r3"},
		},
	)
	exec := newTurnExecutor(&recordSink{}, broker, nil)
	state := testState()

	if _, err := exec.execute(context.Background(), testAgent(p), state); err != nil {
		t.Fatal(err)
	}

	// Tool messages appear in call order with matching ids, regardless of
	// dispatch concurrency.
	tools := historyByRole(state.History(), RoleTool)
	if len(tools) != 3 {
		t.Fatalf("tool messages = %d", len(tools))
	}
	wantIDs := []string{"c1", "c2", "c3"}
	wantContent := []string{"r1", "r2", "r3"}
	for i, m := range tools {
		if m.ToolCallID != wantIDs[i] || m.Content != wantContent[i] {
			t.Errorf("tool[%d] = %+v", i, m)
		}
	}
}

func TestTurnExecutorMalformedResponseRecovers(t *testing.T) {
	p := newScriptProvider(scriptStep{
		tokens: []string{"partial answer"},
		err:    &ErrModel{Kind: ModelErrMalformed, Agent: "a", Message: "bad json"},
	})
	sink := &recordSink{}
	exec := newTurnExecutor(sink, nil, nil)
	state := testState()

	final, err := exec.execute(context.Background(), testAgent(p), state)
	if err != nil {
		t.Fatalf("malformed response should not fail the turn: %v", err)
	}
	if final != "partial answer" {
		t.Errorf("final = %q, want the salvaged text", final)
	}

	var sawProtocol bool
	for _, ev := range sink.ofType(EventError) {
		if ev.Kind == "protocol" {
			sawProtocol = true
		}
	}
	if !sawProtocol {
		t.Error("no protocol error event for malformed response")
	}
}

func TestTurnExecutorResultPreviewTruncated(t *testing.T) {
	long := strings.Repeat("y", 5000)
	p := newScriptProvider(
		scriptStep{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "big", Args: json.RawMessage(`{}`)},
		}}},
		scriptStep{tokens: []string{"ok"}},
	)
	broker := newFakeBroker([]ToolDefinition{{Name: "big"}}, map[string]ToolResult{"big": {Content: long}})
	sink := &recordSink{}
	exec := newTurnExecutor(sink, broker, nil)
	state := testState()

	if _, err := exec.execute(context.Background(), testAgent(p), state); err != nil {
		t.Fatal(err)
	}

	// The event preview is truncated; the history keeps the full result.
	results := sink.ofType(EventToolResult)
	if len(results) != 1 || len(results[0].Content) != 200 {
		t.Errorf("preview length = %d, want 200", len(results[0].Content))
	}
	tools := historyByRole(state.History(), RoleTool)
	if len(tools) != 1 || len(tools[0].Content) != 5000 {
		t.Errorf("history tool content length = %d, want 5000", len(tools[0].Content))
	}
}

func TestTurnExecutorStopCancellationPropagates(t *testing.T) {
	p := newScriptProvider(scriptStep{block: true})
	exec := newTurnExecutor(&recordSink{}, nil, nil)
	state := testState()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := exec.execute(ctx, testAgent(p), state)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// A cancelled turn leaves no synthetic message behind.
	if n := len(historyByRole(state.History(), RoleAI)); n != 0 {
		t.Errorf("ai messages after cancellation = %d, want 0", n)
	}
}

func TestChatViewShapesHistory(t *testing.T) {
	a := &Agent{ID: "a", SystemPrompt: "sys"}
	history := []Message{
		{Role: RoleHuman, AgentID: "a", Content: "open"},
		{Role: RoleAI, AgentID: "a", Content: "reply"},
		{Role: RoleCycleMarker, AgentID: "system", Content: "cycle 1 complete"},
		{Role: RoleTool, AgentID: "tool", Content: "pong", ToolCallID: "c1"},
	}
	view := a.chatView(history)

	if len(view) != 4 {
		t.Fatalf("view = %d messages, want 4 (marker skipped, system prepended)", len(view))
	}
	if view[0].Role != "system" || view[0].Content != "sys" {
		t.Errorf("view[0] = %+v", view[0])
	}
	wantRoles := []string{"system", "user", "assistant", "tool"}
	for i, m := range view {
		if m.Role != wantRoles[i] {
			t.Errorf("view[%d].Role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
}
