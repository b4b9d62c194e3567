package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxToolIterations bounds the model→tool→model loop inside one
// turn. On exceedance the executor synthesizes error tool results telling
// the model to conclude, then forces a final call with no tools bound.
const defaultMaxToolIterations = 8

// defaultToolCallDeadline bounds a single tool-server round-trip.
const defaultToolCallDeadline = 30 * time.Second

// maxParallelToolCalls caps concurrent dispatch within one batch of tool
// calls. Batches are the only place tool calls run concurrently; across
// turns they are strictly ordered.
const maxParallelToolCalls = 8

// turnExecutor runs one agent turn: build the agent's message view, stream
// the model through the thought filter, resolve tool calls until the model
// produces a final response, and publish observer events along the way.
type turnExecutor struct {
	sink         EventSink
	broker       ToolBroker
	logger       *slog.Logger
	maxToolIter  int
	toolDeadline time.Duration
}

func newTurnExecutor(sink EventSink, broker ToolBroker, logger *slog.Logger) *turnExecutor {
	if broker == nil {
		broker = NoTools()
	}
	if logger == nil {
		logger = nopLogger
	}
	return &turnExecutor{
		sink:         sink,
		broker:       broker,
		logger:       logger,
		maxToolIter:  defaultMaxToolIterations,
		toolDeadline: defaultToolCallDeadline,
	}
}

// execute runs agent's turn against state, appending the turn's messages.
// The returned error is nil for any completed turn (including a timed-out
// one, which completes with a synthetic message). A non-nil error means the
// conversation must end: context.Canceled after a stop, or *ErrModel for a
// dead endpoint.
func (e *turnExecutor) execute(ctx context.Context, agent *Agent, state *ConversationState) (string, error) {
	e.sink.Publish(Event{Type: EventTurnIndicator, AgentID: agent.ID, DisplayName: agent.DisplayName})

	turnCtx := ctx
	var cancel context.CancelFunc
	if state.Scenario.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, state.Scenario.TurnTimeout)
		defer cancel()
	}

	bound := e.broker.ToolsForAgent(agent.ID)
	delims := agent.Delimiters
	if len(delims.Pairs) == 0 && len(delims.LeadingPhrases) == 0 {
		delims = DefaultDelimiters()
	}

	for iter := 0; iter < e.maxToolIter; iter++ {
		resp, cleaned, err := e.invokeModel(turnCtx, agent, state, bound, delims)
		if err != nil {
			return "", e.failTurn(ctx, turnCtx, agent, state, err)
		}

		if len(resp.ToolCalls) == 0 {
			e.finishTurn(agent, state, cleaned)
			return cleaned, nil
		}

		// Append the assistant message carrying the calls, then one tool
		// message per call, before the next model iteration.
		state.append(Message{
			ID:        NewID(),
			AgentID:   agent.ID,
			Role:      RoleAI,
			Content:   cleaned,
			ToolCalls: resp.ToolCalls,
			Timestamp: NowUnix(),
			Cycle:     state.CurrentCycle,
		})

		results := e.dispatchBatch(turnCtx, agent.ID, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			content := results[i].Content
			if results[i].Failed() {
				content = "error: " + results[i].Error
			}
			state.append(Message{
				ID:         NewID(),
				AgentID:    "tool",
				Role:       RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				Timestamp:  NowUnix(),
				Cycle:      state.CurrentCycle,
			})
		}

		if turnCtx.Err() != nil {
			return "", e.failTurn(ctx, turnCtx, agent, state, turnCtx.Err())
		}
	}

	// Tool iteration budget exhausted: force a final, tool-free response.
	e.logger.Warn("tool iteration limit reached, forcing conclusion", "agent", agent.ID, "limit", e.maxToolIter)
	state.append(Message{
		ID:        NewID(),
		AgentID:   "tool",
		Role:      RoleTool,
		Content:   "error: tool iteration limit reached; conclude your turn without further tool calls",
		Timestamp: NowUnix(),
		Cycle:     state.CurrentCycle,
	})

	resp, cleaned, err := e.invokeModel(turnCtx, agent, state, nil, delims)
	if err != nil {
		return "", e.failTurn(ctx, turnCtx, agent, state, err)
	}
	_ = resp
	e.finishTurn(agent, state, cleaned)
	return cleaned, nil
}

// invokeModel streams one model call through the thought filter. Thought
// chunks are published as they arrive; the cleaned response is returned.
func (e *turnExecutor) invokeModel(ctx context.Context, agent *Agent, state *ConversationState, bound []ToolDefinition, delims DelimiterSet) (ChatResponse, string, error) {
	filter := NewThoughtFilter(delims, agent.Thinking, func(chunk string) {
		e.sink.Publish(Event{Type: EventThought, AgentID: agent.ID, Content: chunk})
	}, nil)

	req := ChatRequest{
		Messages: agent.chatView(state.History()),
		Tools:    bound,
		Params:   agent.Params,
	}

	tokens := make(chan string, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for tok := range tokens {
			filter.Feed(tok)
		}
	}()

	resp, err := agent.Provider.ChatStream(ctx, req, tokens)
	<-drained
	cleaned := filter.Close()

	if err != nil {
		var me *ErrModel
		if errors.As(err, &me) && me.Kind == ModelErrMalformed {
			// Best-effort recovery: keep whatever cleaned text arrived.
			e.sink.Publish(Event{Type: EventError, Kind: "protocol", AgentID: agent.ID, Content: me.Message})
			return ChatResponse{Content: cleaned}, cleaned, nil
		}
		return ChatResponse{}, "", err
	}

	// Non-streaming providers may return content without emitting tokens.
	if cleaned == "" && resp.Content != "" {
		f2 := NewThoughtFilter(delims, agent.Thinking, func(chunk string) {
			e.sink.Publish(Event{Type: EventThought, AgentID: agent.ID, Content: chunk})
		}, nil)
		f2.Feed(resp.Content)
		cleaned = f2.Close()
	}

	return resp, cleaned, nil
}

// finishTurn appends the final ai message and announces it.
func (e *turnExecutor) finishTurn(agent *Agent, state *ConversationState, content string) {
	state.append(Message{
		ID:        NewID(),
		AgentID:   agent.ID,
		Role:      RoleAI,
		Content:   content,
		Timestamp: NowUnix(),
		Cycle:     state.CurrentCycle,
	})
	e.sink.Publish(Event{
		Type:        EventAgentMessage,
		AgentID:     agent.ID,
		DisplayName: agent.DisplayName,
		Content:     content,
		Cycle:       state.CurrentCycle,
	})
}

// failTurn classifies a model or context failure. Turn timeouts complete
// the turn with a synthetic message; stop cancellation and dead endpoints
// propagate so the orchestrator can end the conversation.
func (e *turnExecutor) failTurn(convCtx, turnCtx context.Context, agent *Agent, state *ConversationState, err error) error {
	// Conversation-level cancellation (stop command) wins over everything.
	if convCtx.Err() != nil {
		return convCtx.Err()
	}

	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("agent turn timed out", "agent", agent.ID, "timeout", state.Scenario.TurnTimeout)
		e.finishTurn(agent, state, "[agent timed out]")
		e.sink.Publish(Event{Type: EventError, Kind: "timeout", AgentID: agent.ID})
		return nil
	}

	var me *ErrModel
	if errors.As(err, &me) {
		e.finishTurn(agent, state, fmt.Sprintf("[model unavailable: %s]", me.Message))
		e.sink.Publish(Event{Type: EventError, Kind: string(me.Kind), AgentID: agent.ID, Content: me.Message})
		return err
	}

	// Unclassified failure: treat as a dead endpoint.
	e.finishTurn(agent, state, fmt.Sprintf("[model unavailable: %v]", err))
	e.sink.Publish(Event{Type: EventError, Kind: string(ModelErrUnreachable), AgentID: agent.ID, Content: err.Error()})
	return &ErrModel{Kind: ModelErrUnreachable, Agent: agent.ID, Message: err.Error()}
}

// dispatchBatch runs one batch of tool calls concurrently and returns the
// results in call order. A single call runs inline.
func (e *turnExecutor) dispatchBatch(ctx context.Context, agentID string, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	if len(calls) == 1 {
		results[0] = e.dispatchOne(ctx, agentID, calls[0])
		return results
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	work := make(chan workItem, len(calls))
	for i, tc := range calls {
		work <- workItem{i, tc}
	}
	close(work)

	workers := min(len(calls), maxParallelToolCalls)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for w := range work {
				results[w.idx] = e.dispatchOne(ctx, agentID, w.tc)
			}
		}()
	}
	wg.Wait()
	return results
}

// dispatchOne invokes a single tool call and publishes its events.
func (e *turnExecutor) dispatchOne(ctx context.Context, agentID string, tc ToolCall) ToolResult {
	e.sink.Publish(Event{Type: EventToolCall, AgentID: agentID, ToolName: tc.Name, Args: tc.Args})

	start := time.Now()
	res := e.broker.Call(ctx, agentID, tc.Name, tc.Args, e.toolDeadline)
	elapsed := time.Since(start)

	preview := res.Content
	if res.Failed() {
		preview = "error: " + res.Error
	}
	e.sink.Publish(Event{
		Type:       EventToolResult,
		AgentID:    agentID,
		ToolName:   tc.Name,
		Content:    truncateStr(preview, 200),
		DurationMS: elapsed.Milliseconds(),
	})
	return res
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
