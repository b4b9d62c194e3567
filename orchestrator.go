package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// cancellationGrace bounds how long stop waits for an in-flight turn to
// observe cancellation and unwind.
const cancellationGrace = 500 * time.Millisecond

// ToolLifecycle is the optional lifecycle side of a ToolBroker: starting
// agent-scoped servers at conversation start and tearing them down at
// conversation end. mcp.Registry implements it; brokers without managed
// servers need not.
type ToolLifecycle interface {
	StartAgentServer(ctx context.Context, agentID string, spec ToolServerSpec) error
	StopAgentServers(agentID string)
}

// StartResult is returned by a successful Start.
type StartResult struct {
	ConversationID string   `json:"conversation_id"`
	Participating  []string `json:"participating_agents"`
	MaxCycles      int      `json:"max_cycles"`
}

// ContinueResult summarizes the run loop's progress.
type ContinueResult struct {
	CurrentCycle      int    `json:"current_cycle"`
	Terminated        bool   `json:"terminated"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// ScenarioDescriptor describes a configured scenario for listing.
type ScenarioDescriptor struct {
	Name          string   `json:"name"`
	Goal          string   `json:"goal,omitempty"`
	MaxCycles     int      `json:"max_cycles"`
	StartingAgent string   `json:"starting_agent,omitempty"`
	Participants  []string `json:"participating_agents,omitempty"`
	Default       bool     `json:"default"`
}

// Orchestrator owns one conversation at a time and drives it to
// termination. Commands arrive from any goroutine; turn execution is
// strictly serial. At most one conversation runs per Orchestrator.
type Orchestrator struct {
	cfg    *Config
	sink   EventSink
	broker ToolBroker
	logger *slog.Logger
	exec   *turnExecutor

	// command state, guarded by the state channel pattern below
	cmds chan func()
	done chan struct{}

	// conversation, accessed only from the command goroutine or under
	// snapshot methods on state itself
	state    *ConversationState
	agents   map[string]*Agent
	tracker  *CycleTracker
	convStop context.CancelFunc
	convCtx  context.Context
	resumeCh chan struct{} // non-nil while paused
	driving  bool
	driveEnd chan struct{} // closed when the current drive loop exits
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSink sets the event sink. Defaults to a subscriber-less Broadcaster.
func WithSink(s EventSink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = s }
}

// WithToolBroker sets the tool broker. Defaults to no tools.
func WithToolBroker(b ToolBroker) OrchestratorOption {
	return func(o *Orchestrator) { o.broker = b }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator for cfg. cfg may be nil, in which
// case Start fails with ErrNoConfig until SetConfig is called.
func NewOrchestrator(cfg *Config, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		logger: nopLogger,
		cmds:   make(chan func()),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = NewBroadcaster()
	}
	if o.broker == nil {
		o.broker = NoTools()
	}
	o.exec = newTurnExecutor(o.sink, o.broker, o.logger)
	go o.commandLoop()
	return o
}

// commandLoop serializes all command handling. Conversation fields are
// touched only from this goroutine; the drive loop borrows them while
// driving and the loop refuses conflicting commands meanwhile.
func (o *Orchestrator) commandLoop() {
	for {
		select {
		case fn := <-o.cmds:
			fn()
		case <-o.done:
			return
		}
	}
}

// do runs fn on the command goroutine and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case o.cmds <- wrapped:
	case <-o.done:
		return errors.New("orchestrator closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Close shuts the orchestrator down, stopping any running conversation.
func (o *Orchestrator) Close() {
	_, _ = o.Stop(context.Background())
	close(o.done)
}

// SetConfig replaces the configuration. Rejected while a conversation is
// live.
func (o *Orchestrator) SetConfig(ctx context.Context, cfg *Config) error {
	var err error
	doErr := o.do(ctx, func() {
		if o.live() {
			err = ErrAlreadyRunning
			return
		}
		o.cfg = cfg
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// live reports whether a conversation is running or paused. Command
// goroutine only.
func (o *Orchestrator) live() bool {
	if o.state == nil {
		return false
	}
	p := o.state.CurrentStatus().Phase
	return p == PhaseRunning || p == PhasePaused
}

// Start initializes a conversation: resolve the scenario, apply overrides,
// start agent-scoped tool servers, render system prompts, seed the opening
// message. The conversation enters running; Continue drives turns.
func (o *Orchestrator) Start(ctx context.Context, scenarioName string, ov Overrides) (StartResult, error) {
	var res StartResult
	var err error
	doErr := o.do(ctx, func() { res, err = o.start(ctx, scenarioName, ov) })
	if doErr != nil {
		return StartResult{}, doErr
	}
	return res, err
}

func (o *Orchestrator) start(ctx context.Context, scenarioName string, ov Overrides) (StartResult, error) {
	if o.cfg == nil {
		return StartResult{}, ErrNoConfig
	}
	if o.live() {
		return StartResult{}, ErrAlreadyRunning
	}

	sc, err := resolveScenario(o.cfg, scenarioName)
	if err != nil {
		return StartResult{}, err
	}
	participants, err := participantSet(o.cfg, sc)
	if err != nil {
		return StartResult{}, err
	}
	snap, err := freezeScenario(sc, participants, ov, o.cfg.FirstMessage)
	if err != nil {
		return StartResult{}, err
	}

	// Agent-scoped servers come up before prompt rendering so the template
	// sees the full tool set for each agent.
	if lc, ok := o.broker.(ToolLifecycle); ok {
		o.startAgentServers(ctx, lc, snap.Participants)
	}

	agents, err := buildAgents(o.cfg, snap, o.broker)
	if err != nil {
		o.stopAgentServers(snap.Participants)
		return StartResult{}, err
	}

	o.state = seedState(snap)
	o.agents = agents
	o.tracker = NewCycleTracker(snap.Participants, snap.MaxCycles, snap.KeywordTriggers, snap.SilenceCycles, snap.SilenceMinChars)
	o.convCtx, o.convStop = context.WithCancel(context.Background())
	o.resumeCh = nil

	o.logger.Info("conversation started",
		"id", o.state.ID,
		"scenario", snap.Name,
		"participants", snap.Participants,
		"max_cycles", snap.MaxCycles)
	o.sink.Publish(Event{
		Type:          EventLifecycle,
		Kind:          LifecycleStarted,
		Detail:        snap.Name,
		Participating: snap.Participants,
	})

	return StartResult{
		ConversationID: o.state.ID,
		Participating:  slices.Clone(snap.Participants),
		MaxCycles:      snap.MaxCycles,
	}, nil
}

// startAgentServers brings up each participant's scoped tool servers.
// Startup failure is advisory: the server is skipped with a warning.
func (o *Orchestrator) startAgentServers(ctx context.Context, lc ToolLifecycle, participants []string) {
	for _, a := range o.cfg.Agents {
		if !slices.Contains(participants, a.ID) {
			continue
		}
		for _, spec := range a.ToolServers {
			if err := lc.StartAgentServer(ctx, a.ID, spec); err != nil {
				o.logger.Warn("agent tool server failed to start", "agent", a.ID, "server", spec.Name, "error", err)
				o.sink.Publish(Event{Type: EventLifecycle, Kind: LifecycleToolUnhealthy, ToolName: spec.Name, AgentID: a.ID, Detail: err.Error()})
			}
		}
	}
}

func (o *Orchestrator) stopAgentServers(participants []string) {
	lc, ok := o.broker.(ToolLifecycle)
	if !ok {
		return
	}
	for _, id := range participants {
		lc.StopAgentServers(id)
	}
}

// Continue drives the run loop for up to cycles completed cycles, or until
// termination when cycles <= 0. It blocks while driving; pause suspends it
// at the next turn boundary until resume or stop.
func (o *Orchestrator) Continue(ctx context.Context, cycles int) (ContinueResult, error) {
	var (
		state   *ConversationState
		tracker *CycleTracker
		convCtx context.Context
		end     chan struct{}
		err     error
	)
	doErr := o.do(ctx, func() {
		if !o.live() {
			err = ErrNotRunning
			return
		}
		if o.driving {
			err = ErrAlreadyRunning
			return
		}
		o.driving = true
		o.driveEnd = make(chan struct{})
		state, tracker, convCtx, end = o.state, o.tracker, o.convCtx, o.driveEnd
	})
	if doErr != nil {
		return ContinueResult{}, doErr
	}
	if err != nil {
		return ContinueResult{}, err
	}

	// The drive loop runs outside the command goroutine so pause/resume/stop
	// stay responsive. driving=true keeps conflicting commands out.
	o.drive(convCtx, state, tracker, cycles)

	_ = o.do(context.Background(), func() {
		o.driving = false
		close(end)
		if o.state != nil && o.state.CurrentStatus().Phase == PhaseTerminated {
			o.stopAgentServers(o.state.Scenario.Participants)
		}
	})

	st := state.CurrentStatus()
	res := ContinueResult{CurrentCycle: st.CurrentCycle, Terminated: st.Phase == PhaseTerminated}
	if st.Termination != nil {
		res.TerminationReason = st.Termination.Reason
	}
	return res, nil
}

// drive executes turns until the cycle budget, termination, or stop.
func (o *Orchestrator) drive(convCtx context.Context, state *ConversationState, tracker *CycleTracker, cycles int) {
	target := -1
	if cycles > 0 {
		target = tracker.CurrentCycle() + cycles
	}

	for {
		if convCtx.Err() != nil {
			return
		}
		if !o.waitIfPaused(convCtx) {
			return
		}

		st := state.CurrentStatus()
		if st.Phase != PhaseRunning {
			return
		}

		agent := o.agentByID(st.NextAgent)
		if agent == nil {
			o.endConversation(state, "agent_error", fmt.Sprintf("next agent %q not found", st.NextAgent))
			return
		}

		final, err := o.exec.execute(convCtx, agent, state)
		if err != nil {
			if convCtx.Err() != nil {
				return // stopped; Stop publishes the lifecycle event
			}
			o.endConversation(state, "agent_error", err.Error())
			return
		}

		completed := tracker.RecordTurn(agent.ID, final)
		next := o.nextParticipant(state.Scenario.Participants, agent.ID)
		state.advance(tracker.CurrentCycle(), next)

		if completed {
			o.sink.Publish(Event{
				Type:          EventCycleUpdate,
				Cycle:         tracker.CurrentCycle(),
				Participating: state.Scenario.Participants,
			})
			state.append(Message{
				ID:        NewID(),
				AgentID:   "system",
				Role:      RoleCycleMarker,
				Content:   fmt.Sprintf("cycle %d complete", tracker.CurrentCycle()),
				Timestamp: NowUnix(),
				Cycle:     tracker.CurrentCycle(),
			})
		}

		if stop, reason := tracker.CheckTermination(final); stop {
			o.endConversation(state, reason, "")
			return
		}

		if target >= 0 && tracker.CurrentCycle() >= target {
			return
		}
	}
}

// waitIfPaused blocks at a turn boundary while the conversation is paused.
// Returns false when the conversation was stopped while waiting.
func (o *Orchestrator) waitIfPaused(convCtx context.Context) bool {
	var ch chan struct{}
	_ = o.do(context.Background(), func() { ch = o.resumeCh })
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-convCtx.Done():
		return false
	}
}

// agentByID fetches a runtime agent through the command goroutine.
func (o *Orchestrator) agentByID(id string) *Agent {
	var a *Agent
	_ = o.do(context.Background(), func() { a = o.agents[id] })
	return a
}

// nextParticipant returns the participant after current in round-robin
// order.
func (o *Orchestrator) nextParticipant(participants []string, current string) string {
	idx := slices.Index(participants, current)
	if idx < 0 {
		return participants[0]
	}
	return participants[(idx+1)%len(participants)]
}

// endConversation terminates with reason and publishes the ended lifecycle
// event, plus an error event when detail is non-empty.
func (o *Orchestrator) endConversation(state *ConversationState, reason, detail string) {
	state.terminate(reason)
	o.logger.Info("conversation ended", "id", state.ID, "reason", reason, "cycle", state.CurrentStatus().CurrentCycle)
	if detail != "" {
		o.sink.Publish(Event{Type: EventError, Kind: reason, Content: detail})
	}
	o.sink.Publish(Event{
		Type:   EventLifecycle,
		Kind:   LifecycleEnded,
		Detail: reason,
		Cycle:  state.CurrentStatus().CurrentCycle,
	})
}

// Pause suspends turn scheduling at the next turn boundary. The in-flight
// turn, if any, completes.
func (o *Orchestrator) Pause(ctx context.Context) (Phase, error) {
	var phase Phase
	var err error
	doErr := o.do(ctx, func() {
		if o.state == nil || o.state.CurrentStatus().Phase != PhaseRunning {
			err = ErrNotRunning
			return
		}
		o.resumeCh = make(chan struct{})
		o.state.setPhase(PhasePaused)
		phase = PhasePaused
		o.sink.Publish(Event{Type: EventLifecycle, Kind: LifecyclePaused})
	})
	if doErr != nil {
		return "", doErr
	}
	return phase, err
}

// Resume clears the pause flag; the drive loop picks up at the next turn.
func (o *Orchestrator) Resume(ctx context.Context) (Phase, error) {
	var phase Phase
	var err error
	doErr := o.do(ctx, func() {
		if o.state == nil || o.state.CurrentStatus().Phase != PhasePaused {
			err = ErrNotRunning
			return
		}
		close(o.resumeCh)
		o.resumeCh = nil
		o.state.setPhase(PhaseRunning)
		phase = PhaseRunning
		o.sink.Publish(Event{Type: EventLifecycle, Kind: LifecycleResumed})
	})
	if doErr != nil {
		return "", doErr
	}
	return phase, err
}

// Stop cancels any in-flight turn and terminates the conversation with
// reason stopped. Idempotent once terminated.
func (o *Orchestrator) Stop(ctx context.Context) (Phase, error) {
	var (
		err      error
		end      chan struct{}
		stopped  bool
		already  bool
		partSnap []string
	)
	doErr := o.do(ctx, func() {
		if o.state == nil {
			err = ErrNotRunning
			return
		}
		phase := o.state.CurrentStatus().Phase
		if phase == PhaseTerminated {
			already = true
			return
		}
		if o.resumeCh != nil {
			close(o.resumeCh)
			o.resumeCh = nil
		}
		o.state.terminate("stopped")
		o.convStop()
		end = o.driveEnd
		if !o.driving {
			end = nil
		}
		partSnap = o.state.Scenario.Participants
		stopped = true
	})
	if doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}
	if already {
		return PhaseTerminated, nil
	}

	if end != nil {
		select {
		case <-end:
		case <-time.After(cancellationGrace):
			o.logger.Warn("in-flight turn did not unwind within grace period")
		}
	}

	if stopped {
		o.stopAgentServers(partSnap)
		o.sink.Publish(Event{Type: EventLifecycle, Kind: LifecycleEnded, Detail: "stopped"})
	}
	return PhaseTerminated, nil
}

// Status returns the current conversation summary.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	doErr := o.do(ctx, func() {
		if o.state == nil {
			st = Status{Phase: PhaseIdle}
			return
		}
		st = o.state.CurrentStatus()
	})
	if doErr != nil {
		return Status{}, doErr
	}
	return st, nil
}

// Transcript returns a snapshot of the conversation state, and whether a
// conversation exists. Exports and persistence read from this.
func (o *Orchestrator) Transcript(ctx context.Context) (ConversationState, bool) {
	var snap ConversationState
	var ok bool
	_ = o.do(ctx, func() {
		if o.state != nil {
			snap = o.state.Snapshot()
			ok = true
		}
	})
	return snap, ok
}

// ListScenarios describes the configured scenarios; the first is the
// default.
func (o *Orchestrator) ListScenarios(ctx context.Context) ([]ScenarioDescriptor, error) {
	var out []ScenarioDescriptor
	var err error
	doErr := o.do(ctx, func() {
		if o.cfg == nil {
			err = ErrNoConfig
			return
		}
		for i, sc := range o.cfg.Scenarios {
			out = append(out, ScenarioDescriptor{
				Name:          sc.Name,
				Goal:          sc.Goal,
				MaxCycles:     sc.MaxCycles,
				StartingAgent: sc.StartingAgent,
				Participants:  slices.Clone(sc.AgentsInvolved),
				Default:       i == 0,
			})
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	return out, err
}

// ProbeProvider checks that a model endpoint is reachable and, when the
// provider supports it, lists what it serves. Used by the
// test-model-endpoint command.
func ProbeProvider(ctx context.Context, p Provider) (bool, string) {
	if pinger, ok := p.(Pinger); ok {
		detail, err := pinger.Ping(ctx)
		if err != nil {
			return false, err.Error()
		}
		return true, detail
	}
	_, err := p.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage("ping")}})
	if err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
