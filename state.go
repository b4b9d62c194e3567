package parley

import (
	"sync"
	"time"
)

// Phase is the lifecycle state of a conversation.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRunning    Phase = "running"
	PhasePaused     Phase = "paused"
	PhaseTerminated Phase = "terminated"
)

// Termination records why and when a conversation ended.
type Termination struct {
	Reason  string `json:"reason"`
	AtCycle int    `json:"at_cycle"`
}

// ScenarioSnapshot is the scenario frozen at conversation start. Runtime
// overrides (max cycles, starting agent) are applied before freezing; the
// snapshot never changes afterwards.
type ScenarioSnapshot struct {
	Name            string        `json:"name"`
	Goal            string        `json:"goal,omitempty"`
	Brevity         string        `json:"brevity,omitempty"`
	MaxCycles       int           `json:"max_cycles"`
	StartingAgent   string        `json:"starting_agent"`
	Participants    []string      `json:"participating_agents"`
	TurnTimeout     time.Duration `json:"turn_timeout"`
	KeywordTriggers []string      `json:"keyword_triggers,omitempty"`
	SilenceCycles   int           `json:"silence_threshold,omitempty"`
	SilenceMinChars int           `json:"silence_min_chars,omitempty"`
	OpeningMessage  string        `json:"opening_message"`
}

// ConversationState is the single source of truth for one conversation.
// It is owned exclusively by the Orchestrator's driver; every mutation is
// serialized through it. External readers get copies via Snapshot. The
// mutex is held by pointer so snapshot copies and store round-trips carry
// plain data; only seedState produces a lockable instance.
type ConversationState struct {
	mu *sync.Mutex

	ID           string           `json:"id"`
	Messages     []Message        `json:"messages"`
	CurrentCycle int              `json:"current_cycle"`
	NextAgent    string           `json:"next_agent"`
	Phase        Phase            `json:"phase"`
	Termination  *Termination     `json:"termination,omitempty"`
	Scenario     ScenarioSnapshot `json:"scenario"`
	StartedAt    int64            `json:"started_at"`
}

// append adds a message to the shared history. Thought messages are
// rejected structurally: they must never enter the history. No messages
// are appended once the conversation has terminated.
func (s *ConversationState) append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IsThought || s.Phase == PhaseTerminated {
		return
	}
	s.Messages = append(s.Messages, m)
}

// History returns a copy of the non-thought message sequence.
func (s *ConversationState) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if !m.IsThought {
			out = append(out, m)
		}
	}
	return out
}

// setPhase transitions the lifecycle phase.
func (s *ConversationState) setPhase(p Phase) {
	s.mu.Lock()
	s.Phase = p
	s.mu.Unlock()
}

// advance records the completed-cycle count and the next speaker.
func (s *ConversationState) advance(cycle int, nextAgent string) {
	s.mu.Lock()
	s.CurrentCycle = cycle
	s.NextAgent = nextAgent
	s.mu.Unlock()
}

// terminate marks the conversation ended with the given reason. The first
// reason sticks.
func (s *ConversationState) terminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase == PhaseTerminated {
		return
	}
	s.Phase = PhaseTerminated
	s.Termination = &Termination{Reason: reason, AtCycle: s.CurrentCycle}
}

// Snapshot returns a copy of the state safe to read outside the driver.
func (s *ConversationState) Snapshot() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ConversationState{
		ID:           s.ID,
		Messages:     append([]Message(nil), s.Messages...),
		CurrentCycle: s.CurrentCycle,
		NextAgent:    s.NextAgent,
		Phase:        s.Phase,
		Scenario:     s.Scenario,
		StartedAt:    s.StartedAt,
	}
	cp.Scenario.Participants = append([]string(nil), s.Scenario.Participants...)
	cp.Scenario.KeywordTriggers = append([]string(nil), s.Scenario.KeywordTriggers...)
	if s.Termination != nil {
		t := *s.Termination
		cp.Termination = &t
	}
	return cp
}

// CurrentStatus summarizes the state for external queries.
func (s *ConversationState) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Phase:        s.Phase,
		CurrentCycle: s.CurrentCycle,
		MessageCount: len(s.Messages),
		NextAgent:    s.NextAgent,
	}
	if s.Termination != nil {
		t := *s.Termination
		st.Termination = &t
	}
	return st
}

// Status is the externally visible summary of a conversation.
type Status struct {
	Phase        Phase        `json:"phase"`
	CurrentCycle int          `json:"current_cycle"`
	MessageCount int          `json:"message_count"`
	NextAgent    string       `json:"next_agent,omitempty"`
	Termination  *Termination `json:"termination,omitempty"`
}
