package parley

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of a published event.
type EventType string

const (
	// EventThought carries one chunk of an agent's internal reasoning.
	EventThought EventType = "thought"
	// EventAgentMessage carries an agent's final utterance for a turn.
	EventAgentMessage EventType = "agent_message"
	// EventTurnIndicator signals which agent is about to speak.
	EventTurnIndicator EventType = "turn_indicator"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a completed tool call.
	EventToolResult EventType = "tool_result"
	// EventCycleUpdate signals a completed conversation cycle.
	EventCycleUpdate EventType = "cycle_update"
	// EventLifecycle reports conversation lifecycle transitions.
	EventLifecycle EventType = "lifecycle"
	// EventError reports a recoverable or fatal error.
	EventError EventType = "error"
)

// Lifecycle kinds carried in Event.Kind for EventLifecycle events.
const (
	LifecycleStarted       = "started"
	LifecyclePaused        = "paused"
	LifecycleResumed       = "resumed"
	LifecycleStopped       = "stopped"
	LifecycleEnded         = "ended"
	LifecycleToolUnhealthy = "tool_unhealthy"
	LifecycleToolReady     = "tool_ready"
)

// Event is a self-describing record published to subscribers.
// Only the fields relevant to Type are populated.
type Event struct {
	Type          EventType       `json:"type"`
	AgentID       string          `json:"agent_id,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	Content       string          `json:"content,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Cycle         int             `json:"cycle,omitempty"`
	Participating []string        `json:"participating,omitempty"`
	Kind          string          `json:"kind,omitempty"` // lifecycle or error kind
	Detail        string          `json:"detail,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// EventSink accepts events for delivery to observers. Publish must never
// block the caller.
type EventSink interface {
	Publish(ev Event)
}

// defaultQueueSize bounds each subscriber's pending event queue. A slow
// subscriber loses its oldest events first; the conversation never waits.
const defaultQueueSize = 256

// subscriber is one registered event consumer with its own delivery
// goroutine, preserving per-subscriber order.
type subscriber struct {
	id      string
	handler func(Event)
	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

// Broadcaster fans events out to subscribers keyed by client id. Delivery is
// fire-and-forget: each subscriber drains a bounded queue on its own
// goroutine, overflow drops the oldest queued event and increments that
// subscriber's drop counter. Failure or slowness of one subscriber never
// affects another and never blocks Publish.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	queueSize int
	logger    *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithBroadcasterLogger sets a structured logger for drop warnings.
func WithBroadcasterLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subs:      make(map[string]*subscriber),
		queueSize: defaultQueueSize,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler under clientID. Re-subscribing an existing id
// replaces the previous registration.
func (b *Broadcaster) Subscribe(clientID string, handler func(Event)) {
	s := &subscriber{
		id:      clientID,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[clientID]; ok {
		close(old.stop)
	}
	b.subs[clientID] = s
	b.mu.Unlock()

	go s.run()
}

// Unsubscribe removes a subscriber. Queued events for it are discarded.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	s, ok := b.subs[clientID]
	if ok {
		delete(b.subs, clientID)
	}
	b.mu.Unlock()
	if ok {
		close(s.stop)
		<-s.done
	}
}

// Publish delivers ev to every live subscriber without blocking. The
// timestamp is stamped here if the producer left it zero.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = NowUnix()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(ev, b.logger)
	}
}

// Dropped returns the number of events dropped for clientID, or 0 if the
// subscriber is unknown.
func (b *Broadcaster) Dropped(clientID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[clientID]; ok {
		return s.dropped.Load()
	}
	return 0
}

// offer enqueues ev, evicting the oldest queued event when full.
func (s *subscriber) offer(ev Event, logger *slog.Logger) {
	select {
	case s.queue <- ev:
		return
	default:
	}

	// Queue full: drop the oldest, then retry once. The delivery goroutine
	// may have drained an event in between, so both selects are non-blocking.
	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
	logger.Warn("event dropped for slow subscriber", "client", s.id, "dropped", s.dropped.Load())
}

// run delivers queued events in order until the subscriber is removed.
// A panicking handler only kills its own delivery loop.
func (s *subscriber) run() {
	defer close(s.done)
	defer func() { recover() }()
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}

// nopLogger discards all output. Used wherever a logger is optional.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
