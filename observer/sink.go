package observer

import (
	"context"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel/metric"
)

// ObservedSink wraps a parley.EventSink and turns conversation events into
// metrics before passing them through. Publish stays non-blocking: counter
// adds are synchronous and cheap.
type ObservedSink struct {
	inner parley.EventSink
	inst  *Instruments
}

// WrapSink returns a sink that counts turns, cycles, and thought chunks.
func WrapSink(inner parley.EventSink, inst *Instruments) *ObservedSink {
	return &ObservedSink{inner: inner, inst: inst}
}

func (o *ObservedSink) Publish(ev parley.Event) {
	ctx := context.Background()
	switch ev.Type {
	case parley.EventAgentMessage:
		o.inst.Turns.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(ev.AgentID)))
	case parley.EventCycleUpdate:
		o.inst.Cycles.Add(ctx, 1)
	case parley.EventThought:
		o.inst.Thoughts.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(ev.AgentID)))
	}
	o.inner.Publish(ev)
}

// Compile-time interface check.
var _ parley.EventSink = (*ObservedSink)(nil)
