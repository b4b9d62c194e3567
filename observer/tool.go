package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBroker wraps a parley.ToolBroker with OTEL instrumentation.
type ObservedBroker struct {
	inner parley.ToolBroker
	inst  *Instruments
}

// WrapBroker returns an instrumented tool broker.
func WrapBroker(inner parley.ToolBroker, inst *Instruments) *ObservedBroker {
	return &ObservedBroker{inner: inner, inst: inst}
}

func (o *ObservedBroker) ToolsForAgent(agentID string) []parley.ToolDefinition {
	return o.inner.ToolsForAgent(agentID)
}

func (o *ObservedBroker) Call(ctx context.Context, agentID, toolName string, args json.RawMessage, deadline time.Duration) parley.ToolResult {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
		AttrToolName.String(toolName),
		AttrAgentID.String(agentID),
	))
	defer span.End()
	start := time.Now()

	result := o.inner.Call(ctx, agentID, toolName, args, deadline)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Failed() {
		status = result.Kind
		if status == "" {
			status = "error"
		}
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(toolName),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(toolName),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool call completed"))
	rec.AddAttributes(
		otellog.String("tool.name", toolName),
		otellog.String("agent.id", agentID),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result
}

// Compile-time interface check.
var _ parley.ToolBroker = (*ObservedBroker)(nil)
