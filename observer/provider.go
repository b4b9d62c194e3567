package observer

import (
	"context"
	"time"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a parley.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner parley.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for every model call.
func WrapProvider(inner parley.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req parley.ChatRequest) (parley.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.chat", trace.WithAttributes(
		AttrModelProvider.String(o.inner.Name()),
		AttrBoundToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)
	o.record(ctx, span, "chat", time.Since(start), resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req parley.ChatRequest, tokens chan<- string) (parley.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.chat_stream", trace.WithAttributes(
		AttrModelProvider.String(o.inner.Name()),
		AttrBoundToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	// Forward through an intermediate channel to count chunks. The buffer
	// keeps the inner provider from blocking while the forwarder drains.
	inner := make(chan string, max(cap(tokens), 64))
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(tokens)
		defer close(done)
		for tok := range inner {
			chunks++
			select {
			case tokens <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, inner)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "chat_stream", time.Since(start), resp.Usage, err)
	return resp, err
}

// Ping passes through to the inner provider when it supports probing.
func (o *ObservedProvider) Ping(ctx context.Context) (string, error) {
	if p, ok := o.inner.(parley.Pinger); ok {
		return p.Ping(ctx)
	}
	return "", &parley.ErrModel{Kind: parley.ModelErrUnreachable, Message: "provider does not support ping"}
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, method string, elapsed time.Duration, usage parley.Usage, err error) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
	)

	provider := AttrModelProvider.String(o.inner.Name())
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		provider, attribute.String("direction", "input")))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		provider, attribute.String("direction", "output")))
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		provider, AttrModelMethod.String(method), attribute.String("status", status)))
	o.inst.ModelDuration.Record(ctx, durationMs, metric.WithAttributes(
		provider, AttrModelMethod.String(method)))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("model.provider", o.inner.Name()),
		otellog.String("model.method", method),
		otellog.Int("model.tokens.input", usage.InputTokens),
		otellog.Int("model.tokens.output", usage.OutputTokens),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// Compile-time interface check.
var _ parley.Provider = (*ObservedProvider)(nil)
