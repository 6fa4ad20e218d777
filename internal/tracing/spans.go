package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "maestro-core"

func engineTracer() trace.Tracer {
	return Tracer(engineTracerName)
}

// TraceDispatch creates a span for a prompt dispatch to an agent child.
func TraceDispatch(ctx context.Context, sessionID, tabID, agentKind string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "supervisor.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tab_id", tabID),
		attribute.String("agent_kind", agentKind),
	)
	return ctx, span
}

// TraceBatchTask creates a span for a single Auto Run task execution.
func TraceBatchTask(ctx context.Context, sessionID, document string, taskIndex, loop int) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "autorun.task",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("document", document),
		attribute.Int("task_index", taskIndex),
		attribute.Int("loop", loop),
	)
	return ctx, span
}

// EndSpan records the outcome on a span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
