package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every weave span.
const TracerName = "github.com/rendis/weave"

// Tracer returns the weave tracer from the global provider. Without a
// configured provider the spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Span wraps an OpenTelemetry span with execution-specific helpers.
type Span struct {
	span trace.Span
}

// StartExecution opens the root span of one runtime invocation.
func StartExecution(ctx context.Context, tracer trace.Tracer, executionID, workflowID, organizationID string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("execution: %s", workflowID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
			attribute.String("organization.id", organizationID),
		),
	)
	return ctx, &Span{span: span}
}

// StartNode opens a span for one node, covering all of its attempts.
func StartNode(ctx context.Context, tracer trace.Tracer, nodeID, kind, operation string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("node: %s", nodeID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.kind", kind),
			attribute.String("node.operation", operation),
		),
	)
	return ctx, &Span{span: span}
}

// SetStatus records the settled status as an attribute.
func (s *Span) SetStatus(status string) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String("status", status))
}

// SetAttempt records how many attempts a node took.
func (s *Span) SetAttempt(attempt int) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.Int("node.attempts", attempt))
}

// RecordError marks the span failed. The message must already be redacted.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}
