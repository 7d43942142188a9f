package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/personaflow"

type interviewKey struct{}

// StartSpan starts a span on the global tracer. Spans started under an
// interview context carry its interview.id attribute.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := InterviewID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("interview.id", id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// WithInterview returns a copy of ctx tagged with an interview ID.
func WithInterview(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interviewKey{}, id)
}

// InterviewID returns the interview ID stored by [WithInterview], or "".
func InterviewID(ctx context.Context) string {
	id, _ := ctx.Value(interviewKey{}).(string)
	return id
}

// CorrelationID is the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the interview and trace identifiers
// found in ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := InterviewID(ctx); id != "" {
		attrs = append(attrs, slog.String("interview_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
