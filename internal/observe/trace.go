package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/pseudostream"

// Tracer returns the pseudostream tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type streamKey struct{}

// WithStream tags ctx with the ID of the stream it serves.
func WithStream(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, streamKey{}, id)
}

// StreamID returns the stream ID set by [WithStream], or "".
func StreamID(ctx context.Context) string {
	id, _ := ctx.Value(streamKey{}).(string)
	return id
}

// Logger returns the default logger with the stream ID and the trace and
// span IDs found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := StreamID(ctx); id != "" {
		l = l.With(slog.String("stream", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
