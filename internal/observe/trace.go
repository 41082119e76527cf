package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationScope names the avatarkit tracer.
const instrumentationScope = "github.com/MrWong99/avatarkit"

// UserKey is the span attribute and log key carrying the client user ID.
const UserKey = "user_id"

type userKey struct{}

// WithUser returns a copy of ctx tagged with the client user ID. Spans from
// [StartSpan] and loggers from [Logger] derived from it carry the ID.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the user ID set by [WithUser], or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// StartSpan starts a span on the global tracer provider. The caller must end
// it. The user ID from ctx, if any, is attached as an attribute.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := UserID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(UserKey, id)))
	}
	return otel.Tracer(instrumentationScope).Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger enriched with the user ID and the trace
// and span IDs found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := UserID(ctx); id != "" {
		attrs = append(attrs, slog.String(UserKey, id))
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
