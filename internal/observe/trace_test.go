package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider globally for the test.
// Tests using it must not run in parallel.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestWithUser(t *testing.T) {
	t.Parallel()
	ctx := WithUser(context.Background(), "alice")
	if got := UserID(ctx); got != "alice" {
		t.Errorf("UserID = %q, want alice", got)
	}
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID(background) = %q, want empty", got)
	}
	if WithUser(ctx, "") != ctx {
		t.Error("empty user ID should leave ctx unchanged")
	}
}

func TestTraceID(t *testing.T) {
	useTestTracer(t)

	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()
	id := TraceID(ctx)
	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("TraceID = %q, want 32 hex characters", id)
	}
}

func TestStartSpan_TagsUser(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithUser(context.Background(), "bob")
	_, span := StartSpan(ctx, "app.recognize")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "app.recognize" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	want := attribute.String(UserKey, "bob")
	found := false
	for _, a := range spans[0].Attributes {
		if a == want {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v lack %v", spans[0].Attributes, want)
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := useTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "turn")
	_, child := StartSpan(ctx, "tool")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child span is not parented to the turn span")
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("plain")
	line := buf.String()
	if strings.Contains(line, "trace_id") || strings.Contains(line, "user_id=") {
		t.Errorf("plain log carries context attributes: %s", line)
	}
	buf.Reset()

	ctx, span := StartSpan(WithUser(context.Background(), "carol"), "turn")
	defer span.End()
	Logger(ctx).Info("tagged")
	line = buf.String()
	for _, want := range []string{"user_id=carol", "trace_id=" + TraceID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q lacks %q", line, want)
		}
	}
}
