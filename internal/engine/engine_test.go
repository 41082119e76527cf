package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/mcp"
	mcpmock "github.com/MrWong99/avatarkit/internal/mcp/mock"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/memory"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// scripted is a stream.Source whose n-th call is answered by fn(n).
type scripted struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest
	fn    func(n int, ctx context.Context, h stream.Handler) error
}

func (s *scripted) Stream(ctx context.Context, req llm.CompletionRequest, h stream.Handler) error {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(n, ctx, h)
}

func (s *scripted) requests() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.CompletionRequest(nil), s.calls...)
}

func reply(h stream.Handler, deltas ...string) error {
	for _, d := range deltas {
		h(stream.Event{Kind: stream.EventContentDelta, Text: d})
	}
	h(stream.Event{Kind: stream.EventDone, FinishReason: "stop"})
	return nil
}

func stall(ctx context.Context) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

// recSink records what the engine writes.
type recSink struct {
	begins  int
	deltas  []string
	flushes int
	vision  string
}

func (s *recSink) Begin() { s.begins++ }
func (s *recSink) Write(_ context.Context, d, _ string) error {
	s.deltas = append(s.deltas, d)
	return nil
}
func (s *recSink) Flush(context.Context) error { s.flushes++; return nil }
func (s *recSink) Vision() string              { return s.vision }
func (s *recSink) ClearVision()                { s.vision = "" }

type capturer struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (c *capturer) Capture(_ context.Context, _, source string) (llm.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
	if c.err != nil {
		return llm.Image{}, c.err
	}
	return llm.Image{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}, nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newService(t *testing.T, src stream.Source, store memory.Store, opts ...Option) *Service {
	t.Helper()
	s, err := New(src, store, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// ─── GenerateContent ─────────────────────────────────────────────────────────

func TestGenerateContent_TimeoutThenSuccess(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(n int, ctx context.Context, h stream.Handler) error {
		if n == 0 {
			return stall(ctx)
		}
		return reply(h, "Hello", " there.")
	}}
	s := newService(t, src, memory.NewInMemoryStore(), WithNoDataTimeout(20*time.Millisecond))

	gs, err := s.GenerateContent(context.Background(), GenerateRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		RetryCounter: 1,
	})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if gs.ResponseType() != ResponseContent {
		t.Errorf("ResponseType = %s, want content", gs.ResponseType())
	}
	if gs.StreamBuffer() != "Hello there." {
		t.Errorf("StreamBuffer = %q", gs.StreamBuffer())
	}
	if n := len(src.requests()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestGenerateContent_RetriesExhausted(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, ctx context.Context, _ stream.Handler) error { return stall(ctx) }}
	s := newService(t, src, memory.NewInMemoryStore(), WithNoDataTimeout(10*time.Millisecond))

	gs, err := s.GenerateContent(context.Background(), GenerateRequest{RetryCounter: 2})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Type != ResponseTimeout {
		t.Fatalf("err = %v, want timeout GenerationError", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, stream.ErrNoData) {
		t.Errorf("err = %v, want ErrRetriesExhausted wrapping ErrNoData", err)
	}
	if gs == nil || gs.ResponseType() != ResponseTimeout {
		t.Errorf("expected a terminal timeout session, got %v", gs)
	}
	if n := len(src.requests()); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestRun_TimedOutAttemptNotSpoken(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(n int, _ context.Context, h stream.Handler) error {
		if n == 0 {
			// Answers long after the deadline without watching ctx.
			time.Sleep(60 * time.Millisecond)
			return reply(h, "stale half ")
		}
		return reply(h, "fresh answer.")
	}}
	s := newService(t, src, memory.NewInMemoryStore(), WithNoDataTimeout(20*time.Millisecond), WithRetries(1))
	sink := &recSink{}

	res, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "hi", Sink: sink})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "fresh answer." {
		t.Errorf("text = %q, want only the retry's answer", res.Text)
	}
	if got := strings.Join(sink.deltas, ""); got != "fresh answer." {
		t.Errorf("sink deltas = %q, want only the retry's answer", sink.deltas)
	}
}

func TestGenerateContent_RetryLogNamesUserOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	src := &scripted{fn: func(n int, ctx context.Context, h stream.Handler) error {
		if n == 0 {
			return stall(ctx)
		}
		return reply(h, "ok")
	}}
	s := newService(t, src, memory.NewInMemoryStore(), WithNoDataTimeout(10*time.Millisecond))
	ctx := observe.WithUser(context.Background(), "u1")
	if _, err := s.GenerateContent(ctx, GenerateRequest{UserID: "u1", RetryCounter: 1}); err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}

	var line string
	for l := range strings.Lines(buf.String()) {
		if strings.Contains(l, "retrying") {
			line = l
		}
	}
	if n := strings.Count(line, "user_id="); n != 1 {
		t.Errorf("retry log %q has user_id %d times, want once", line, n)
	}
}

func TestGenerateContent_BackendErrorNotRetried(t *testing.T) {
	t.Parallel()
	boom := &stream.BackendError{Err: errors.New("overloaded")}
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventContentDelta, Text: "partial"})
		h(stream.Event{Kind: stream.EventError, Err: boom.Err})
		return boom
	}}
	s := newService(t, src, memory.NewInMemoryStore())

	gs, err := s.GenerateContent(context.Background(), GenerateRequest{RetryCounter: 3})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Type != ResponseError {
		t.Fatalf("err = %v, want error GenerationError", err)
	}
	if gs.ResponseType() != ResponseError {
		t.Errorf("ResponseType = %s", gs.ResponseType())
	}
	if n := len(src.requests()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestGenerateContent_Cancelled(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, ctx context.Context, _ stream.Handler) error { return stall(ctx) }}
	s := newService(t, src, memory.NewInMemoryStore(), WithNoDataTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := s.GenerateContent(ctx, GenerateRequest{RetryCounter: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(src.requests()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestGenerateContent_RequestTimeoutAfterDataIsError(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, ctx context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventContentDelta, Text: "slow"})
		return stall(ctx)
	}}
	s := newService(t, src, memory.NewInMemoryStore(), WithRequestTimeout(20*time.Millisecond))

	gs, err := s.GenerateContent(context.Background(), GenerateRequest{RetryCounter: 1})
	if err == nil || gs.ResponseType() != ResponseError {
		t.Fatalf("ResponseType = %s err = %v, want error", gs.ResponseType(), err)
	}
	if n := len(src.requests()); n != 1 {
		t.Errorf("partial output must not be retried, calls = %d", n)
	}
}

func TestGenerateContent_FunctionCalling(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventSessionStart, ContextID: "conv-9"})
		h(stream.Event{Kind: stream.EventToolCall, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "current_time", Arguments: "{}"}}})
		h(stream.Event{Kind: stream.EventDone, FinishReason: "tool_calls"})
		return nil
	}}
	s := newService(t, src, memory.NewInMemoryStore())

	gs, err := s.GenerateContent(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if gs.ResponseType() != ResponseFunctionCalling {
		t.Errorf("ResponseType = %s", gs.ResponseType())
	}
	if gs.FunctionName() != "current_time" || gs.ToolUseID() != "c1" {
		t.Errorf("function = %q id = %q", gs.FunctionName(), gs.ToolUseID())
	}
	if gs.ContextID() != "conv-9" || gs.FinishReason() != "tool_calls" {
		t.Errorf("context = %q finish = %q", gs.ContextID(), gs.FinishReason())
	}
}

func TestGenerationSession_FinishOnce(t *testing.T) {
	t.Parallel()
	gs := newGenerationSession(nil, nil, false)
	if !gs.finish(ResponseContent, nil) {
		t.Fatal("first finish rejected")
	}
	if gs.finish(ResponseError, errors.New("late")) {
		t.Error("second finish accepted")
	}
	if gs.ResponseType() != ResponseContent || gs.Err() != nil {
		t.Errorf("type = %s err = %v", gs.ResponseType(), gs.Err())
	}
	select {
	case <-gs.Done():
	default:
		t.Error("Done not closed")
	}
}

// ─── MakePrompt ──────────────────────────────────────────────────────────────

func TestMakePrompt(t *testing.T) {
	t.Parallel()
	s := newService(t, &scripted{}, memory.NewInMemoryStore(), WithHistoryTurns(1))
	sess := memory.NewSession("u1")
	sess.History = []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "one"},
		{Role: llm.RoleUser, Content: "second"},
		{Role: llm.RoleAssistant, Content: "two"},
	}

	img := llm.Image{MIMEType: "image/png", Data: []byte{1}}
	msgs := s.MakePrompt(sess, "third", Payloads{Images: []llm.Image{img}})

	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "second" || msgs[2].Content != "third" {
		t.Errorf("msgs = %+v", msgs)
	}
	if len(msgs[2].Images) != 1 {
		t.Error("image not attached")
	}
	if len(sess.History) != 4 {
		t.Error("MakePrompt modified the session")
	}
}

func TestSetPrompts(t *testing.T) {
	t.Parallel()
	s := newService(t, &scripted{}, memory.NewInMemoryStore(), WithSystemPrompt("old"), WithVisionPrompt("look"))

	s.SetSystemPrompt("new")
	s.SetVisionPrompt("")
	system, vision := s.prompts()
	if system != "new" {
		t.Errorf("system = %q, want new", system)
	}
	if vision != defaultVisionPrompt {
		t.Errorf("vision = %q, want the default", vision)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_CommitsHistory(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventSessionStart, ContextID: "ctx-1"})
		return reply(h, "Hi! ", "Nice to meet you.")
	}}
	store := memory.NewInMemoryStore()
	s := newService(t, src, store, WithSystemPrompt("be cute"))
	sink := &recSink{}

	res, err := s.Run(context.Background(), TurnRequest{
		UserID: "u1", Text: "hello", Sink: sink,
		Topic: &memory.Topic{Continue: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Hi! Nice to meet you." || res.Calls != 1 {
		t.Errorf("result = %+v", res)
	}
	if sink.begins != 1 || sink.flushes != 1 || strings.Join(sink.deltas, "") != res.Text {
		t.Errorf("sink = %+v", sink)
	}
	if got := src.requests()[0]; got.SystemPrompt != "be cute" || got.User != "u1" {
		t.Errorf("request = %+v", got)
	}

	sess, err := store.Load(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.History) != 2 || sess.History[0].Content != "hello" || sess.History[1].Content != res.Text {
		t.Errorf("history = %+v", sess.History)
	}
	if sess.ContextID != "ctx-1" || !sess.Topic.Continue || sess.UpdatedAt.IsZero() {
		t.Errorf("session = %+v", sess)
	}
}

func TestRun_HistoryUnchangedOnError(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventContentDelta, Text: "I think the answer is"})
		err := errors.New("connection reset")
		h(stream.Event{Kind: stream.EventError, Err: err})
		return &stream.BackendError{Err: err}
	}}
	store := memory.NewInMemoryStore()
	before := memory.NewSession("u1")
	before.History = []llm.Message{{Role: llm.RoleUser, Content: "old"}, {Role: llm.RoleAssistant, Content: "reply"}}
	before.ContextID = "ctx-old"
	before.UpdatedAt = time.Now()
	if err := store.Save(context.Background(), before); err != nil {
		t.Fatal(err)
	}

	s := newService(t, src, store)
	_, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "new", Sink: &recSink{}})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Type != ResponseError {
		t.Fatalf("err = %v, want error GenerationError", err)
	}

	after, err := store.Load(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(after.History) != 2 || after.History[1].Content != "reply" || after.ContextID != "ctx-old" {
		t.Errorf("history changed: %+v", after)
	}
}

func TestRun_ToolLoop(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(n int, _ context.Context, h stream.Handler) error {
		if n == 0 {
			h(stream.Event{Kind: stream.EventToolCall, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "current_time", Arguments: `{}`}}})
			h(stream.Event{Kind: stream.EventDone, FinishReason: "tool_calls"})
			return nil
		}
		return reply(h, "It is noon.")
	}}
	host := &mcpmock.Host{
		ToolsResult: []llm.ToolDefinition{{Name: "current_time"}},
		Results:     map[string]*mcp.ToolResult{"current_time": {Content: "12:00"}},
	}
	store := memory.NewInMemoryStore()
	s := newService(t, src, store, WithTools(host))

	res, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "what time is it?", Sink: &recSink{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Calls != 2 || len(res.ToolCalls) != 1 {
		t.Errorf("result = %+v", res)
	}

	reqs := src.requests()
	if len(reqs[0].Tools) != 1 {
		t.Errorf("tools not offered: %+v", reqs[0].Tools)
	}
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c1" || last.Content != "12:00" {
		t.Errorf("tool result message = %+v", last)
	}

	sess, _ := store.Load(context.Background(), "u1")
	roles := make([]string, len(sess.History))
	for i, m := range sess.History {
		roles[i] = m.Role
	}
	if got := strings.Join(roles, ","); got != "user,assistant,tool,assistant" {
		t.Errorf("history roles = %s", got)
	}
}

func TestRun_ToolErrorsReachModel(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(n int, _ context.Context, h stream.Handler) error {
		if n == 0 {
			h(stream.Event{Kind: stream.EventToolCall, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "ghost"}}})
			return reply(h)
		}
		return reply(h, "Sorry.")
	}}
	host := &mcpmock.Host{Results: map[string]*mcp.ToolResult{}}
	s := newService(t, src, memory.NewInMemoryStore(), WithTools(host))

	if _, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "x", Sink: &recSink{}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := src.requests()[1].Messages
	if last := msgs[len(msgs)-1]; !strings.HasPrefix(last.Content, "error:") {
		t.Errorf("tool message = %q, want error text", last.Content)
	}
}

func TestRun_MaxToolRounds(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		h(stream.Event{Kind: stream.EventContentDelta, Text: "checking."})
		h(stream.Event{Kind: stream.EventToolCall, ToolCalls: []llm.ToolCall{{ID: "c", Name: "current_time"}}})
		return reply(h)
	}}
	host := &mcpmock.Host{ToolsResult: []llm.ToolDefinition{{Name: "current_time"}}}
	s := newService(t, src, memory.NewInMemoryStore(), WithTools(host), WithMaxToolRounds(2))

	res, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "x", Sink: &recSink{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := src.requests()
	if len(reqs) != 3 || res.Calls != 3 {
		t.Fatalf("calls = %d, want 3", len(reqs))
	}
	if len(reqs[2].Tools) != 0 {
		t.Error("last call must be issued without tools")
	}
	if host.CallCount("ExecuteTool") != 2 {
		t.Errorf("ExecuteTool calls = %d, want 2", host.CallCount("ExecuteTool"))
	}
}

func TestRun_VisionOnce(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		return reply(h, "Let me look. ", "[vision:camera]")
	}}
	cam := &capturer{}
	store := memory.NewInMemoryStore()
	s := newService(t, src, store, WithImageCapturer(cam))
	q := content.NewQueue()
	parser := content.NewParser(q)

	res, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "what am I holding?", Sink: parser})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cam.sources) != 1 || cam.sources[0] != "camera" {
		t.Errorf("captures = %v, want exactly one camera capture", cam.sources)
	}
	if !res.VisionUsed || res.Calls != 2 {
		t.Errorf("result = %+v", res)
	}

	reqs := src.requests()
	follow := reqs[1].Messages[len(reqs[1].Messages)-1]
	if follow.Role != llm.RoleUser || len(follow.Images) != 1 || !follow.FollowUp {
		t.Errorf("follow-up message = %+v", follow)
	}

	sess, _ := store.Load(context.Background(), "u1")
	for _, m := range sess.History {
		if len(m.Images) > 0 {
			t.Error("images must not be persisted")
		}
	}
	if got := sess.Recent(1); len(got) != len(sess.History) {
		t.Errorf("Recent(1) = %d messages, want the whole turn of %d", len(got), len(sess.History))
	}
}

func TestRun_VisionCaptureFailureAnswersAnyway(t *testing.T) {
	t.Parallel()
	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error {
		return reply(h, "Let me look. [vision:camera]")
	}}
	cam := &capturer{err: errors.New("no camera")}
	s := newService(t, src, memory.NewInMemoryStore(), WithImageCapturer(cam))

	res, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "x", Sink: &recSink{vision: "camera"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Calls != 1 || res.VisionUsed {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_StaleContextReset(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewInMemoryStore()
	old := memory.NewSession("u1")
	old.ContextID = "ctx-old"
	old.History = []llm.Message{{Role: llm.RoleUser, Content: "yesterday"}}
	old.UpdatedAt = now.Add(-time.Hour)
	if err := store.Save(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	src := &scripted{fn: func(_ int, _ context.Context, h stream.Handler) error { return reply(h, "Hello again.") }}
	s := newService(t, src, store,
		WithContextTimeout(10*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	if _, err := s.Run(context.Background(), TurnRequest{UserID: "u1", Text: "hi", Sink: &recSink{}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := src.requests()[0]
	if req.ContextID != "" || len(req.Messages) != 1 {
		t.Errorf("stale context reused: %+v", req)
	}
}

func TestRun_RequiresSink(t *testing.T) {
	t.Parallel()
	s := newService(t, &scripted{}, memory.NewInMemoryStore())
	if _, err := s.Run(context.Background(), TurnRequest{UserID: "u1"}); err == nil {
		t.Error("expected error without sink")
	}
}

func TestForgetAndUpdateTopic(t *testing.T) {
	t.Parallel()
	store := memory.NewInMemoryStore()
	s := newService(t, &scripted{}, store)
	ctx := context.Background()

	if err := s.UpdateTopic(ctx, "u1", memory.Topic{Name: "weather", Continue: true}); err != nil {
		t.Fatal(err)
	}
	sess, err := store.Load(ctx, "u1")
	if err != nil || sess.Topic.Name != "weather" {
		t.Fatalf("session = %+v err = %v", sess, err)
	}
	if err := s.Forget(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "u1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, memory.NewInMemoryStore()); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New(&scripted{}, nil); err == nil {
		t.Error("expected error for nil store")
	}
}
