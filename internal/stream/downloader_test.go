package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ---- helpers ----

// sseServer writes each element of parts as a separate flushed write, so a
// single frame may be split across several network chunks.
func sseServer(t *testing.T, parts []string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured.set(r.Header.Clone(), body)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

type capturedRequest struct {
	mu     sync.Mutex
	header http.Header
	body   []byte
}

func (c *capturedRequest) set(h http.Header, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header, c.body = h, b
}

func (c *capturedRequest) get() (http.Header, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header, c.body
}

// collector records events in order.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, e := range c.events {
		if e.Kind == EventContentDelta {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func userReq(text string) llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: text}}}
}

// ---- OpenAI-compatible wire ----

func TestDownloader_OpenAI_SplitFrames(t *testing.T) {
	t.Parallel()
	srv, captured := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"con`,
		`tent":"lo. "}}]}` + "\n\n",
		": keep-alive comment\n\n",
		`data: {"choices":[{"delta":{"content":"World."},"finish_reason":"stop"}]}` + "\r\n\r\n",
		"data: [DONE]\n\n",
	})

	d, err := NewDownloader(srv.URL, OpenAICodec{Model: "gpt-test"}, WithBearerToken("sk-1"), WithHeader("X-Trace", "abc"))
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	var c collector
	if err := d.Stream(context.Background(), userReq("hi"), c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if got := c.text(); got != "Hello. World." {
		t.Errorf("text = %q, want %q", got, "Hello. World.")
	}
	kinds := c.kinds()
	if kinds[len(kinds)-1] != EventDone {
		t.Errorf("last event = %v, want done", kinds[len(kinds)-1])
	}

	hdr, body := captured.get()
	if hdr.Get("Authorization") != "Bearer sk-1" || hdr.Get("X-Trace") != "abc" {
		t.Errorf("headers = %v", hdr)
	}
	if hdr.Get("Accept") != "text/event-stream" {
		t.Errorf("Accept = %q", hdr.Get("Accept"))
	}
	var sent map[string]any
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent["model"] != "gpt-test" || sent["stream"] != true {
		t.Errorf("request = %v", sent)
	}
}

func TestDownloader_SkipsMalformedLine(t *testing.T) {
	t.Parallel()
	srv, _ := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"A"}}]}` + "\n",
		"data: {this is not json}\n",
		`data: {"choices":[{"delta":{"content":"B"}}]}` + "\n",
		"data: [DONE]\n",
	})
	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	var c collector
	if err := d.Stream(context.Background(), userReq("x"), c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := c.text(); got != "AB" {
		t.Errorf("text = %q, want AB", got)
	}
}

func TestDownloader_ToolCallFragments(t *testing.T) {
	t.Parallel()
	srv, _ := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"current_time","arguments":""}}]}}]}` + "\n",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"weather","arguments":"{\"city\""}}]}}]}` + "\n",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":":\"Kyoto\"}"}}]}}]}` + "\n",
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n",
		"data: [DONE]\n",
	})
	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	var c collector
	if err := d.Stream(context.Background(), userReq("x"), c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var calls []llm.ToolCall
	for _, e := range c.events {
		if e.Kind == EventToolCall {
			calls = append(calls, e.ToolCalls...)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].Name != "current_time" || calls[1].ID != "call_2" || calls[1].Arguments != `{"city":"Kyoto"}` {
		t.Errorf("calls = %+v", calls)
	}
}

func TestDownloader_Non2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	t.Cleanup(srv.Close)

	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	err := d.Stream(context.Background(), userReq("x"), func(Event) {})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != 401 || apiErr.Message != "bad key" || apiErr.Code != "invalid_api_key" || apiErr.Type != "invalid_request_error" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Error("401 must not be temporary")
	}
}

func TestDownloader_BackendErrorEvent(t *testing.T) {
	t.Parallel()
	srv, _ := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n",
		`data: {"error":{"message":"overloaded","type":"server_error","code":529}}` + "\n",
		`data: {"choices":[{"delta":{"content":"never"}}]}` + "\n",
	})
	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	var c collector
	err := d.Stream(context.Background(), userReq("x"), c.handle)

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "529" {
		t.Errorf("wrapped api error = %+v", apiErr)
	}
	if strings.Contains(c.text(), "never") {
		t.Error("events after the error must not be delivered")
	}
	kinds := c.kinds()
	if kinds[len(kinds)-1] != EventError {
		t.Errorf("last event = %v, want error", kinds[len(kinds)-1])
	}
}

func TestDownloader_EOFWithoutDone(t *testing.T) {
	t.Parallel()
	srv, _ := sseServer(t, []string{`data: {"choices":[{"delta":{"content":"cut"}}]}` + "\n"})
	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	var c collector
	if err := d.Stream(context.Background(), userReq("x"), c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if kinds := c.kinds(); kinds[len(kinds)-1] != EventDone {
		t.Errorf("kinds = %v, want trailing done", kinds)
	}
}

func TestDownloader_Cancellation(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"A"}}]}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"})
	ctx, cancel := context.WithCancel(context.Background())
	err := d.Stream(ctx, userReq("x"), func(e Event) {
		if e.Kind == EventContentDelta {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDownloader_APIKeyHeader(t *testing.T) {
	t.Parallel()
	srv, captured := sseServer(t, []string{"data: [DONE]\n"})
	d, _ := NewDownloader(srv.URL, OpenAICodec{Model: "m"}, WithAPIKeyHeader("x-api-key", "k-9"))
	if err := d.Stream(context.Background(), userReq("x"), func(Event) {}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	hdr, _ := captured.get()
	if hdr.Get("x-api-key") != "k-9" || hdr.Get("Authorization") != "" {
		t.Errorf("headers = %v", hdr)
	}
}

func TestNewDownloader_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewDownloader("", OpenAICodec{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if _, err := NewDownloader("http://x", nil); err == nil {
		t.Error("expected error for nil codec")
	}
}

// ---- Dify wire ----

func TestDownloader_Dify(t *testing.T) {
	t.Parallel()
	srv, captured := sseServer(t, []string{
		`data: {"event":"message","conversation_id":"conv-7","answer":"こんにちは。"}` + "\n\n",
		`data: {"event":"ping"}` + "\n\n",
		`data: {"event":"message","conversation_id":"conv-7","answer":"元気？","language":"ja"}` + "\n\n",
		`data: {"event":"message_end","conversation_id":"conv-7"}` + "\n\n",
	})
	d, _ := NewDownloader(srv.URL, DifyCodec{}, WithBearerToken("app-1"))

	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "old"},
			{Role: llm.RoleAssistant, Content: "reply"},
			{Role: llm.RoleUser, Content: "latest"},
		},
		User:      "u1",
		ContextID: "conv-7",
		Inputs:    map[string]string{"mood": "happy"},
	}
	var c collector
	if err := d.Stream(context.Background(), req, c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	want := []EventKind{EventSessionStart, EventContentDelta, EventContentDelta, EventDone}
	got := c.kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if c.events[0].ContextID != "conv-7" {
		t.Errorf("context id = %q", c.events[0].ContextID)
	}
	if c.events[2].Language != "ja" {
		t.Errorf("language = %q, want ja", c.events[2].Language)
	}

	_, body := captured.get()
	var sent difyRequest
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent.Query != "latest" || sent.ConversationID != "conv-7" || sent.User != "u1" || sent.ResponseMode != "streaming" || sent.Inputs["mood"] != "happy" {
		t.Errorf("request = %+v", sent)
	}
}

func TestDownloader_DifyError(t *testing.T) {
	t.Parallel()
	srv, _ := sseServer(t, []string{
		`data: {"event":"error","status":400,"code":"invalid_param","message":"query too long"}` + "\n\n",
	})
	d, _ := NewDownloader(srv.URL, DifyCodec{})
	err := d.Stream(context.Background(), userReq("x"), func(Event) {})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_param" || apiErr.Status != 400 {
		t.Fatalf("err = %v, want dify APIError", err)
	}
}

func TestDownloader_DifyUploadsImages(t *testing.T) {
	t.Parallel()
	type upload struct {
		auth, user, mimeType string
		data                 []byte
	}
	uploads := make(chan upload, 2)
	chat := make(chan []byte, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		uploads <- upload{r.Header.Get("Authorization"), r.FormValue("user"), hdr.Header.Get("Content-Type"), data}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"file-42","name":"capture.jpg"}`)
	})
	mux.HandleFunc("POST /v1/chat-messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		chat <- body
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"event":"message","answer":"A cat."}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"event":"message_end"}`+"\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d, _ := NewDownloader(srv.URL+"/v1/chat-messages", DifyCodec{}, WithBearerToken("app-1"))
	req := llm.CompletionRequest{
		User: "u1",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Here is the image you asked for.",
			Images:  []llm.Image{{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}},
		}},
	}
	var c collector
	if err := d.Stream(context.Background(), req, c.handle); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if c.text() != "A cat." {
		t.Errorf("text = %q", c.text())
	}

	up := <-uploads
	if up.auth != "Bearer app-1" || up.user != "u1" || up.mimeType != "image/jpeg" || string(up.data) != "\xff\xd8\xff" {
		t.Errorf("upload = %+v", up)
	}
	var sent difyRequest
	if err := json.Unmarshal(<-chat, &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if len(sent.Files) != 1 || sent.Files[0].UploadFileID != "file-42" || sent.Files[0].Type != "image" || sent.Files[0].TransferMethod != "local_file" {
		t.Errorf("files = %+v", sent.Files)
	}
}

func TestDownloader_DifyUploadRejected(t *testing.T) {
	t.Parallel()
	var chatCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/upload", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"code":"file_too_large","message":"File size exceeded.","status":413}`)
	})
	mux.HandleFunc("POST /chat-messages", func(http.ResponseWriter, *http.Request) { chatCalls.Add(1) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d, _ := NewDownloader(srv.URL+"/chat-messages", DifyCodec{})
	req := llm.CompletionRequest{Messages: []llm.Message{{
		Role: llm.RoleUser, Content: "look", Images: []llm.Image{{Data: []byte{1}}},
	}}}
	err := d.Stream(context.Background(), req, func(Event) {})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "file_too_large" {
		t.Fatalf("err = %v, want the upload APIError", err)
	}
	if chatCalls.Load() != 0 {
		t.Error("chat request sent after a failed upload")
	}
}
