package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		name string
		in   llm.Message
	}{
		{"system", llm.Message{Role: llm.RoleSystem, Content: "You are Mirai."}},
		{"user", llm.Message{Role: llm.RoleUser, Content: "Hello!"}},
		{"assistant", llm.Message{Role: llm.RoleAssistant, Content: "Hi there!", Name: "mirai"}},
		{"tool", llm.Message{Role: llm.RoleTool, Content: "12:00", ToolCallID: "call_1"}},
		{"user with image", llm.Message{
			Role:    llm.RoleUser,
			Content: "What is this?",
			Images:  []llm.Image{{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role || got.ContentString() != tt.in.Content {
				t.Errorf("got %s %q, want %s %q", got.Role, got.ContentString(), tt.in.Role, tt.in.Content)
			}
			if got.Name != tt.in.Name || got.ToolCallID != tt.in.ToolCallID {
				t.Errorf("name/tool call id = %q/%q", got.Name, got.ToolCallID)
			}
		})
	}
}

func TestConvertMessage_ToolCalls(t *testing.T) {
	got := convertMessage(llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "current_time", Arguments: `{"zone":"Asia/Tokyo"}`},
			{ID: "call_2", Name: "weather", Arguments: `{}`},
		},
	})
	if len(got.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "current_time" || tc.Function.Arguments != `{"zone":"Asia/Tokyo"}` {
		t.Errorf("first call = %+v", tc)
	}
	if got.ToolCalls[1].ID != "call_2" {
		t.Errorf("order not kept: %+v", got.ToolCalls)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
		Tools:       []llm.ToolDefinition{{Name: "current_time", Description: "Current time"}},
	})
	if params.Model != "claude-3-5-sonnet-latest" {
		t.Errorf("model = %q", params.Model)
	}
	roles := make([]string, len(params.Messages))
	for i, m := range params.Messages {
		roles[i] = m.Role
	}
	if want := []string{anyllmlib.RoleSystem, llm.RoleUser, llm.RoleAssistant}; !slices.Equal(roles, want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Error("temperature not forwarded")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Error("max tokens not forwarded")
	}
	if len(params.Tools) != 1 || params.Tools[0].Type != "function" || params.Tools[0].Function.Name != "current_time" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestBuildParams_Defaults(t *testing.T) {
	params := (&Provider{model: "llama3"}).buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want no system message", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil || params.Tools != nil {
		t.Errorf("unset options forwarded: %+v", params)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"claude-3-opus-20240229", 200_000},
		{"Claude-3-5-Sonnet-Latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"deepseek-chat", 64_000},
		{"my-local-model", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.contextWindow)
			}
			if caps.SupportsVision {
				t.Error("vision reported although images are dropped")
			}
			if caps.MaxOutputTokens <= 0 {
				t.Errorf("MaxOutputTokens = %d", caps.MaxOutputTokens)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{"empty backend", "", "gpt-4o", nil, true},
		{"empty model", "ollama", "", nil, true},
		{"unknown backend", "fakecloud", "some-model", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")}, true},
		{"anthropic with key", "anthropic", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, false},
		{"ollama without key", "ollama", "llama3", nil, false},
		{"case insensitive", "Ollama", "llama3", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Model() != tt.model {
				t.Errorf("Model() = %q, want %q", p.Model(), tt.model)
			}
		})
	}
}
