package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// OpenAICodec speaks the OpenAI-compatible chat-completions streaming wire
// format, which most self-hosted and gateway backends also implement.
type OpenAICodec struct {
	// Model is sent as the "model" field.
	Model string
}

var _ Codec = OpenAICodec{}

// Name implements [Codec].
func (OpenAICodec) Name() string { return "openai" }

// ---- request wire types ----

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Stream      bool         `json:"stream"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	User        string       `json:"user,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string         `json:"type"`
	Function oaiFunctionDef `json:"function"`
}

type oaiFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// EncodeRequest implements [Codec].
func (c OpenAICodec) EncodeRequest(req llm.CompletionRequest) ([]byte, error) {
	if c.Model == "" {
		return nil, errors.New("model must not be empty")
	}
	out := oaiRequest{
		Model:     c.Model,
		Stream:    true,
		MaxTokens: req.MaxTokens,
		User:      req.User,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, oaiMessage{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, encodeOAIMessage(m))
	}
	for _, td := range req.Tools {
		out.Tools = append(out.Tools, oaiTool{
			Type:     "function",
			Function: oaiFunctionDef{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	return json.Marshal(out)
}

func encodeOAIMessage(m llm.Message) oaiMessage {
	msg := oaiMessage{Role: m.Role, Name: m.Name, ToolCallID: m.ToolCallID}
	switch {
	case len(m.Images) > 0:
		parts := make([]oaiContentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, oaiContentPart{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, oaiContentPart{Type: "image_url", ImageURL: &oaiImageURL{URL: img.DataURL()}})
		}
		msg.Content = parts
	case m.Content != "" || m.Role != llm.RoleAssistant:
		msg.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, oaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: oaiFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return msg
}

// ---- stream wire types ----

type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// NewDecoder implements [Codec].
func (OpenAICodec) NewDecoder() Decoder {
	return &oaiDecoder{}
}

type oaiDecoder struct {
	calls        llm.ToolCallBuffer
	finishReason string
}

func (d *oaiDecoder) Decode(payload []byte, emit Handler) error {
	if string(payload) == "[DONE]" {
		return io.EOF
	}
	var chunk oaiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		emit(Event{Kind: EventError, Err: &APIError{
			Message: chunk.Error.Message,
			Type:    chunk.Error.Type,
			Code:    rawString(chunk.Error.Code),
		}})
		return nil
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			emit(Event{Kind: EventContentDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			d.calls.Add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finishReason = *choice.FinishReason
			d.flushCalls(emit)
		}
	}
	return nil
}

func (d *oaiDecoder) Finish(emit Handler) {
	d.flushCalls(emit)
}

// flushCalls emits accumulated tool calls in index order, once.
func (d *oaiDecoder) flushCalls(emit Handler) {
	if calls := d.calls.Flush(); calls != nil {
		emit(Event{Kind: EventToolCall, ToolCalls: calls, FinishReason: d.finishReason})
	}
}
