// Package openai binds the OpenAI chat completions API to [llm.Provider].
//
// Any server speaking the same protocol (vLLM, LM Studio, llama.cpp, a local
// gateway) works through [WithBaseURL]. Images attached to user messages are
// sent inline as data URLs, so vision-capable models can comment on what the
// avatar's camera captured.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// Provider streams chat completions from an OpenAI-compatible endpoint.
type Provider struct {
	client      oai.Client
	model       string
	imageDetail string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	requestOpts []option.RequestOption
	imageDetail string
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithBaseURL(url)) }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds each request, including reading the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithRequestTimeout(d)) }
}

// WithHeader adds a header to every request, e.g. for a gateway that routes
// on it.
func WithHeader(key, value string) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithHeader(key, value)) }
}

// WithMaxRetries sets how often the SDK retries a failed request before the
// stream opens. The SDK default is 2.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithMaxRetries(n)) }
}

// WithImageDetail sets the vision detail level for attached images: "low",
// "high" or "auto". Low detail answers faster, which suits quick glances at
// the camera.
func WithImageDetail(detail string) Option {
	return func(s *settings) { s.imageDetail = detail }
}

// New returns a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{requestOpts: []option.RequestOption{option.WithAPIKey(apiKey)}}
	for _, o := range opts {
		o(&s)
	}
	return &Provider{
		client:      oai.NewClient(s.requestOpts...),
		model:       model,
		imageDetail: s.imageDetail,
	}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}
	ch := make(chan llm.Chunk, 32)
	go pump(ctx, s, ch)
	return ch, nil
}

// chunkStream is the part of the SDK stream that [pump] reads.
type chunkStream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

// pump forwards SDK chunks to ch until the stream ends, then closes both.
// Tool call fragments are buffered and attached to the chunk carrying the
// finish reason.
func pump(ctx context.Context, s chunkStream, ch chan<- llm.Chunk) {
	defer close(ch)
	defer s.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var calls llm.ToolCallBuffer
	for s.Next() {
		cur := s.Current()
		if len(cur.Choices) == 0 {
			continue
		}
		choice := cur.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			calls.Add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
		if out.FinishReason != "" {
			out.ToolCalls = calls.Flush()
		}
		if out.Text == "" && out.FinishReason == "" {
			continue
		}
		if !send(out) {
			return
		}
	}
	if err := s.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		return
	}
	// Some compatible servers end the stream without a finish reason.
	if pending := calls.Flush(); pending != nil {
		send(llm.Chunk{FinishReason: "tool_calls", ToolCalls: pending})
	}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model)}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		msg, err := p.convertMessage(m)
		if err != nil {
			return params, fmt.Errorf("openai: message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.User != "" {
		params.User = param.NewOpt(req.User)
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

func (p *Provider) convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		if len(m.Images) == 0 {
			return oai.UserMessage(m.Content), nil
		}
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, oai.TextContentPart(m.Content))
		}
		for _, img := range m.Images {
			parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL:    img.DataURL(),
				Detail: p.imageDetail,
			}))
		}
		return oai.UserMessage(parts), nil

	case llm.RoleAssistant:
		var asst oai.ChatCompletionAssistantMessageParam
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
}

// knownModels is matched by prefix in order, so "gpt-4o" precedes "gpt-4".
var knownModels = []struct {
	prefix string
	caps   llm.ModelCapabilities
}{
	{"gpt-5", llm.ModelCapabilities{ContextWindow: 400_000, MaxOutputTokens: 128_000, SupportsToolCalling: true, SupportsVision: true}},
	{"gpt-4.1", llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true, SupportsVision: true}},
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsVision: true}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsVision: true}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o3-mini", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsVision: true}},
	{"o3", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsVision: true}},
	{"o4-mini", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsVision: true}},
}

// modelCapabilities reports the limits of known OpenAI models. Unknown names,
// typically models behind a compatible server, get conservative defaults
// with tool calling on.
func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if strings.HasPrefix(lower, m.prefix) {
			return m.caps
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true}
}
