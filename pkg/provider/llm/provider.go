// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a vendor SDK (OpenAI, Anthropic, Gemini, a local Ollama
// instance, ...) and exposes one streaming call. The dialog engine never talks
// to a provider directly; it consumes providers through the stream package,
// which turns chunks into the same event sequence raw SSE backends produce.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a chunk that reports a failure after the stream was
// opened. Its Text carries the error message.
const FinishReasonError = "error"

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of function/tool definitions offered to the model.
	// Providers that do not support tool calling ignore this field.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction placed before the conversation
	// history. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// User is the opaque end-user identifier forwarded to backends that
	// support per-user attribution.
	User string

	// ContextID is the backend conversation token returned by a previous
	// turn. Stateless backends ignore it.
	ContextID string

	// Inputs holds backend-specific variables (e.g. workflow inputs). Bindings
	// that have no use for them ignore the field.
	Inputs map[string]string
}

// Chunk is a single token or fragment emitted by a streaming completion.
// A single chunk may carry text, a finish signal, tool calls, or any
// combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or [FinishReasonError].
	FinishReason string

	// ToolCalls holds completed tool invocations. Streaming bindings
	// accumulate fragments and emit them on the finishing chunk.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any chat-completion SDK.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or when ctx is cancelled.
	//
	// Errors that occur after the channel is opened are surfaced as a Chunk with
	// FinishReason [FinishReasonError]; the error return is non-nil only for
	// failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
