// Package stream turns a backend's streaming generation into a sequence of
// [Event] values delivered to a caller-supplied handler as data arrives.
//
// A [Source] is the abstract streaming-session contract every backend binding
// implements. Two families exist:
//
//   - [Downloader]: a raw Server-Sent-Events client that POSTs a request and
//     decodes each "data:" line through a wire [Codec] (OpenAI-compatible or
//     Dify).
//   - [ProviderSource]: an adapter over an SDK-backed [llm.Provider].
//
// [WithNoDataTimeout] wraps any Source with the "no data received" watchdog
// that distinguishes a stalled connection from a slow one.
package stream

import (
	"context"
	"errors"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ErrNoData is returned when a stream produced no event before the no-data
// deadline.
var ErrNoData = errors.New("stream: no data received before deadline")

// EventKind classifies an [Event].
type EventKind int

const (
	// EventContentDelta carries a fragment of generated text.
	EventContentDelta EventKind = iota + 1

	// EventSessionStart carries the backend context id.
	EventSessionStart

	// EventToolCall carries one or more complete tool call requests.
	EventToolCall

	// EventError reports a backend error. It is always the last event.
	EventError

	// EventDone marks the normal end of the stream.
	EventDone
)

// String returns the wire-style name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventContentDelta:
		return "content-delta"
	case EventSessionStart:
		return "session-start"
	case EventToolCall:
		return "tool-call"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one out-of-band signal or data fragment of a stream.
type Event struct {
	Kind EventKind

	// Text is the content fragment for EventContentDelta.
	Text string

	// Language is an optional language code attached to a content fragment.
	Language string

	// ContextID is the backend context id for EventSessionStart.
	ContextID string

	// ToolCalls holds the requested calls for EventToolCall.
	ToolCalls []llm.ToolCall

	// FinishReason is the backend's finish reason for EventDone, if any.
	FinishReason string

	// Err is the backend error for EventError.
	Err error
}

// Handler receives events synchronously, in stream order.
type Handler func(Event)

// Source opens one streaming generation call.
//
// Stream blocks until the call ends. It returns nil after delivering
// EventDone, the backend error after delivering EventError, or a transport
// error. When ctx is cancelled it returns [context.Cause] of ctx.
type Source interface {
	Stream(ctx context.Context, req llm.CompletionRequest, h Handler) error
}

// SourceFunc adapts a function to the [Source] interface.
type SourceFunc func(ctx context.Context, req llm.CompletionRequest, h Handler) error

// Stream implements [Source].
func (f SourceFunc) Stream(ctx context.Context, req llm.CompletionRequest, h Handler) error {
	return f(ctx, req, h)
}

// BackendError wraps an error the backend reported inside the stream.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string { return "stream: backend error: " + e.Err.Error() }

func (e *BackendError) Unwrap() error { return e.Err }
