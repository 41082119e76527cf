// Package engine is the generation core of a dialog turn.
//
// A [Service] builds the prompt from the user's stored session, opens a
// streaming call through a [stream.Source], classifies how the call ended and
// re-invokes the backend when the model asks for a tool or for a camera image.
// Every call is tracked by a [GenerationSession]; the whole turn is driven by
// [Service.Run], which commits history to the [memory.Store] only once the
// turn has produced a final answer.
//
// Generated text is handed to a [Sink] as it arrives so speech can start
// before the response is complete. [content.Parser] is the usual Sink.
package engine

import (
	"context"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// Sink receives the text of a turn while it streams.
//
// Begin is called before every generation call of the turn, Write for every
// content delta and Flush when a call ended successfully. Vision reports the
// source named by a vision directive seen since the last Begin.
type Sink interface {
	Begin()
	Write(ctx context.Context, delta, language string) error
	Flush(ctx context.Context) error
	Vision() string
	ClearVision()
}

// ImageCapturer takes a picture for a vision follow-up. source is the value
// of the vision directive, for example "camera" or "screen".
type ImageCapturer interface {
	Capture(ctx context.Context, userID, source string) (llm.Image, error)
}

// Runner runs complete turns. [Service] is the production implementation.
type Runner interface {
	Run(ctx context.Context, req TurnRequest) (*TurnResult, error)
	Forget(ctx context.Context, userID string) error
}

var _ Runner = (*Service)(nil)
