package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ProviderSource adapts an SDK-backed [llm.Provider] to [Source].
type ProviderSource struct {
	provider llm.Provider
}

var _ Source = (*ProviderSource)(nil)

// NewProviderSource wraps p.
func NewProviderSource(p llm.Provider) *ProviderSource {
	return &ProviderSource{provider: p}
}

// Provider returns the wrapped provider.
func (s *ProviderSource) Provider() llm.Provider { return s.provider }

// Stream implements [Source].
func (s *ProviderSource) Stream(ctx context.Context, req llm.CompletionRequest, h Handler) error {
	ch, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("stream: open: %w", err)
	}

	var finish string
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case chunk, ok := <-ch:
			if !ok {
				// A cancelled provider closes its channel without an error
				// chunk; report the cancellation rather than a clean end.
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				h(Event{Kind: EventDone, FinishReason: finish})
				return nil
			}
			if chunk.FinishReason == llm.FinishReasonError {
				err := &BackendError{Err: errors.New(chunk.Text)}
				h(Event{Kind: EventError, Err: err.Err})
				return err
			}
			if chunk.Text != "" {
				h(Event{Kind: EventContentDelta, Text: chunk.Text})
			}
			if len(chunk.ToolCalls) > 0 {
				h(Event{Kind: EventToolCall, ToolCalls: chunk.ToolCalls, FinishReason: chunk.FinishReason})
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
	}
}
