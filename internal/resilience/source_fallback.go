package resilience

import (
	"context"

	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// SourceFallback implements [stream.Source] with failover across completion
// backends. Each backend has its own circuit breaker.
//
// A backend that already delivered events before failing is not replaced:
// the caller has shown part of that answer to the user, and starting over on
// another backend would repeat it. The error is returned as is so the
// caller's own retry policy can decide.
type SourceFallback struct {
	*FallbackGroup[stream.Source]
}

var _ stream.Source = (*SourceFallback)(nil)

// NewSourceFallback wraps primary. Register backups with AddFallback.
func NewSourceFallback(primary stream.Source, primaryName string, cfg FallbackConfig) *SourceFallback {
	return &SourceFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Stream implements [stream.Source].
func (f *SourceFallback) Stream(ctx context.Context, req llm.CompletionRequest, h stream.Handler) error {
	return f.Execute(ctx, func(src stream.Source) error {
		emitted := false
		err := src.Stream(ctx, req, func(ev stream.Event) {
			emitted = true
			h(ev)
		})
		if err != nil && emitted {
			return Halt(err)
		}
		return err
	})
}
