package resilience

import (
	"context"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that hands an utterance to the next
// recogniser when one fails or its breaker is open.
//
// An empty transcript is a result, not a failure: silence is not retried on
// another backend.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback wraps primary. Register backups with AddFallback.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Recognize implements [stt.Provider].
func (f *STTFallback) Recognize(ctx context.Context, clip *audio.Clip, language string) (string, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p stt.Provider) (string, error) {
		return p.Recognize(ctx, clip, language)
	})
}
