package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Voice profiles name a provider. A fallback entry whose name differs from the
// profile's provider receives the profile with only the language and speed
// kept, so it renders with its own default voice instead of rejecting an ID it
// does not know.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback wraps primary. Register backups with AddFallback.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Synthesize renders text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*audio.Clip, error) {
	return executeNamed(ctx, f.FallbackGroup, func(name string, p tts.Provider) (*audio.Clip, error) {
		v := voice
		if v.Provider != "" && v.Provider != name {
			v = tts.VoiceProfile{Provider: name, Language: voice.Language, SpeedFactor: voice.SpeedFactor}
		}
		return p.Synthesize(ctx, text, v)
	})
}

// ListVoices returns the voices of the first provider that can list them.
// Listing bypasses the breakers; it is an operator query, not a turn.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	for _, e := range f.entries {
		if vl, ok := e.value.(tts.VoiceLister); ok {
			return vl.ListVoices(ctx)
		}
	}
	return nil, fmt.Errorf("resilience: no provider in %v can list voices", f.Names())
}
