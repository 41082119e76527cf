// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui server). The playback coordinator calls Synthesize once per content
// item, one item ahead of playback, so a provider only ever has to render a
// single sentence into a complete clip.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/avatarkit/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// clip. Text is one sentence-level unit without any directive tags.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*audio.Clip, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	// ListVoices returns all voice profiles currently offered by the backend.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
