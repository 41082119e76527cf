// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Avatar clients send one recorded utterance per request (or a continuous
// stream that the remote server cuts into utterances), so the contract is a
// single batch call: given recorded audio, return text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/avatarkit/pkg/audio"
)

// Provider transcribes recorded speech.
type Provider interface {
	// Recognize returns the transcript of clip. language is a BCP-47 code
	// hint ("en", "ja"); empty means the provider default. An utterance
	// without recognisable speech yields "" and a nil error.
	Recognize(ctx context.Context, clip *audio.Clip, language string) (string, error)
}
