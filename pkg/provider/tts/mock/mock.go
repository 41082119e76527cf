// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled clips to the playback coordinator and to
// verify which sentences and voices reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Clip: &audio.Clip{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1},
//	    FailOn: map[string]error{"Broken sentence.": errors.New("boom")},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the sentence passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Clip is returned by every successful Synthesize call. When nil, a
	// 100 ms silent 16 kHz mono clip is returned.
	Clip *audio.Clip

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// FailOn maps sentence text to an error returned for that sentence only.
	FailOn map[string]error

	// Delay simulates synthesis latency. Synthesize honours ctx while waiting.
	Delay time.Duration

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// Calls records every Synthesize call in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Clip or the configured error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*audio.Clip, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	err := p.Err
	if e, ok := p.FailOn[text]; ok {
		err = e
	}
	clip := p.Clip
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if clip == nil {
		clip = &audio.Clip{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}
	}
	return clip, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Texts returns a copy of the synthesised sentences in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
