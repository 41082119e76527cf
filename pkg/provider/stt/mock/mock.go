// Package mock provides a test double for the stt.Provider interface.
//
//	p := &mock.Provider{Text: "hello"}
//	text, _ := p.Recognize(ctx, clip, "en")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/stt"
)

// RecognizeCall records a single invocation of Recognize.
type RecognizeCall struct {
	Clip     *audio.Clip
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Recognize.
	Text string

	// Err, if non-nil, is returned by Recognize instead of Text.
	Err error

	// Calls records every invocation of Recognize.
	Calls []RecognizeCall
}

// Recognize records the call and returns Text, Err.
func (p *Provider) Recognize(_ context.Context, clip *audio.Clip, language string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, RecognizeCall{Clip: clip, Language: language})
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// CallCount returns the number of Recognize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ stt.Provider = (*Provider)(nil)
