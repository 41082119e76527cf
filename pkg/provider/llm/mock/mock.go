// Package mock provides a scripted [llm.Provider] for tests.
//
//	p := &mock.Provider{Scripts: [][]llm.Chunk{mock.Say("Hello!", " I'm Mirai.")}}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// StreamCall is one recorded StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays one script per StreamCompletion call. The exported fields
// configure it and must be set before first use.
type Provider struct {
	// Scripts[n] is replayed for call n. Calls past the end repeat the last
	// script; with no scripts the stream closes at once.
	Scripts [][]llm.Chunk

	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration

	// StreamErr makes StreamCompletion fail without opening a stream.
	StreamErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	mu sync.Mutex
	// StreamCalls records every call in order. Read it through Calls while
	// streams may still be open.
	StreamCalls []StreamCall
}

// Say returns a script that streams each fragment as a text chunk and then
// finishes with "stop".
func Say(fragments ...string) []llm.Chunk {
	script := make([]llm.Chunk, 0, len(fragments)+1)
	for _, f := range fragments {
		script = append(script, llm.Chunk{Text: f})
	}
	return append(script, llm.Chunk{FinishReason: "stop"})
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	script, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk)
	go p.replay(ctx, script, ch)
	return ch, nil
}

func (p *Provider) next(ctx context.Context, req llm.CompletionRequest) ([]llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	if len(p.Scripts) == 0 {
		return nil, nil
	}
	return slices.Clone(p.Scripts[min(n, len(p.Scripts)-1)]), nil
}

func (p *Provider) replay(ctx context.Context, script []llm.Chunk, ch chan<- llm.Chunk) {
	defer close(ch)
	for _, c := range script {
		if p.ChunkDelay > 0 {
			t := time.NewTimer(p.ChunkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case ch <- c:
		case <-ctx.Done():
			return
		}
	}
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}
