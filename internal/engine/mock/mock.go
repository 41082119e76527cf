// Package mock provides a test double for [engine.Runner].
//
// Runner writes Script into the request's sink as if it had been streamed,
// then returns RunResult or RunErr. Block makes Run wait for cancellation,
// which is how tests simulate a turn that is still in flight.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarkit/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Runner = (*Runner)(nil)

// Runner is a mock implementation of [engine.Runner]. Safe for concurrent use.
type Runner struct {
	mu sync.Mutex

	// Script holds the deltas written to the sink, in order.
	Script []string

	// DeltaDelay is slept before every delta.
	DeltaDelay time.Duration

	// Block makes Run wait until ctx is cancelled after writing Script.
	Block bool

	// RunResult is returned by Run. Nil returns an empty result.
	RunResult *engine.TurnResult

	// RunErr is returned by Run after the script was written.
	RunErr error

	// ForgetErr is returned by Forget.
	ForgetErr error

	// RunCalls records every request passed to Run.
	RunCalls []engine.TurnRequest

	// ForgetCalls records every user id passed to Forget.
	ForgetCalls []string
}

// Run records the call, streams Script into req.Sink and returns the
// configured result.
func (r *Runner) Run(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	r.mu.Lock()
	r.RunCalls = append(r.RunCalls, req)
	script := append([]string(nil), r.Script...)
	delay, block, res, runErr := r.DeltaDelay, r.Block, r.RunResult, r.RunErr
	r.mu.Unlock()

	req.Sink.Begin()
	for _, d := range script {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-time.After(delay):
			}
		}
		if err := req.Sink.Write(ctx, d, ""); err != nil {
			return nil, err
		}
	}
	if block {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if runErr != nil {
		return nil, runErr
	}
	if err := req.Sink.Flush(ctx); err != nil {
		return nil, err
	}
	if res == nil {
		res = &engine.TurnResult{}
	}
	return res, nil
}

// Forget records the call and returns ForgetErr.
func (r *Runner) Forget(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ForgetCalls = append(r.ForgetCalls, userID)
	return r.ForgetErr
}

// Calls returns a snapshot of the recorded Run requests.
func (r *Runner) Calls() []engine.TurnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.TurnRequest(nil), r.RunCalls...)
}

// Forgotten returns a snapshot of the recorded Forget user ids.
func (r *Runner) Forgotten() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ForgetCalls...)
}
