// Package mock provides a recording [avatar.Performer] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarkit/internal/avatar"
)

// Call records one Performer method invocation.
type Call struct {
	// Method is "Perform", "SetFace", "Animate" or "Stop".
	Method string

	// Arg is the face or animation name for SetFace and Animate.
	Arg string

	// Performance is set for Perform.
	Performance avatar.Performance

	// At is when the call started.
	At time.Time
}

// Performer records every call. Perform blocks for PlayDuration, or for the
// voice duration when UseVoiceDuration is set, and honours ctx.
type Performer struct {
	mu sync.Mutex

	// PlayDuration is how long Perform blocks.
	PlayDuration time.Duration

	// UseVoiceDuration makes Perform block for the voice clip's length.
	UseVoiceDuration bool

	// PerformErr is returned by Perform after the wait.
	PerformErr error

	// OnPerform, if set, is called at the start of Perform.
	OnPerform func(p avatar.Performance)

	calls   []Call
	playing int
}

var _ avatar.Performer = (*Performer)(nil)

// Perform implements [avatar.Performer].
func (m *Performer) Perform(ctx context.Context, p avatar.Performance) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Perform", Performance: p, At: time.Now()})
	m.playing++
	d := m.PlayDuration
	if m.UseVoiceDuration {
		d = p.Voice.Duration()
	}
	hook := m.OnPerform
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.playing--
		m.mu.Unlock()
	}()

	if hook != nil {
		hook(p)
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-t.C:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PerformErr
}

// SetFace implements [avatar.Performer].
func (m *Performer) SetFace(_ context.Context, face string) error {
	m.record(Call{Method: "SetFace", Arg: face})
	return nil
}

// Animate implements [avatar.Performer].
func (m *Performer) Animate(_ context.Context, name string) error {
	m.record(Call{Method: "Animate", Arg: name})
	return nil
}

// Stop implements [avatar.Performer].
func (m *Performer) Stop(context.Context) error {
	m.record(Call{Method: "Stop"})
	return nil
}

func (m *Performer) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.At = time.Now()
	m.calls = append(m.calls, c)
}

// Calls returns a snapshot of every recorded call.
func (m *Performer) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Methods returns the method names of the recorded calls in order.
func (m *Performer) Methods() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Performed returns the text of every performance in order.
func (m *Performer) Performed() []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Method == "Perform" {
			out = append(out, c.Performance.Text)
		}
	}
	return out
}

// Playing reports how many Perform calls are in progress.
func (m *Performer) Playing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// Reset clears the recorded calls.
func (m *Performer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
