// Package resilience provides circuit breakers and provider failover for the
// completion, speech recognition and speech synthesis backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] puts one breaker in front of every configured backend and
// walks them in order. [SourceFallback], [STTFallback] and [TTSFallback] wrap a
// group behind the provider interfaces the rest of the server consumes.
//
// A call that ends because its context was cancelled is neither a success nor
// a failure for the breaker: the user hanging up says nothing about backend
// health.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned, wrapped with the breaker name, when a breaker
// rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status reports.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the backend in logs, errors and status reports.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted, and the number of
	// successes needed to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces [time.Now].
	Now func() time.Time
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	lastFailure    time.Time
	probes         int
	probeSuccesses int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call. A rejected call returns an
// error wrapping [ErrCircuitOpen] without running fn, and so does nothing
// when ctx is already done. Errors matching [context.Canceled] are returned
// without being recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.state, cb.probes, cb.probeSuccesses = StateHalfOpen, 0, 0
	}
	probe := cb.state == StateHalfOpen
	admitted := cb.state == StateClosed || (probe && cb.probes < cb.cfg.HalfOpenMax)
	if admitted && probe {
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)

	if !admitted {
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
	}

	err := fn(ctx)

	cb.mu.Lock()
	from = cb.state
	switch {
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
	case err != nil:
		cb.lastFailure = cb.cfg.Now()
		cb.failures++
		if probe || cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
		}
	default:
		cb.failures = 0
		if probe {
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.cfg.HalfOpenMax {
				cb.state = StateClosed
			}
		}
	}
	to = cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
	return err
}

// changed logs a transition and notifies the hook. It must be called without
// the lock held.
func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	return cb.Status().State
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := cb.state
	if st == StateOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		st = StateHalfOpen
	}
	return BreakerStatus{
		Name:                cb.cfg.Name,
		State:               st,
		ConsecutiveFailures: cb.failures,
		LastFailure:         cb.lastFailure,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.probes, cb.probeSuccesses = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	cb.changed(from, StateClosed)
}
