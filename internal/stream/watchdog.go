package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// WithNoDataTimeout wraps src so a call that delivers no event within d is
// aborted with [ErrNoData]. The watchdog disarms on the first event; the
// overall call duration is bounded only by ctx. A non-positive d returns src
// unchanged.
func WithNoDataTimeout(src Source, d time.Duration) Source {
	if d <= 0 {
		return src
	}
	return &watchdog{src: src, timeout: d}
}

type watchdog struct {
	src     Source
	timeout time.Duration
}

// Watchdog states. A call leaves armed exactly once.
const (
	armed int32 = iota
	disarmed
	fired
)

func (w *watchdog) Stream(ctx context.Context, req llm.CompletionRequest, h Handler) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var state atomic.Int32
	timer := time.AfterFunc(w.timeout, func() {
		if state.CompareAndSwap(armed, fired) {
			cancel(ErrNoData)
		}
	})
	defer timer.Stop()

	err := w.src.Stream(ctx, req, func(e Event) {
		if state.CompareAndSwap(armed, disarmed) {
			timer.Stop()
		}
		// Events racing the abort belong to an abandoned call.
		if state.Load() == fired {
			return
		}
		h(e)
	})
	if errors.Is(context.Cause(ctx), ErrNoData) {
		return ErrNoData
	}
	return err
}
