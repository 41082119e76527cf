package mcphost

import (
	"slices"
	"sync"
)

// sample is one recorded tool call.
type sample struct {
	ms     int64
	failed bool
}

// rollingWindow keeps the most recent tool call latencies in a ring buffer.
// All methods are safe for concurrent use.
type rollingWindow struct {
	mu    sync.Mutex
	ring  []sample
	next  int // write position
	total int // calls ever recorded
}

// newRollingWindow returns a window holding at most size samples. A
// non-positive size falls back to [windowSize].
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = windowSize
	}
	return &rollingWindow{ring: make([]sample, 0, size)}
}

// Record adds one call, overwriting the oldest once the window is full.
func (w *rollingWindow) Record(latencyMs int64, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := sample{ms: latencyMs, failed: failed}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, s)
	} else {
		w.ring[w.next] = s
	}
	w.next = (w.next + 1) % cap(w.ring)
	w.total++
}

// percentile returns the q-quantile (0..1) of the window, or 0 when empty.
func (w *rollingWindow) percentile(q float64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ring) == 0 {
		return 0
	}
	ms := make([]int64, len(w.ring))
	for i, s := range w.ring {
		ms[i] = s.ms
	}
	slices.Sort(ms)
	return ms[int(float64(len(ms)-1)*q)]
}

// P50 is the median latency in ms.
func (w *rollingWindow) P50() int64 { return w.percentile(0.5) }

// P99 is the 99th-percentile latency in ms.
func (w *rollingWindow) P99() int64 { return w.percentile(0.99) }

// ErrorRate is the fraction of failed calls currently in the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ring) == 0 {
		return 0
	}
	failed := 0
	for _, s := range w.ring {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.ring))
}

// Count is the number of calls ever recorded, which may exceed the window.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
