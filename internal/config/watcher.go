package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the parsed contents of a config file current and reports
// every effective change to a callback.
//
// The file is polled: a changed size or modification time triggers a re-read,
// and the callback fires only when the bytes differ from those of the config
// in effect. Touching the file, or reverting a broken edit to the last good
// version, is therefore silent. [Watcher.Reload] forces a re-read, e.g. on
// SIGHUP.
//
// An edit that fails to parse or validate is logged and handed to the error
// handler once; the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	// reloadMu serialises reloads so the callback sees changes in order.
	reloadMu sync.Mutex
	seen     fileStamp
	applied  [sha256.Size]byte

	mu      sync.Mutex
	current *Config

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap part of a file's identity.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval replaces [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler registers fn to receive reload failures.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil; it is
// called from the polling goroutine, or from the caller of [Watcher.Reload],
// never concurrently with itself.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, data, err := w.read()
	if err != nil {
		return nil, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	w.current = cfg
	w.seen = stampOf(info)
	w.applied = sha256.Sum256(data)

	go w.run()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, whether or not it looks modified, and
// returns the load error if the new contents are rejected.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			_ = w.reload(false)
		}
	}
}

func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			// Editors that save by rename leave a short gap; the next tick
			// sees the new file.
			slog.Debug("config watcher: stat failed", "path", w.path, "err", err)
			return nil
		}
		if stampOf(info) == w.seen {
			return nil
		}
	}

	info, data, err := w.read()
	if err != nil {
		return w.fail(err)
	}
	// Record the stamp before parsing so a broken edit is reported once.
	w.seen = stampOf(info)

	sum := sha256.Sum256(data)
	if sum == w.applied {
		return nil
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return w.fail(fmt.Errorf("config: reload %s: %w", w.path, err))
	}
	w.applied = sum

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path, "changes", d.Changes())
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes need a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read returns the file's info and contents, taken from the same handle.
func (w *Watcher) read() (os.FileInfo, []byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %s: %w", w.path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	return info, data, nil
}

func (w *Watcher) fail(err error) error {
	slog.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
	return err
}
