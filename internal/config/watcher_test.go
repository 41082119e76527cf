package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
character:
  system_prompt: You are Mirai.
dialog:
  wake_words: [mirai]
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
character:
  system_prompt: You are Mirai, the night-shift guide.
dialog:
  wake_words: [mirai, hey mirai]
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// reloadLog collects watcher callbacks.
type reloadLog struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	errs    []error
	notify  chan struct{}
}

func newReloadLog() *reloadLog { return &reloadLog{notify: make(chan struct{}, 16)} }

func (l *reloadLog) onChange(old, new *config.Config) {
	l.mu.Lock()
	l.changes = append(l.changes, [2]*config.Config{old, new})
	l.mu.Unlock()
	l.notify <- struct{}{}
}

func (l *reloadLog) onError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.notify <- struct{}{}
}

func (l *reloadLog) counts() (changes, errs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes), len(l.errs)
}

func (l *reloadLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report within 2s")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// rewrite writes content and moves the modification time forward so the
// change is visible on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// startWatcher writes the valid config to a temp file and watches it.
func startWatcher(t *testing.T, interval time.Duration) (*config.Watcher, *reloadLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	log := newReloadLog()
	w, err := config.NewWatcher(path, log.onChange,
		config.WithInterval(interval), config.WithErrorHandler(log.onError))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, log, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, time.Hour)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for an invalid file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	w, log, path := startWatcher(t, 20*time.Millisecond)

	rewrite(t, path, watcherUpdatedYAML, 1)
	log.wait(t)

	log.mu.Lock()
	old, cur := log.changes[0][0], log.changes[0][1]
	log.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level %q -> %q, want info -> debug", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if d := config.Diff(old, cur); !d.SystemPromptChanged || !d.WordsChanged {
		t.Errorf("diff = %+v, want prompt and word changes", d)
	}
	if w.Current() != cur {
		t.Error("Current() is not the config passed to the callback")
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()
	w, log, path := startWatcher(t, 20*time.Millisecond)

	rewrite(t, path, watcherInvalidYAML, 1)
	log.wait(t)

	// Further ticks must not report the same broken edit again.
	time.Sleep(100 * time.Millisecond)
	if changes, errs := log.counts(); changes != 0 || errs != 1 {
		t.Errorf("changes=%d errs=%d, want 0 and 1", changes, errs)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the previous info", got)
	}
}

func TestWatcher_RevertAfterBrokenEditIsSilent(t *testing.T) {
	t.Parallel()
	_, log, path := startWatcher(t, 20*time.Millisecond)

	rewrite(t, path, watcherInvalidYAML, 1)
	log.wait(t)
	rewrite(t, path, watcherValidYAML, 2)

	time.Sleep(150 * time.Millisecond)
	if changes, _ := log.counts(); changes != 0 {
		t.Errorf("changes = %d, want none when the file returns to the config in effect", changes)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	_, log, path := startWatcher(t, 20*time.Millisecond)

	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if changes, errs := log.counts(); changes != 0 || errs != 0 {
		t.Errorf("changes=%d errs=%d, want none for a touch", changes, errs)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	w, log, path := startWatcher(t, time.Hour)

	// Same size and timestamp as before: only a forced reload notices.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	writeFile(t, path, watcherValidYAML[:len(watcherValidYAML)-len("mirai]\n")]+"miral]\n")
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if changes, _ := log.counts(); changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
	if got := w.Current().Dialog.WakeWords; len(got) != 1 || got[0] != "miral" {
		t.Errorf("wake words = %v, want [miral]", got)
	}

	writeFile(t, path, watcherInvalidYAML)
	if err := w.Reload(); err == nil {
		t.Error("Reload of an invalid file returned nil")
	}
	if _, errs := log.counts(); errs != 1 {
		t.Errorf("errs = %d, want 1", errs)
	}
}

func TestWatcher_StopWaitsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	w, log, path := startWatcher(t, 10*time.Millisecond)

	w.Stop()
	w.Stop()

	rewrite(t, path, watcherUpdatedYAML, 1)
	time.Sleep(100 * time.Millisecond)
	if changes, _ := log.counts(); changes != 0 {
		t.Errorf("changes = %d after Stop, want 0", changes)
	}
}
