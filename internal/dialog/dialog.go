// Package dialog runs the per-user conversation state machine that sits
// between recognised input and the avatar.
//
// A [Manager] owns one [Session] per user. Each request is checked against
// the configured trigger words, then answered by a turn that runs generation
// ([engine.Runner]) and playback ([playback.Coordinator]) concurrently over a
// shared [content.Queue]. A new request cancels the turn in flight and waits
// for it to stop before its own turn starts, so a superseded response never
// plays after the new one has begun.
//
// Trigger words:
//
//   - Wake words gate the idle state. A bare wake word performs the prompt
//     utterance and waits for the request; a wake word followed by text is
//     answered directly.
//   - Cancel words end the turn in flight and the topic.
//   - End words mark the topic as ending: the response is spoken, then the
//     history is cleared and the session returns to idle.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/engine"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/playback"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

var (
	// ErrCanceled is the cancellation cause of a turn ended by a cancel word
	// or [Manager.Cancel].
	ErrCanceled = errors.New("dialog: canceled")

	// ErrSuperseded is the cancellation cause of a turn replaced by a newer
	// request from the same user.
	ErrSuperseded = errors.New("dialog: superseded by a newer request")

	// ErrClosed is the cancellation cause of turns stopped by [Manager.Close].
	ErrClosed = errors.New("dialog: manager closed")
)

// Settings are the hot-reloadable dialog rules.
type Settings struct {
	WakeWords   []string
	CancelWords []string
	EndWords    []string

	// AllowedPrefix and AllowedSuffix are the characters tolerated around a
	// trigger word, such as punctuation or an interjection particle.
	AllowedPrefix string
	AllowedSuffix string

	// FuzzyThreshold enables phonetic wake word matching. Zero disables it.
	FuzzyThreshold float64

	// PromptUtterance is performed after a bare wake word.
	PromptUtterance string

	// WaitingAnimation is played while the first sentence is generated.
	WaitingAnimation string

	// ErrorMessage is performed when a turn fails. Empty stays silent.
	ErrorMessage string

	// ErrorFace is set together with ErrorMessage.
	ErrorFace string

	// ContinueTopic keeps the dialog open after a response, so the next
	// request needs no wake word. When false every response returns to idle
	// and clears the history.
	ContinueTopic bool

	// ListenTimeout returns an open dialog to idle when no request arrives in
	// time. Zero waits forever.
	ListenTimeout time.Duration
}

// rules are compiled Settings.
type rules struct {
	Settings
	wake   *WordMatcher
	cancel *WordMatcher
	end    *WordMatcher
}

func compile(s Settings) *rules {
	opts := []WordOption{WithAllowedPrefix(s.AllowedPrefix), WithAllowedSuffix(s.AllowedSuffix)}
	return &rules{
		Settings: s,
		wake:     NewWordMatcher(s.WakeWords, append(opts, WithFuzzyThreshold(s.FuzzyThreshold))...),
		cancel:   NewWordMatcher(s.CancelWords, opts...),
		end:      NewWordMatcher(s.EndWords, opts...),
	}
}

// Request is one recognised utterance or typed message.
type Request struct {
	UserID string
	Text   string

	// Images are attached to the request, e.g. a photo sent with the text.
	Images []llm.Image

	// Inputs are passed through to the generation backend.
	Inputs map[string]string
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Runner generates the answers. Required.
	Runner engine.Runner

	// TTS synthesizes the voice. When nil, items are shown without a voice.
	TTS tts.Provider

	// Performer returns the avatar of a user. It is resolved at the start of
	// every turn, so a reconnecting client gets the next turn. Required.
	Performer func(userID string) avatar.Performer

	Settings Settings

	PlaybackOptions []playback.Option
	ParserOptions   []content.ParserOption

	// Observer, if set, is called on every state change. It runs on the turn
	// goroutine and must not block.
	Observer func(userID string, from, to State)

	// OnError, if set, is called when a turn fails.
	OnError func(userID string, err error)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager routes requests to per-user sessions. All methods are safe for
// concurrent use.
type Manager struct {
	cfg     Config
	rules   atomic.Pointer[rules]
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns a Manager for cfg.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Runner == nil:
		return nil, errors.New("dialog: runner is required")
	case cfg.Performer == nil:
		return nil, errors.New("dialog: performer lookup is required")
	}
	m := &Manager{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.rules.Store(compile(cfg.Settings))
	return m, nil
}

// UpdateSettings replaces the dialog rules. Turns in flight keep the rules
// they started with.
func (m *Manager) UpdateSettings(s Settings) {
	m.rules.Store(compile(s))
}

// Settings returns the current rules.
func (m *Manager) Settings() Settings {
	return m.rules.Load().Settings
}

// Handle routes req to the user's session. It returns once the request has
// been accepted or ignored; the turn itself runs in the background.
func (m *Manager) Handle(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return errors.New("dialog: request without user id")
	}
	s, err := m.session(req.UserID)
	if err != nil {
		return err
	}
	s.handle(ctx, req)
	return nil
}

// Cancel ends the user's turn in flight and topic, if any.
func (m *Manager) Cancel(ctx context.Context, userID string) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s != nil {
		s.cancelTopic(ctx)
	}
}

// State returns the user's current state. Unknown users are idle.
func (m *Manager) State(userID string) State {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

// Remove stops the user's turn and drops the session. The stored history is
// kept, so a reconnecting user continues the conversation.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if s != nil {
		s.stop(ErrClosed)
	}
}

// Wait blocks until the user's turn in flight has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context, userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.wait(ctx)
}

// Close stops every turn and rejects further requests.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop(ErrClosed)
	}
}

func (m *Manager) session(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("dialog: %w", ErrClosed)
	}
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{userID: userID, m: m}
		m.sessions[userID] = s
	}
	return s, nil
}
