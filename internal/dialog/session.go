package dialog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/engine"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/playback"
	"github.com/MrWong99/avatarkit/pkg/memory"
)

// Session is the dialog of one user. At most one turn runs at a time.
type Session struct {
	userID string
	m      *Manager

	// startMu serialises requests so a superseded turn has fully stopped
	// before the next one starts.
	startMu sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelCauseFunc
	done   chan struct{}
	timer  *time.Timer
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handle(ctx context.Context, req Request) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	r := s.m.rules.Load()
	log := s.logger(ctx)

	s.mu.Lock()
	state, busy := s.state, s.done != nil
	s.mu.Unlock()

	if r.cancel.Exact(req.Text) {
		if busy || !state.gated() {
			log.Info("dialog: cancel word received", "state", state.String())
			s.cancelLocked(ctx)
		}
		return
	}

	text := strings.TrimSpace(req.Text)
	if state.gated() && !busy && !r.wake.Empty() {
		rest, ok := r.wake.Match(text)
		if !ok {
			log.Debug("dialog: no wake word, ignoring request")
			return
		}
		if rest == "" && len(req.Images) == 0 {
			s.start(ctx, func(ctx context.Context) { s.prompt(ctx, r) })
			return
		}
		text = rest
	}
	if text == "" && len(req.Images) == 0 {
		return
	}
	s.start(ctx, func(ctx context.Context) { s.respond(ctx, r, text, req) })
}

// start stops the turn in flight and runs fn as the new turn. The turn
// context keeps the values of ctx but not its cancellation.
func (s *Session) start(ctx context.Context, fn func(context.Context)) {
	s.stop(ErrSuperseded)

	tctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.disarmLocked()
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			if s.done == done {
				s.cancel, s.done = nil, nil
			}
			s.mu.Unlock()
			cancel(nil)
		}()
		fn(tctx)
	}()
}

// stop cancels the turn in flight with cause and waits for it to finish.
func (s *Session) stop(cause error) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.disarmLocked()
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(cause)
	<-done
}

func (s *Session) wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) cancelTopic(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.cancelLocked(ctx)
}

// cancelLocked ends the turn and the topic. The caller holds startMu.
func (s *Session) cancelLocked(ctx context.Context) {
	s.stop(ErrCanceled)
	if err := s.m.cfg.Runner.Forget(ctx, s.userID); err != nil {
		s.logger(ctx).Warn("dialog: clear history after cancel", "err", err)
	}
	s.transition(ctx, StateCanceled)
	s.transition(ctx, StateIdle)
}

// ─── turns ───────────────────────────────────────────────────────────────────

func (s *Session) prompt(ctx context.Context, r *rules) {
	s.transition(ctx, StatePrompting)
	if r.PromptUtterance != "" {
		if err := s.say(ctx, s.m.cfg.Performer(s.userID), r.PromptUtterance, ""); err != nil && ctx.Err() == nil {
			s.logger(ctx).Warn("dialog: prompt utterance failed", "err", err)
		}
	}
	if ctx.Err() != nil {
		s.transition(ctx, StateCanceled)
		return
	}
	s.transition(ctx, StateAwaitingRequest)
	s.arm(r.ListenTimeout)
}

func (s *Session) respond(ctx context.Context, r *rules, text string, req Request) {
	ctx, span := observe.StartSpan(ctx, "dialog.turn")
	defer span.End()

	start := time.Now()
	met := s.m.metrics
	log := s.logger(ctx).With("turn_id", uuid.NewString())
	met.ActiveTurns.Add(ctx, 1)
	defer met.ActiveTurns.Add(ctx, -1)

	s.transition(ctx, StateExtractingIntent)
	ending := r.end.Contains(text)
	keepOpen := r.ContinueTopic && !ending
	log.Debug("dialog: turn started", "ending", ending, "images", len(req.Images))
	s.transition(ctx, StateProcessing)

	performer := s.m.cfg.Performer(s.userID)
	q := content.NewQueue()
	parser := content.NewParser(q, s.m.cfg.ParserOptions...)
	shown := &firstPerform{Performer: performer, fn: func() { s.transition(ctx, StateShowingResponse) }}
	player := playback.New(shown, s.m.cfg.TTS, s.m.cfg.PlaybackOptions...)

	if r.WaitingAnimation != "" {
		s.transition(ctx, StateShowingWaitingAnimation)
		if err := performer.Animate(ctx, r.WaitingAnimation); err != nil {
			log.Warn("dialog: waiting animation failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		_, err := s.m.cfg.Runner.Run(gctx, engine.TurnRequest{
			UserID:   s.userID,
			Text:     text,
			Payloads: engine.Payloads{Images: req.Images, Inputs: req.Inputs},
			Sink:     parser,
			Topic:    &memory.Topic{Continue: keepOpen},
		})
		return err
	})
	g.Go(func() error {
		_, err := player.Play(gctx, q)
		return err
	})
	err := g.Wait()
	met.TurnDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case ctx.Err() != nil:
		log.Info("dialog: turn canceled", "cause", context.Cause(ctx))
		met.RecordTurn(ctx, "canceled")
		s.transition(ctx, StateCanceled)
	case err != nil:
		s.fail(ctx, r, performer, err)
	case keepOpen:
		met.RecordTurn(ctx, "completed")
		s.transition(ctx, StateAwaitingRequest)
		s.arm(r.ListenTimeout)
	default:
		met.RecordTurn(ctx, "completed")
		if err := s.m.cfg.Runner.Forget(ctx, s.userID); err != nil {
			log.Warn("dialog: clear history after topic end", "err", err)
		}
		s.transition(ctx, StateIdle)
	}
}

// fail clears the session, reports err and speaks the error message.
func (s *Session) fail(ctx context.Context, r *rules, p avatar.Performer, err error) {
	log := s.logger(ctx)
	log.Error("dialog: turn failed", "err", err)
	s.m.metrics.RecordTurn(ctx, "error")
	s.transition(ctx, StateError)

	if ferr := s.m.cfg.Runner.Forget(ctx, s.userID); ferr != nil {
		log.Warn("dialog: clear history after error", "err", ferr)
	}
	if s.m.cfg.OnError != nil {
		s.m.cfg.OnError(s.userID, err)
	}
	if r.ErrorMessage != "" {
		if serr := s.say(ctx, p, r.ErrorMessage, r.ErrorFace); serr != nil && ctx.Err() == nil {
			log.Warn("dialog: error message failed", "err", serr)
		}
	}
	if ctx.Err() == nil {
		s.transition(ctx, StateIdle)
	}
}

// say performs a fixed utterance.
func (s *Session) say(ctx context.Context, p avatar.Performer, text, face string) error {
	q := content.NewQueue()
	if err := q.Push(content.Item{Text: text, IsFirst: true, Face: face}); err != nil {
		return err
	}
	q.Close()
	_, err := playback.New(p, s.m.cfg.TTS, s.m.cfg.PlaybackOptions...).Play(ctx, q)
	return err
}

// ─── state ───────────────────────────────────────────────────────────────────

func (s *Session) transition(ctx context.Context, to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.notify(ctx, from, to)
}

func (s *Session) notify(ctx context.Context, from, to State) {
	s.m.metrics.RecordTransition(ctx, to.String())
	s.logger(ctx).Debug("dialog: state changed", "from", from.String(), "to", to.String())
	if s.m.cfg.Observer != nil {
		s.m.cfg.Observer(s.userID, from, to)
	}
}

// arm returns an open dialog to idle after d without a request.
func (s *Session) arm(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timer != t || s.state != StateAwaitingRequest {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.state = StateIdle
		s.mu.Unlock()
		s.notify(context.Background(), StateAwaitingRequest, StateIdle)
	})
	s.timer = t
}

func (s *Session) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// firstPerform calls fn before the first performance starts.
type firstPerform struct {
	avatar.Performer
	once sync.Once
	fn   func()
}

func (f *firstPerform) Perform(ctx context.Context, p avatar.Performance) error {
	f.once.Do(f.fn)
	return f.Performer.Perform(ctx, p)
}

// logger returns a logger tagged with the session's user.
func (s *Session) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(observe.WithUser(ctx, s.userID))
}
