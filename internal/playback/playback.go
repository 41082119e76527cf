// Package playback drains a content queue onto an avatar while the producer
// is still filling it, so the character starts speaking before generation
// has finished.
//
// Synthesis of the next item overlaps with playback of the current one: a
// fetch goroutine pops and synthesizes item n+1 while the perform goroutine
// plays item n, and the hand-off between them is unbuffered so the lookahead
// is exactly one item.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithVoice sets the default voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Coordinator) {
		c.voice = v
	}
}

// WithLanguageVoices maps language codes to voices. Items in a language
// without an entry use the default voice with its Language replaced.
func WithLanguageVoices(voices map[string]tts.VoiceProfile) Option {
	return func(c *Coordinator) {
		c.voices = voices
	}
}

// WithNeutralFace sets the face restored at the start of a response that
// does not choose one. Empty disables the reset.
func WithNeutralFace(face string) Option {
	return func(c *Coordinator) {
		c.neutralFace = face
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithProviderName sets the name used for the TTS provider in metrics.
func WithProviderName(name string) Option {
	return func(c *Coordinator) {
		c.providerName = name
	}
}

// Result summarises one [Coordinator.Play] run.
type Result struct {
	// Played is the number of items handed to the performer. Items skipped
	// for lack of a voice are not counted.
	Played int

	// SynthesisFailures is the number of items whose voice could not be
	// synthesized. Their directives were still performed.
	SynthesisFailures int
}

// Coordinator plays queued items on a performer. It holds no per-turn state
// and may run several Play calls concurrently on different queues.
type Coordinator struct {
	performer    avatar.Performer
	tts          tts.Provider
	voice        tts.VoiceProfile
	voices       map[string]tts.VoiceProfile
	neutralFace  string
	metrics      *observe.Metrics
	providerName string
}

// New returns a Coordinator synthesizing with t and playing on p.
func New(p avatar.Performer, t tts.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		performer:    p,
		tts:          t,
		neutralFace:  avatar.NeutralFace,
		providerName: "tts",
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Play performs every item of q in order and returns once the producer has
// closed q, q is empty and the last item has finished playing.
//
// When ctx ends first the performer is stopped, no further item is played,
// and the context cause is returned.
func (c *Coordinator) Play(ctx context.Context, q *content.Queue) (Result, error) {
	var res Result
	ready := make(chan avatar.Performance)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ready)
		for {
			it, ok, err := q.Pop(gctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			p := c.prepare(gctx, it)
			if p.Text != "" && p.Voice == nil {
				res.SynthesisFailures++
			}
			select {
			case ready <- p:
			case <-gctx.Done():
				return context.Cause(gctx)
			}
		}
	})
	g.Go(func() error {
		for p := range ready {
			if err := gctx.Err(); err != nil {
				return context.Cause(gctx)
			}
			played, err := c.perform(gctx, p)
			if err != nil {
				return err
			}
			if played {
				res.Played++
			}
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		if stopErr := c.performer.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			observe.Logger(ctx).Warn("failed to stop avatar", "err", stopErr)
		}
		return res, context.Cause(ctx)
	}
	return res, err
}

// prepare synthesizes the voice of it. A failed synthesis is logged and
// leaves the voice empty.
func (c *Coordinator) prepare(ctx context.Context, it content.Item) avatar.Performance {
	p := avatar.Performance{Item: it}
	if it.Text == "" || c.tts == nil {
		return p
	}

	voice := c.voiceFor(it.Language)
	start := time.Now()
	clip, err := c.tts.Synthesize(ctx, it.Text, voice)
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	switch {
	case err != nil:
		if ctx.Err() == nil {
			c.metrics.RecordProviderRequest(ctx, c.providerName, "tts", "error")
			c.metrics.RecordProviderError(ctx, c.providerName, "tts")
			observe.Logger(ctx).Warn("synthesis failed, skipping voice",
				slog.String("text", it.Text),
				slog.String("voice", voice.ID),
				slog.Any("err", err),
			)
		}
	case clip.Empty():
		observe.Logger(ctx).Warn("synthesis returned no audio, skipping voice", slog.String("text", it.Text))
	default:
		c.metrics.RecordProviderRequest(ctx, c.providerName, "tts", "ok")
		p.Voice = clip
	}
	return p
}

// perform plays p. It reports false when p was skipped because its voice is
// missing and it has nothing else to show.
func (c *Coordinator) perform(ctx context.Context, p avatar.Performance) (bool, error) {
	if p.IsFirst && p.Face == "" && c.neutralFace != "" {
		if err := c.performer.SetFace(ctx, c.neutralFace); err != nil {
			observe.Logger(ctx).Warn("failed to reset face", "err", err)
		}
	}
	if p.Text != "" && p.Voice == nil && !p.HasDirective() {
		return false, nil
	}
	err := c.performer.Perform(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, context.Cause(ctx)
	case errors.Is(err, context.Canceled):
		return false, err
	default:
		observe.Logger(ctx).Warn("perform failed, continuing", slog.String("text", p.Text), slog.Any("err", err))
		return true, nil
	}
}

func (c *Coordinator) voiceFor(lang string) tts.VoiceProfile {
	if lang == "" {
		return c.voice
	}
	if v, ok := c.voices[lang]; ok {
		return v
	}
	v := c.voice
	v.Language = lang
	return v
}
