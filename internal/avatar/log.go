package avatar

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/avatarkit/internal/observe"
)

// LogPerformer is a [Performer] that only logs. Perform waits for the voice
// duration so pacing matches a real avatar.
type LogPerformer struct {
	// Name appears in every log line.
	Name string
}

var _ Performer = (*LogPerformer)(nil)

// Perform implements [Performer].
func (l *LogPerformer) Perform(ctx context.Context, p Performance) error {
	d := p.Voice.Duration()
	observe.Logger(ctx).Info("avatar perform",
		slog.String("avatar", l.Name),
		slog.String("text", p.Text),
		slog.String("face", p.Face),
		slog.String("animation", p.Animation),
		slog.String("language", p.Language),
		slog.Duration("voice", d),
	)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// SetFace implements [Performer].
func (l *LogPerformer) SetFace(ctx context.Context, face string) error {
	observe.Logger(ctx).Info("avatar face", slog.String("avatar", l.Name), slog.String("face", face))
	return nil
}

// Animate implements [Performer].
func (l *LogPerformer) Animate(ctx context.Context, name string) error {
	observe.Logger(ctx).Info("avatar animation", slog.String("avatar", l.Name), slog.String("animation", name))
	return nil
}

// Stop implements [Performer].
func (l *LogPerformer) Stop(ctx context.Context) error {
	observe.Logger(ctx).Info("avatar stop", slog.String("avatar", l.Name))
	return nil
}
