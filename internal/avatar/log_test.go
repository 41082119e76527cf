package avatar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/pkg/audio"
)

func TestLogPerformer_WaitsForVoice(t *testing.T) {
	t.Parallel()
	l := &LogPerformer{Name: "test"}
	// 50 ms of 16 kHz mono.
	clip := &audio.Clip{PCM: make([]byte, 1600), SampleRate: 16000, Channels: 1}

	start := time.Now()
	if err := l.Perform(context.Background(), Performance{Item: content.Item{Text: "hi"}, Voice: clip}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Perform returned after %v, want about 50ms", elapsed)
	}
}

func TestLogPerformer_NoVoice(t *testing.T) {
	t.Parallel()
	l := &LogPerformer{}
	if err := l.Perform(context.Background(), Performance{Item: content.Item{Animation: "wave"}}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	ctx := context.Background()
	if l.SetFace(ctx, "Joy") != nil || l.Animate(ctx, "wave") != nil || l.Stop(ctx) != nil {
		t.Error("primitives must not fail")
	}
}

func TestLogPerformer_Cancelled(t *testing.T) {
	t.Parallel()
	l := &LogPerformer{}
	clip := &audio.Clip{PCM: make([]byte, 32000*10), SampleRate: 16000, Channels: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Perform(ctx, Performance{Voice: clip}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
