package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/pkg/audio"
)

// tone returns d of 16 kHz mono PCM at constant amplitude.
func tone(amplitude int16, d time.Duration) []byte {
	n := int(d.Seconds() * 16000)
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samplesToBytes(samples)
}

func TestSegmenter_LeadingSilenceDiscarded(t *testing.T) {
	t.Parallel()

	s := audio.NewSegmenter(audio.Format{SampleRate: 16000, Channels: 1})
	for range 10 {
		if clip := s.Write(tone(0, 100*time.Millisecond)); clip != nil {
			t.Fatal("silence alone must not produce an utterance")
		}
	}
	if clip := s.Flush(); clip != nil {
		t.Fatal("flush after silence must not produce an utterance")
	}
}

func TestSegmenter_CutsAfterSilence(t *testing.T) {
	t.Parallel()

	s := audio.NewSegmenter(audio.Format{SampleRate: 16000, Channels: 1})
	if clip := s.Write(tone(5000, 300*time.Millisecond)); clip != nil {
		t.Fatal("utterance ended too early")
	}
	var got *audio.Clip
	for range 6 {
		if clip := s.Write(tone(0, 100*time.Millisecond)); clip != nil {
			got = clip
			break
		}
	}
	if got == nil {
		t.Fatal("expected an utterance after trailing silence")
	}
	if d := got.Duration(); d < 700*time.Millisecond || d > 900*time.Millisecond {
		t.Errorf("utterance duration = %v, want ~800ms", d)
	}
}

func TestSegmenter_MaxUtterance(t *testing.T) {
	t.Parallel()

	s := audio.NewSegmenter(audio.Format{SampleRate: 16000, Channels: 1})
	s.MaxUtterance = time.Second
	var got *audio.Clip
	for range 20 {
		if clip := s.Write(tone(5000, 100*time.Millisecond)); clip != nil {
			got = clip
			break
		}
	}
	if got == nil {
		t.Fatal("expected forced cut at MaxUtterance")
	}
	if got.Duration() != time.Second {
		t.Errorf("duration = %v, want 1s", got.Duration())
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS(samplesToBytes([]int16{100, -100, 100, -100})); got != 100 {
		t.Errorf("RMS = %v, want 100", got)
	}
}
