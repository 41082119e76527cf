package audio

import (
	"math"
	"time"
)

// Segmenter defaults, tuned for 16-bit speech captured by a headset or a
// laptop microphone.
const (
	DefaultRMSThreshold = 300.0
	DefaultSilence      = 500 * time.Millisecond
	DefaultMaxUtterance = 10 * time.Second
)

// Segmenter cuts a continuous PCM stream into utterances using an RMS energy
// gate. Leading silence is discarded; an utterance ends after [Segmenter.Silence]
// of consecutive low-energy audio or when it grows past
// [Segmenter.MaxUtterance].
//
// A Segmenter is not safe for concurrent use; create one per input stream.
type Segmenter struct {
	Format       Format
	Threshold    float64
	Silence      time.Duration
	MaxUtterance time.Duration

	buffer    []byte
	hadSpeech bool
	silence   time.Duration
}

// NewSegmenter returns a Segmenter for the given input format using the
// package defaults.
func NewSegmenter(f Format) *Segmenter {
	return &Segmenter{
		Format:       f,
		Threshold:    DefaultRMSThreshold,
		Silence:      DefaultSilence,
		MaxUtterance: DefaultMaxUtterance,
	}
}

// Write feeds one chunk of PCM into the segmenter. When the chunk completes
// an utterance the utterance is returned, otherwise nil.
func (s *Segmenter) Write(chunk []byte) *Clip {
	d := s.duration(len(chunk))
	if RMS(chunk) < s.Threshold {
		if !s.hadSpeech {
			return nil
		}
		s.silence += d
		s.buffer = append(s.buffer, chunk...)
		if s.silence >= s.Silence {
			return s.Flush()
		}
		return nil
	}

	s.hadSpeech = true
	s.silence = 0
	s.buffer = append(s.buffer, chunk...)
	if s.MaxUtterance > 0 && s.duration(len(s.buffer)) >= s.MaxUtterance {
		return s.Flush()
	}
	return nil
}

// Flush returns the buffered utterance, if it contains speech, and resets the
// segmenter.
func (s *Segmenter) Flush() *Clip {
	defer func() {
		s.buffer = nil
		s.hadSpeech = false
		s.silence = 0
	}()
	if !s.hadSpeech || len(s.buffer) == 0 {
		return nil
	}
	pcm := make([]byte, len(s.buffer))
	copy(pcm, s.buffer)
	return &Clip{PCM: pcm, SampleRate: s.Format.SampleRate, Channels: s.Format.Channels}
}

func (s *Segmenter) duration(n int) time.Duration {
	bytesPerSec := s.Format.SampleRate * s.Format.Channels * BytesPerSample
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}

// RMS returns the root-mean-square amplitude of 16-bit PCM.
func RMS(pcm []byte) float64 {
	samples := BytesToInt16s(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
