package whisper

import "github.com/MrWong99/avatarkit/pkg/audio"

// clipToFloat32 converts clip to 16 kHz mono and normalises the samples to
// [-1.0, 1.0) as whisper.cpp expects.
func clipToFloat32(clip *audio.Clip) ([]float32, error) {
	mono, err := audio.Convert(clip, audio.Format{SampleRate: modelSampleRate, Channels: 1})
	if err != nil {
		return nil, err
	}
	return pcmToFloat32(mono.PCM), nil
}

// pcmToFloat32 converts 16-bit PCM to float32 samples. A trailing odd byte
// is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	samples := audio.BytesToInt16s(pcm)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
