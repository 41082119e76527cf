package audio

import (
	"fmt"
	"log/slog"
)

// Convert returns a copy of clip in the target format. Resampling runs
// before channel conversion so stereo material is never resampled twice. A
// clip already in the target format is returned as is.
func Convert(clip *Clip, target Format) (*Clip, error) {
	if clip == nil {
		return nil, fmt.Errorf("audio: convert: nil clip")
	}
	if len(clip.PCM)%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: convert: odd byte count %d in %s PCM", len(clip.PCM), clip.Format())
	}
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return nil, fmt.Errorf("audio: convert: invalid target format %s", target)
	}
	if clip.Format() == target {
		return clip, nil
	}
	if clip.Channels > 2 || target.Channels > 2 {
		return nil, fmt.Errorf("audio: convert: %s to %s: only mono and stereo are supported", clip.Format(), target)
	}

	pcm := clip.PCM
	if clip.SampleRate != target.SampleRate {
		if clip.Channels == 1 {
			pcm = ResampleMono16(pcm, clip.SampleRate, target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, clip.SampleRate, target.SampleRate)
		}
	}
	switch {
	case clip.Channels == 1 && target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case clip.Channels == 2 && target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	slog.Debug("audio: converted clip", "from", clip.Format().String(), "to", target.String(), "bytes", len(pcm))
	return &Clip{PCM: pcm, SampleRate: target.SampleRate, Channels: target.Channels}, nil
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, 0, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}

// StereoToMono averages each L+R frame into one mono sample.
func StereoToMono(pcm []byte) []byte {
	in := BytesToInt16s(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = clamp16((int32(in[i*2]) + int32(in[i*2+1])) / 2)
	}
	return Int16sToBytes(out)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	in := BytesToInt16s(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(in[idx*channels+ch])
			s1 := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return Int16sToBytes(out)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
