package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus transport parameters: 48 kHz at 20 ms frames.
const (
	OpusSampleRate  = 48000
	OpusFrameMs     = 20
	opusFrameSize   = OpusSampleRate * OpusFrameMs / 1000 // 960 samples per channel
	opusMaxDataSize = 4000
)

// OpusEncoder turns clips into a sequence of opus packets. Each remote
// connection owns one encoder so encoder state stays consistent across
// consecutive packets.
type OpusEncoder struct {
	enc      *gopus.Encoder
	channels int
}

// NewOpusEncoder creates a 48 kHz encoder with the given channel count.
func NewOpusEncoder(channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels}, nil
}

// EncodeClip converts clip to 48 kHz in the encoder's channel layout and
// encodes it into 20 ms packets. The final partial frame is padded with
// silence.
func (e *OpusEncoder) EncodeClip(clip *Clip) ([][]byte, error) {
	converted, err := Convert(clip, Format{SampleRate: OpusSampleRate, Channels: e.channels})
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	samples := converted.Samples()
	frame := opusFrameSize * e.channels

	var packets [][]byte
	for off := 0; off < len(samples); off += frame {
		chunk := samples[off:min(off+frame, len(samples))]
		if len(chunk) < frame {
			padded := make([]int16, frame)
			copy(padded, chunk)
			chunk = padded
		}
		pkt, err := e.enc.Encode(chunk, opusFrameSize, opusMaxDataSize)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// OpusDecoder decodes opus packets from a single remote stream.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a 48 kHz decoder with the given channel count.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes one packet into 48 kHz PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// DecodeClip decodes a packet sequence into one clip.
func (d *OpusDecoder) DecodeClip(packets [][]byte) (*Clip, error) {
	clip := &Clip{SampleRate: OpusSampleRate, Channels: d.channels}
	for _, p := range packets {
		pcm, err := d.Decode(p)
		if err != nil {
			return nil, err
		}
		clip.PCM = append(clip.PCM, pcm...)
	}
	return clip, nil
}
