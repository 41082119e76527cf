package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// EncodeWAV wraps clip in a canonical 44-byte RIFF/WAVE header (PCM, 16 bit).
func EncodeWAV(clip *Clip) []byte {
	const bps = BytesPerSample * 8
	byteRate := clip.SampleRate * clip.Channels * BytesPerSample
	blockAlign := clip.Channels * BytesPerSample
	dataSize := len(clip.PCM)

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(clip.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(clip.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], clip.PCM)
	return buf
}

// ParseWAV decodes a RIFF/WAVE document carrying 16-bit PCM into a [Clip].
// Unknown chunks (LIST, fact, ...) are skipped. A data chunk whose declared
// size overruns the buffer is truncated to what is present, which is what
// streaming TTS servers send when they do not know the length up front.
func ParseWAV(wav []byte) (*Clip, error) {
	if len(wav) < 12 {
		return nil, errors.New("audio: wav: too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, errors.New("audio: wav: missing RIFF/WAVE header")
	}

	var (
		clip     Clip
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, errors.New("audio: wav: truncated fmt chunk")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			clip.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE; the subformat is assumed PCM.
			if format != 1 && format != 0xFFFE {
				return nil, fmt.Errorf("audio: wav: unsupported format tag %d", format)
			}
			if bits != 16 {
				return nil, fmt.Errorf("audio: wav: unsupported bit depth %d", bits)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("audio: wav: data chunk before fmt chunk")
			}
			end := min(body+size, len(wav))
			clip.PCM = wav[body:end]
			if len(clip.PCM)%BytesPerSample != 0 {
				clip.PCM = clip.PCM[:len(clip.PCM)-1]
			}
			return &clip, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, errors.New("audio: wav: missing data chunk")
}
