package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of raw 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// PCM16Mono24k is the raw format generative voice models emit for "pcm16".
var PCM16Mono24k = Format{SampleRate: 24000, Channels: 1}

// String returns e.g. "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// EncodeWAV wraps little-endian int16 PCM in a canonical 44-byte RIFF/WAVE
// header so that container-sniffing tools (ffmpeg, browsers) can read it.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid pcm format %s", f)
	}
	if len(pcm)%(2*f.Channels) != 0 {
		return nil, fmt.Errorf("audio: pcm length %d not aligned to %s frames", len(pcm), f)
	}

	const bitsPerSample = 16
	blockAlign := f.Channels * bitsPerSample / 8
	byteRate := f.SampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes(), nil
}
