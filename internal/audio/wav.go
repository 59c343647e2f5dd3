package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned when a payload lacks a RIFF/WAVE header
var ErrNotWAV = errors.New("not a wav payload")

// Clip is decoded 16-bit PCM ready for a sink
type Clip struct {
	Samples    []int16 // interleaved when Channels > 1
	SampleRate int
	Channels   int
}

// DurationMs returns the clip length in milliseconds
func (c Clip) DurationMs() int {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return len(c.Samples) * 1000 / (c.SampleRate * c.Channels)
}

// Mono folds interleaved channels down to one
func (c Clip) Mono() Clip {
	if c.Channels <= 1 {
		return c
	}
	frames := len(c.Samples) / c.Channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < c.Channels; ch++ {
			sum += int32(c.Samples[i*c.Channels+ch])
		}
		out[i] = int16(sum / int32(c.Channels))
	}
	return Clip{Samples: out, SampleRate: c.SampleRate, Channels: 1}
}

// BytesToSamples converts little-endian PCM bytes to samples
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian PCM bytes
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF header
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(44 + len(pcm))

	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a PCM16 WAV file, skipping unknown chunks
func DecodeWAV(data []byte) (Clip, error) {
	if !IsWAV(data) {
		return Clip{}, ErrNotWAV
	}

	var (
		channels, bits, format uint16
		sampleRate             uint32
		haveFmt                bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Clip{}, fmt.Errorf("truncated fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true

		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("data chunk before fmt chunk")
			}
			if format != 1 || bits != 16 {
				return Clip{}, fmt.Errorf("unsupported wav encoding (format=%d bits=%d)", format, bits)
			}
			if channels == 0 || sampleRate == 0 {
				return Clip{}, fmt.Errorf("invalid wav header (channels=%d rate=%d)", channels, sampleRate)
			}
			end := body + size
			// Streaming writers leave the size at 0 or 0xFFFFFFFF
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return Clip{
				Samples:    BytesToSamples(data[body:end]),
				SampleRate: int(sampleRate),
				Channels:   int(channels),
			}, nil
		}

		pos = body + size + size%2
	}

	return Clip{}, fmt.Errorf("wav payload has no data chunk")
}
