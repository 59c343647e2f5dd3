package audio

import (
	"fmt"
	"time"
)

// Encoder container formats
const (
	FormatWAV = "wav"
	FormatPCM = "pcm_s16le"
)

// SupportedFormats lists the encoders this build provides, best first
func SupportedFormats() []string {
	return []string{FormatWAV, FormatPCM}
}

// Negotiate returns the first preferred format this build can encode
func Negotiate(preferred []string) (string, error) {
	if len(preferred) == 0 {
		return SupportedFormats()[0], nil
	}
	for _, p := range preferred {
		for _, s := range SupportedFormats() {
			if p == s {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("none of the formats %v are supported (have %v)", preferred, SupportedFormats())
}

// Encoder turns captured PCM into outbound chunks for one segment at a time
type Encoder interface {
	Format() string
	// Write consumes captured PCM and returns any chunks ready to send
	Write(pcm []byte) [][]byte
	// Flush ends the segment and returns its final chunk, if any
	Flush() []byte
	// Reset drops buffered audio without producing a chunk
	Reset()
}

// EncoderConfig describes the rates and slicing for an encoder
type EncoderConfig struct {
	InputRate  int // capture rate
	UploadRate int // rate sent to the service
	ChunkMs    int // timeslice for streaming formats
}

// NewEncoder creates the encoder for a negotiated format
func NewEncoder(format string, cfg EncoderConfig) (Encoder, error) {
	if cfg.InputRate == 0 {
		cfg.InputRate = CaptureSampleRate
	}
	if cfg.UploadRate == 0 {
		cfg.UploadRate = cfg.InputRate
	}
	if cfg.ChunkMs == 0 {
		cfg.ChunkMs = 250
	}

	switch format {
	case FormatPCM:
		return newPCMEncoder(cfg), nil
	case FormatWAV:
		return &wavEncoder{conv: newRateConverter(cfg.InputRate, cfg.UploadRate), rate: cfg.UploadRate}, nil
	default:
		return nil, fmt.Errorf("unsupported encoder format %q", format)
	}
}

// rateConverter downsamples by an integer ratio, carrying the remainder
// between frames so no samples are lost at frame edges
type rateConverter struct {
	from, to int
	carry    []int16
}

func newRateConverter(from, to int) *rateConverter {
	return &rateConverter{from: from, to: to}
}

func (r *rateConverter) convert(pcm []byte) []byte {
	if r.from == r.to {
		return pcm
	}

	samples := append(r.carry, BytesToSamples(pcm)...)
	if r.from%r.to != 0 {
		r.carry = nil
		return SamplesToBytes(Resample(samples, r.from, r.to))
	}

	ratio := r.from / r.to
	usable := len(samples) - len(samples)%ratio
	r.carry = append([]int16(nil), samples[usable:]...)

	out := make([]int16, usable/ratio)
	for i := range out {
		var sum int32
		for j := 0; j < ratio; j++ {
			sum += int32(samples[i*ratio+j])
		}
		out[i] = int16(sum / int32(ratio))
	}
	return SamplesToBytes(out)
}

func (r *rateConverter) reset() {
	r.carry = nil
}

// pcmEncoder emits raw PCM in fixed timeslices while recording
type pcmEncoder struct {
	conv       *rateConverter
	buffer     []byte
	bufferSize int
}

func newPCMEncoder(cfg EncoderConfig) *pcmEncoder {
	// upload rate * 1 channel * 2 bytes/sample * chunk duration
	bytesPerChunk := cfg.UploadRate * Channels * 2 * cfg.ChunkMs / 1000
	return &pcmEncoder{
		conv:       newRateConverter(cfg.InputRate, cfg.UploadRate),
		buffer:     make([]byte, 0, bytesPerChunk),
		bufferSize: bytesPerChunk,
	}
}

func (e *pcmEncoder) Format() string { return FormatPCM }

func (e *pcmEncoder) Write(pcm []byte) [][]byte {
	e.buffer = append(e.buffer, e.conv.convert(pcm)...)

	var chunks [][]byte
	for len(e.buffer) >= e.bufferSize {
		chunk := make([]byte, e.bufferSize)
		copy(chunk, e.buffer[:e.bufferSize])
		chunks = append(chunks, chunk)
		e.buffer = e.buffer[e.bufferSize:]
	}
	return chunks
}

func (e *pcmEncoder) Flush() []byte {
	e.conv.reset()
	if len(e.buffer) == 0 {
		return nil
	}
	chunk := make([]byte, len(e.buffer))
	copy(chunk, e.buffer)
	e.buffer = e.buffer[:0]
	return chunk
}

func (e *pcmEncoder) Reset() {
	e.conv.reset()
	e.buffer = e.buffer[:0]
}

// wavEncoder buffers the whole segment and emits one WAV file on Flush
type wavEncoder struct {
	conv   *rateConverter
	rate   int
	buffer []byte
}

func (e *wavEncoder) Format() string { return FormatWAV }

func (e *wavEncoder) Write(pcm []byte) [][]byte {
	e.buffer = append(e.buffer, e.conv.convert(pcm)...)
	return nil
}

func (e *wavEncoder) Flush() []byte {
	e.conv.reset()
	if len(e.buffer) == 0 {
		return nil
	}
	out := EncodeWAV(e.buffer, e.rate, Channels)
	e.buffer = e.buffer[:0]
	return out
}

func (e *wavEncoder) Reset() {
	e.conv.reset()
	e.buffer = e.buffer[:0]
}

// BufferDuration converts a PCM byte count at rate to a duration
func BufferDuration(n, rate int) time.Duration {
	if rate == 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
