package audio

import (
	"math"
	"sync"
)

// DefaultWindowSamples is the analysis window the level meter keeps
const DefaultWindowSamples = 2048

// RMS returns the root-mean-square of little-endian 16-bit PCM,
// normalised to [0,1]
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768.0
		sum += s * s
	}

	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// Meter tracks the loudness of the most recent window of a live stream.
// The capture path writes, the VAD sampler and the visual pump read.
type Meter struct {
	mu     sync.Mutex
	window []byte
	size   int
}

// NewMeter creates a meter over the last windowSamples samples
func NewMeter(windowSamples int) *Meter {
	if windowSamples <= 0 {
		windowSamples = DefaultWindowSamples
	}
	return &Meter{
		window: make([]byte, 0, windowSamples*2),
		size:   windowSamples * 2,
	}
}

// Observe slides pcm into the analysis window
func (m *Meter) Observe(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(pcm) >= m.size {
		m.window = append(m.window[:0], pcm[len(pcm)-m.size:]...)
		return
	}

	if overflow := len(m.window) + len(pcm) - m.size; overflow > 0 {
		m.window = append(m.window[:0], m.window[overflow:]...)
	}
	m.window = append(m.window, pcm...)
}

// Level returns the RMS of the current window
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RMS(m.window)
}

// Reset clears the window so the next reading starts from silence
func (m *Meter) Reset() {
	m.mu.Lock()
	m.window = m.window[:0]
	m.mu.Unlock()
}
