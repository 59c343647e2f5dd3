// Package audio holds the capture and playback capabilities a call uses,
// along with the PCM helpers shared between them.
package audio

import (
	"context"
	"errors"
)

const (
	// CaptureSampleRate is the rate the microphone is opened at
	CaptureSampleRate = 48000
	// Channels is always mono on the capture side
	Channels = 1
)

// ErrCaptureDenied means the microphone could not be opened: permission
// refused or no usable device. It is fatal to call start.
var ErrCaptureDenied = errors.New("capture denied")

// Constraints requested from the capture backend. Backends that cannot
// honour a flag log it and carry on.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	Channels         int
}

// DefaultConstraints returns the constraints used for every call
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       CaptureSampleRate,
		Channels:         Channels,
	}
}

// Source is a live microphone stream owned by exactly one call
type Source interface {
	// Open acquires the device. Failures wrap ErrCaptureDenied.
	Open(c Constraints) error
	// Frames delivers raw little-endian 16-bit PCM as it is captured
	Frames() <-chan []byte
	// SampleRate reports the rate the device actually runs at
	SampleRate() int
	Close() error
}

// Sink renders decoded audio through the call's output context
type Sink interface {
	// Play blocks until the clip finishes or ctx is cancelled
	Play(ctx context.Context, clip Clip, volume float64) error
	// SampleRate of the output context
	SampleRate() int
	Close() error
}

// ScaleVolume applies a linear gain in [0,1] to samples in place
func ScaleVolume(samples []int16, volume float64) {
	if volume >= 1 {
		return
	}
	if volume < 0 {
		volume = 0
	}
	for i, s := range samples {
		samples[i] = int16(float64(s) * volume)
	}
}
