// Package audiotest provides in-memory audio sources and sinks for tests.
package audiotest

import (
	"context"
	"sync"

	"github.com/lucianHymer/voicecall/internal/audio"
)

// Source is a microphone fed by Push
type Source struct {
	OpenErr error

	mu          sync.Mutex
	frames      chan []byte
	opened      bool
	closed      bool
	constraints audio.Constraints
}

// NewSource creates a fake microphone with a buffered frame channel
func NewSource() *Source {
	return &Source{frames: make(chan []byte, 256)}
}

func (s *Source) Open(c audio.Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = true
	s.constraints = c
	return nil
}

func (s *Source) Frames() <-chan []byte { return s.frames }
func (s *Source) SampleRate() int       { return audio.CaptureSampleRate }

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Push delivers a frame as if captured
func (s *Source) Push(pcm []byte) {
	s.frames <- pcm
}

func (s *Source) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) Constraints() audio.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

// Loud returns n samples of a square wave at half scale (RMS 0.5)
func Loud(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16384
		} else {
			samples[i] = -16384
		}
	}
	return audio.SamplesToBytes(samples)
}

// Silent returns n zero samples
func Silent(n int) []byte {
	return make([]byte, n*2)
}

// Played records one Play call
type Played struct {
	Clip   audio.Clip
	Volume float64
}

// Sink records clips. When Block is set, Play waits until Release or ctx.
type Sink struct {
	Rate    int
	PlayErr error
	Block   bool

	mu      sync.Mutex
	played  []Played
	active  int
	peak    int
	release chan struct{}
	started chan struct{}
	closed  bool
}

// NewSink creates a recording sink at 48kHz
func NewSink() *Sink {
	return &Sink{Rate: audio.CaptureSampleRate, release: make(chan struct{}, 64), started: make(chan struct{}, 64)}
}

func (s *Sink) SampleRate() int { return s.Rate }

func (s *Sink) Play(ctx context.Context, clip audio.Clip, volume float64) error {
	s.mu.Lock()
	if s.PlayErr != nil {
		s.mu.Unlock()
		return s.PlayErr
	}
	s.played = append(s.played, Played{Clip: clip, Volume: volume})
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	block := s.Block
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	select {
	case s.started <- struct{}{}:
	default:
	}

	if !block {
		return nil
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started fires each time Play begins
func (s *Sink) Started() <-chan struct{} { return s.started }

// Release lets one blocked Play finish
func (s *Sink) Release() {
	s.release <- struct{}{}
}

func (s *Sink) Played() []Played {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Played(nil), s.played...)
}

// Active is the number of Play calls in flight
func (s *Sink) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Peak is the highest number of concurrent Play calls seen
func (s *Sink) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
