// Package capture owns the microphone stream and the outbound encoder for
// a single call.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/logger"
)

// EncoderState of the capture session
type EncoderState int

const (
	Inactive EncoderState = iota
	Recording
)

func (s EncoderState) String() string {
	if s == Recording {
		return "recording"
	}
	return "inactive"
}

// Session is not safe for concurrent use; the call loop owns it.
// The meter it feeds may be read from anywhere.
type Session struct {
	source  audio.Source
	encoder audio.Encoder
	meter   *audio.Meter
	log     *logger.ContextLogger

	state        EncoderState
	suspended    bool
	segmentStart time.Time
	segmentBytes int

	chunksSent      uint64
	framesDiscarded uint64
}

// New creates a capture session around an unopened source
func New(source audio.Source, encoder audio.Encoder, meter *audio.Meter, log *logger.Logger) *Session {
	if meter == nil {
		meter = audio.NewMeter(audio.DefaultWindowSamples)
	}
	return &Session{
		source:  source,
		encoder: encoder,
		meter:   meter,
		log:     log.With("capture"),
	}
}

// Open acquires the microphone. Every failure is a capture denial.
func (s *Session) Open() error {
	if err := s.source.Open(audio.DefaultConstraints()); err != nil {
		if errors.Is(err, audio.ErrCaptureDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", audio.ErrCaptureDenied, err)
	}
	s.log.Info("Microphone open (%d Hz, format %s)", s.source.SampleRate(), s.encoder.Format())
	return nil
}

// Frames is the live stream the call loop reads
func (s *Session) Frames() <-chan []byte {
	return s.source.Frames()
}

// Start begins a new segment
func (s *Session) Start(now time.Time) {
	if s.state == Recording {
		return
	}
	s.encoder.Reset()
	s.state = Recording
	s.segmentStart = now
	s.segmentBytes = 0
	s.log.Debug("Recording started")
}

// Stop ends the segment and returns its final chunk. Nothing is returned
// while suspended.
func (s *Session) Stop() []byte {
	if s.state != Recording {
		return nil
	}
	s.state = Inactive

	if s.suspended {
		s.encoder.Reset()
		return nil
	}

	chunk := s.encoder.Flush()
	if chunk != nil {
		s.chunksSent++
	}
	s.log.Debug("Recording stopped (%v of audio)", audio.BufferDuration(s.segmentBytes, s.source.SampleRate()))
	return chunk
}

// Suspend drops anything buffered and discards frames until Resume
func (s *Session) Suspend() {
	if s.suspended {
		return
	}
	s.suspended = true
	s.encoder.Reset()
	s.log.Debug("Capture suspended")
}

// Resume lets frames reach the encoder again
func (s *Session) Resume() {
	if !s.suspended {
		return
	}
	s.suspended = false
	s.log.Debug("Capture resumed")
}

// HandleFrame feeds the meter and, while recording and not suspended, the
// encoder. It returns chunks ready to send.
func (s *Session) HandleFrame(pcm []byte) [][]byte {
	s.meter.Observe(pcm)

	if s.state != Recording {
		return nil
	}
	if s.suspended {
		s.framesDiscarded++
		return nil
	}

	s.segmentBytes += len(pcm)
	chunks := s.encoder.Write(pcm)
	s.chunksSent += uint64(len(chunks))
	return chunks
}

// Elapsed since the current segment started
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.state != Recording {
		return 0
	}
	return now.Sub(s.segmentStart)
}

func (s *Session) State() EncoderState { return s.state }
func (s *Session) Recording() bool     { return s.state == Recording }
func (s *Session) Suspended() bool     { return s.suspended }
func (s *Session) Level() float64      { return s.meter.Level() }
func (s *Session) Meter() *audio.Meter { return s.meter }

// Stats holds capture counters
type Stats struct {
	ChunksSent      uint64
	FramesDiscarded uint64
}

func (s *Session) Stats() Stats {
	return Stats{ChunksSent: s.chunksSent, FramesDiscarded: s.framesDiscarded}
}

// Close releases the microphone
func (s *Session) Close() error {
	s.state = Inactive
	s.encoder.Reset()
	s.meter.Reset()
	return s.source.Close()
}
