package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/audio/audiotest"
	"github.com/lucianHymer/voicecall/internal/logger"
)

func newSession(t *testing.T, format string) (*Session, *audiotest.Source) {
	t.Helper()
	enc, err := audio.NewEncoder(format, audio.EncoderConfig{InputRate: 48000, UploadRate: 48000, ChunkMs: 10})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	src := audiotest.NewSource()
	return New(src, enc, nil, logger.Discard()), src
}

func TestOpenRequestsConstraints(t *testing.T) {
	s, src := newSession(t, audio.FormatPCM)
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c := src.Constraints()
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl || c.SampleRate != 48000 || c.Channels != 1 {
		t.Errorf("Unexpected constraints %+v", c)
	}
}

func TestOpenFailureIsCaptureDenied(t *testing.T) {
	s, src := newSession(t, audio.FormatPCM)
	src.OpenErr = errors.New("permission refused")
	if err := s.Open(); !errors.Is(err, audio.ErrCaptureDenied) {
		t.Errorf("Expected ErrCaptureDenied, got %v", err)
	}
}

func TestRecordingProducesChunks(t *testing.T) {
	s, _ := newSession(t, audio.FormatPCM)

	// Not recording: meter only
	if chunks := s.HandleFrame(audiotest.Loud(480)); chunks != nil {
		t.Fatal("Chunks produced while inactive")
	}
	if s.Level() < 0.4 {
		t.Errorf("Meter not fed while inactive: %v", s.Level())
	}

	start := time.Now()
	s.Start(start)
	if !s.Recording() || s.State().String() != "recording" {
		t.Fatal("Expected recording state")
	}

	// 10ms at 48kHz = 960 bytes
	chunks := s.HandleFrame(audiotest.Loud(600))
	if len(chunks) != 1 || len(chunks[0]) != 960 {
		t.Fatalf("Expected one 960-byte chunk, got %d", len(chunks))
	}
	if s.Elapsed(start.Add(time.Second)) != time.Second {
		t.Errorf("Unexpected elapsed %v", s.Elapsed(start.Add(time.Second)))
	}

	final := s.Stop()
	if len(final) != 240 {
		t.Errorf("Final chunk = %d bytes, want 240", len(final))
	}
	if s.Stop() != nil {
		t.Error("Second stop should return nothing")
	}
	if s.Stats().ChunksSent != 2 {
		t.Errorf("ChunksSent = %d, want 2", s.Stats().ChunksSent)
	}
}

func TestSuspendedFramesAreDiscarded(t *testing.T) {
	s, _ := newSession(t, audio.FormatWAV)
	s.Start(time.Now())

	// Buffered audio from before suspension is dropped too
	s.HandleFrame(audiotest.Loud(100))
	s.Suspend()
	for i := 0; i < 5; i++ {
		if chunks := s.HandleFrame(audiotest.Loud(1000)); chunks != nil {
			t.Fatal("Chunk produced while suspended")
		}
	}
	if s.Stop() != nil {
		t.Fatal("Stop while suspended should not return a chunk")
	}

	// Rapid toggling inside one chunk interval
	s.Start(time.Now())
	s.Suspend()
	s.HandleFrame(audiotest.Loud(50))
	s.Resume()
	s.HandleFrame(audiotest.Loud(30))

	clip, err := audio.DecodeWAV(s.Stop())
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(clip.Samples) != 30 {
		t.Errorf("Segment holds %d samples, want only the 30 captured after resume", len(clip.Samples))
	}
	if s.Stats().FramesDiscarded != 6 {
		t.Errorf("FramesDiscarded = %d, want 6", s.Stats().FramesDiscarded)
	}
}

func TestCloseReleasesSource(t *testing.T) {
	s, src := newSession(t, audio.FormatPCM)
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Start(time.Now())
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !src.Closed() || s.Recording() {
		t.Error("Close should stop recording and release the source")
	}
}
