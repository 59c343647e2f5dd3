package vad

import (
	"testing"
	"time"
)

const tick = 150 * time.Millisecond

func recording(level float64, elapsed time.Duration) Sample {
	return Sample{Level: level, Recording: true, Elapsed: elapsed}
}

func TestSilenceClosesAfterThreeSamples(t *testing.T) {
	s := NewSegmenter(Config{})

	elapsed := time.Duration(0)
	for i := 0; i < 7; i++ {
		elapsed += tick
		if d := s.Observe(recording(0.2, elapsed)); d != None {
			t.Fatalf("Loud sample %d closed the segment: %v", i, d)
		}
	}

	for i := 0; i < 2; i++ {
		elapsed += tick
		if d := s.Observe(recording(0.001, elapsed)); d != None {
			t.Fatalf("Closed after only %d silent samples", i+1)
		}
	}
	elapsed += tick
	if d := s.Observe(recording(0.001, elapsed)); d != CloseSilence {
		t.Fatalf("Expected CloseSilence on third silent sample, got %v", d)
	}
	if s.Stats().ConsecutiveSilence != 0 || s.Stats().SegmentsClosed != 1 {
		t.Errorf("Counter not reset after close: %+v", s.Stats())
	}
}

func TestLoudSampleResetsCounter(t *testing.T) {
	s := NewSegmenter(Config{})

	s.Observe(recording(0.001, tick))
	s.Observe(recording(0.001, 2*tick))
	s.Observe(recording(0.5, 3*tick))
	s.Observe(recording(0.001, 4*tick))
	if d := s.Observe(recording(0.001, 5*tick)); d != None {
		t.Errorf("Loud sample should have reset the count, got %v", d)
	}
}

func TestThresholdIsStrict(t *testing.T) {
	s := NewSegmenter(Config{})
	for i := 1; i <= 5; i++ {
		if d := s.Observe(recording(0.015, time.Duration(i)*tick)); d != None {
			t.Fatalf("Level equal to threshold counted as silence")
		}
	}
}

func TestSuspendedNeverCloses(t *testing.T) {
	s := NewSegmenter(Config{})

	s.Observe(recording(0.001, tick))
	s.Observe(recording(0.001, 2*tick))

	for i := 0; i < 10; i++ {
		d := s.Observe(Sample{Level: 0, Suspended: true, Recording: true, Elapsed: 10 * time.Second})
		if d != None {
			t.Fatalf("Segment closed while suspended: %v", d)
		}
	}
	if s.Stats().ConsecutiveSilence != 0 {
		t.Errorf("Counter should be zero while suspended, got %d", s.Stats().ConsecutiveSilence)
	}

	// Resumed: needs a fresh run of three
	if d := s.Observe(recording(0.001, tick)); d != None {
		t.Errorf("Stale silence closed the segment on resume")
	}
}

func TestNotRecordingDoesNotCount(t *testing.T) {
	s := NewSegmenter(Config{})
	for i := 0; i < 5; i++ {
		if d := s.Observe(Sample{Level: 0}); d != None {
			t.Fatalf("Closed while not recording: %v", d)
		}
	}
}

func TestHardCeiling(t *testing.T) {
	s := NewSegmenter(Config{MaxSegment: 3 * time.Second})

	var closedAt time.Duration
	for elapsed := tick; elapsed <= 5*time.Second; elapsed += tick {
		if d := s.Observe(recording(0.4, elapsed)); d != None {
			if d != CloseMaxDuration {
				t.Fatalf("Expected CloseMaxDuration, got %v", d)
			}
			closedAt = elapsed
			break
		}
	}

	if closedAt < 3*time.Second || closedAt > 3*time.Second+tick {
		t.Errorf("Closed at %v, want within one tick of 3s", closedAt)
	}
}

func TestDecisionString(t *testing.T) {
	if CloseSilence.String() != "silence" || CloseMaxDuration.String() != "max_duration" || None.String() != "none" {
		t.Error("Unexpected decision names")
	}
}
