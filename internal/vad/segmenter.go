// Package vad decides speech segment boundaries from loudness samples.
package vad

import (
	"time"
)

// Config holds the segmenter thresholds
type Config struct {
	SilenceThreshold float64       // RMS below this counts as silence (0.015)
	SilenceSamples   int           // consecutive silent samples that close a segment (3)
	MaxSegment       time.Duration // hard ceiling on a segment (3s)
}

// Decision is the outcome of one sample
type Decision int

const (
	None Decision = iota
	CloseSilence
	CloseMaxDuration
)

func (d Decision) String() string {
	switch d {
	case CloseSilence:
		return "silence"
	case CloseMaxDuration:
		return "max_duration"
	default:
		return "none"
	}
}

// Sample is one tick of the sampler
type Sample struct {
	Level     float64
	Suspended bool
	Recording bool
	Elapsed   time.Duration // time since the segment started recording
}

// Segmenter counts consecutive silent samples and enforces the ceiling
type Segmenter struct {
	config             Config
	consecutiveSilence int
	lastLevel          float64
	closed             uint64
}

// NewSegmenter creates a segmenter, filling zero config fields with defaults
func NewSegmenter(config Config) *Segmenter {
	if config.SilenceThreshold == 0 {
		config.SilenceThreshold = 0.015
	}
	if config.SilenceSamples == 0 {
		config.SilenceSamples = 3
	}
	if config.MaxSegment == 0 {
		config.MaxSegment = 3 * time.Second
	}
	return &Segmenter{config: config}
}

// Observe feeds one sample and reports whether the segment should close.
// The counter is zeroed while suspended so stale silence cannot close a
// segment the moment capture resumes.
func (s *Segmenter) Observe(sample Sample) Decision {
	s.lastLevel = sample.Level

	if sample.Suspended || !sample.Recording {
		s.consecutiveSilence = 0
		return None
	}

	if sample.Elapsed >= s.config.MaxSegment {
		s.close()
		return CloseMaxDuration
	}

	if sample.Level < s.config.SilenceThreshold {
		s.consecutiveSilence++
	} else {
		s.consecutiveSilence = 0
	}

	if s.consecutiveSilence >= s.config.SilenceSamples {
		s.close()
		return CloseSilence
	}
	return None
}

func (s *Segmenter) close() {
	s.consecutiveSilence = 0
	s.closed++
}

// Threshold is the level below which a sample counts as silence
func (s *Segmenter) Threshold() float64 {
	return s.config.SilenceThreshold
}

// Reset zeroes the silence counter
func (s *Segmenter) Reset() {
	s.consecutiveSilence = 0
}

// Stats holds segmenter counters
type Stats struct {
	ConsecutiveSilence int
	LastLevel          float64
	SegmentsClosed     uint64
}

// Stats returns current segmenter statistics
func (s *Segmenter) Stats() Stats {
	return Stats{
		ConsecutiveSilence: s.consecutiveSilence,
		LastLevel:          s.lastLevel,
		SegmentsClosed:     s.closed,
	}
}
