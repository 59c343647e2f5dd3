package calibrate

import (
	"bufio"
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/audio/audiotest"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/logger"
)

func constant(n int, amplitude int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.SamplesToBytes(samples)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestAnalyze(t *testing.T) {
	var pcm []byte
	for i := 1; i <= 10; i++ {
		pcm = append(pcm, constant(2048, int16(328*i))...)
	}

	stats := Analyze(pcm, 2048)
	if stats.SampleCount != 10 {
		t.Fatalf("Expected 10 windows, got %d", stats.SampleCount)
	}
	if !near(stats.Min, 328.0/32768) || !near(stats.Max, 3280.0/32768) {
		t.Errorf("Unexpected min/max %v %v", stats.Min, stats.Max)
	}
	if !near(stats.Avg, 328.0*5.5/32768) {
		t.Errorf("Unexpected avg %v", stats.Avg)
	}
	if !near(stats.P5, stats.Min) || !near(stats.P95, stats.Max) {
		t.Errorf("Unexpected percentiles p5=%v p95=%v", stats.P5, stats.P95)
	}
	if got := stats.FractionAbove(328.0 * 8 / 32768); !near(got, 0.3) {
		t.Errorf("Expected 30%% above, got %v", got)
	}
}

func TestAnalyzeShortAndEmpty(t *testing.T) {
	if s := Analyze(constant(100, 1000), 2048); s.SampleCount != 1 {
		t.Errorf("Short recording should yield one window, got %d", s.SampleCount)
	}
	if s := Analyze(nil, 2048); s.SampleCount != 0 || s.FractionAbove(0.1) != 0 {
		t.Errorf("Empty recording should yield nothing, got %+v", s)
	}
}

func TestRecommend(t *testing.T) {
	if got := Recommend(Statistics{Avg: 0.004, P95: 0.01}); !near(got, 0.015) {
		t.Errorf("Expected P95 x 1.5, got %v", got)
	}
	if got := Recommend(Statistics{Avg: 0.01, P95: 0.011}); !near(got, 0.02) {
		t.Errorf("Expected avg x 2 floor, got %v", got)
	}
	if got := Recommend(Statistics{}); got != minThreshold {
		t.Errorf("Expected minimum threshold for silence, got %v", got)
	}
}

// phaseWriter switches the fake microphone to speech when the wizard asks
// the user to speak
type phaseWriter struct {
	bytes.Buffer
	loud *atomic.Bool
}

func (p *phaseWriter) Write(b []byte) (int, error) {
	if strings.Contains(string(b), "Speak normally") {
		p.loud.Store(true)
	}
	return p.Buffer.Write(b)
}

func TestWizardRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("call:\n  voice_id: aria\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	src := audiotest.NewSource()
	var loud atomic.Bool
	out := &phaseWriter{loud: &loud}

	w := NewWizard(config.Default(), src, logger.Discard())
	w.in = bufio.NewReader(strings.NewReader("\n\n\n"))
	w.out = out
	w.duration = 60 * time.Millisecond

	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			if loud.Load() {
				src.Push(audiotest.Loud(480))
			} else {
				src.Push(constant(480, 100))
			}
		}
	}()

	threshold, err := w.Run(path, false)
	close(stop)
	for drained := false; !drained; {
		select {
		case <-src.Frames():
		case <-fed:
			drained = true
		}
	}
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := 200.0 / 32768
	if !near(threshold, want) {
		t.Errorf("Expected threshold %v, got %v", want, threshold)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if !near(cfg.VAD.SilenceThreshold, want) || cfg.Call.VoiceID != "aria" {
		t.Errorf("Config not updated correctly: %+v %+v", cfg.VAD, cfg.Call)
	}
	if !src.Closed() {
		t.Error("Microphone not released")
	}
	if !strings.Contains(out.String(), "Config updated") {
		t.Errorf("Missing confirmation in output:\n%s", out.String())
	}
}

func TestWizardNothingCaptured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("vad:\n  silence_threshold: 0.02\n"), 0644)

	src := audiotest.NewSource()
	for i := 0; i < 8; i++ {
		src.Push(constant(480, 100))
	}

	w := NewWizard(config.Default(), src, logger.Discard())
	w.in = bufio.NewReader(strings.NewReader("\n\nn\n"))
	w.out = &bytes.Buffer{}
	w.duration = 20 * time.Millisecond

	// Frames queued before the prompt are discarded, so nothing is recorded
	if _, err := w.Run(path, false); err == nil {
		t.Fatal("Expected an error when nothing is captured")
	}

	cfg, _ := config.Load(path)
	if cfg.VAD.SilenceThreshold != 0.02 {
		t.Errorf("Threshold should be unchanged, got %v", cfg.VAD.SilenceThreshold)
	}
}

func TestWizardOpenFailure(t *testing.T) {
	src := audiotest.NewSource()
	src.OpenErr = audio.ErrCaptureDenied

	w := NewWizard(config.Default(), src, logger.Discard())
	w.out = &bytes.Buffer{}
	if _, err := w.Run("unused.yaml", true); err == nil {
		t.Fatal("Expected open failure")
	}
}
