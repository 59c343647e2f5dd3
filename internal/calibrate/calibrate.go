// Package calibrate measures background noise and speech levels on the
// local microphone and recommends a silence threshold.
package calibrate

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/feedback"
	"github.com/lucianHymer/voicecall/internal/logger"
)

// minThreshold keeps a recommendation from a digitally silent room valid
const minThreshold = 0.001

// Statistics holds level statistics over analysis windows
type Statistics struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	P5          float64 `json:"p5"`
	P95         float64 `json:"p95"`
	SampleCount int     `json:"sample_count"`

	levels []float64
}

// Analyze computes the RMS level of each window of pcm, the same measure
// the call's meter uses, and summarises them
func Analyze(pcm []byte, windowSamples int) Statistics {
	if windowSamples <= 0 {
		windowSamples = audio.DefaultWindowSamples
	}
	step := windowSamples * 2

	var levels []float64
	for off := 0; off+step <= len(pcm); off += step {
		levels = append(levels, audio.RMS(pcm[off:off+step]))
	}
	// Short recordings still get one window
	if len(levels) == 0 && len(pcm) >= 2 {
		levels = append(levels, audio.RMS(pcm))
	}
	if len(levels) == 0 {
		return Statistics{}
	}

	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)

	var sum float64
	for _, l := range sorted {
		sum += l
	}

	return Statistics{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Avg:         sum / float64(len(sorted)),
		P5:          percentile(sorted, 5),
		P95:         percentile(sorted, 95),
		SampleCount: len(sorted),
		levels:      levels,
	}
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// FractionAbove reports the share of windows at or above threshold
func (s Statistics) FractionAbove(threshold float64) float64 {
	if len(s.levels) == 0 {
		return 0
	}
	n := 0
	for _, l := range s.levels {
		if l >= threshold {
			n++
		}
	}
	return float64(n) / float64(len(s.levels))
}

// Recommend picks a threshold above the background: its P95 with a 50%
// margin, and never less than twice its average
func Recommend(background Statistics) float64 {
	threshold := math.Max(background.P95*1.5, background.Avg*2)
	if threshold < minThreshold {
		threshold = minThreshold
	}
	return threshold
}

// Wizard runs the calibration wizard
type Wizard struct {
	cfg      *config.Config
	source   audio.Source
	log      *logger.ContextLogger
	in       *bufio.Reader
	out      io.Writer
	duration time.Duration
}

// NewWizard creates a wizard reading prompts from stdin
func NewWizard(cfg *config.Config, source audio.Source, log *logger.Logger) *Wizard {
	return &Wizard{
		cfg:      cfg,
		source:   source,
		log:      log.With("calibrate"),
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		duration: 5 * time.Second,
	}
}

// Run records background and speech, prints the comparison and saves the
// recommended threshold to configPath when confirmed (or autoSave)
func (w *Wizard) Run(configPath string, autoSave bool) (float64, error) {
	w.println()
	w.println("🎤 Silence Threshold Calibration")
	w.println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	w.println()

	w.log.Info("Opening microphone...")
	if err := w.source.Open(audio.DefaultConstraints()); err != nil {
		return 0, fmt.Errorf("failed to open microphone: %w", err)
	}
	defer w.source.Close()

	w.println("Step 1/3: Background Noise Recording")
	w.println("  Be quiet and don't speak.")
	background, err := w.step()
	if err != nil {
		return 0, fmt.Errorf("failed to record background: %w", err)
	}

	w.println("Step 2/3: Speech Recording")
	w.println("  Speak normally into the microphone.")
	speech, err := w.step()
	if err != nil {
		return 0, fmt.Errorf("failed to record speech: %w", err)
	}

	w.println("Step 3/3: Analysis")
	w.visualizeComparison(background, speech)

	threshold := Recommend(background)
	fmt.Fprintf(w.out, "\n  📊 Recommended silence threshold: %.4f (current %.4f)\n",
		threshold, w.cfg.VAD.SilenceThreshold)
	fmt.Fprintf(w.out, "     (~%.0f%% of background windows, ~%.0f%% of speech windows above it)\n\n",
		background.FractionAbove(threshold)*100, speech.FractionAbove(threshold)*100)

	if speech.Avg <= threshold {
		w.log.Warn("Speech was not clearly louder than the background; segments may not close on silence")
	}

	if !autoSave {
		fmt.Fprintf(w.out, "  💾 Save to %s? [Y/n] ", configPath)
		response := strings.TrimSpace(w.readLine())
		if response != "" && !strings.EqualFold(response, "y") {
			fmt.Fprintf(w.out, "  ℹ️  Not saved. Set vad.silence_threshold: %.4f manually.\n\n", threshold)
			return threshold, nil
		}
	}

	if err := config.UpdateSilenceThreshold(configPath, threshold); err != nil {
		return threshold, fmt.Errorf("failed to save config: %w", err)
	}
	w.println("  ✓ Config updated successfully!")
	w.println()
	return threshold, nil
}

// step waits for Enter, then records and analyses one phase
func (w *Wizard) step() (Statistics, error) {
	fmt.Fprint(w.out, "  Press Enter when ready...")
	w.readLine()

	fmt.Fprintf(w.out, "  Recording for %v...\n", w.duration)
	pcm, err := w.recordAudio(w.duration)
	if err != nil {
		return Statistics{}, err
	}
	if len(pcm) == 0 {
		return Statistics{}, fmt.Errorf("no audio captured")
	}

	stats := Analyze(pcm, audio.DefaultWindowSamples)
	w.log.Debug("Analyzed %d windows (avg %.4f)", stats.SampleCount, stats.Avg)
	fmt.Fprintf(w.out, "  ✓ Done\n\n")
	return stats, nil
}

// recordAudio discards anything captured while waiting at the prompt and
// then collects frames for duration
func (w *Wizard) recordAudio(duration time.Duration) ([]byte, error) {
	frames := w.source.Frames()
	for drained := false; !drained; {
		select {
		case _, ok := <-frames:
			if !ok {
				return nil, fmt.Errorf("microphone stream ended")
			}
		default:
			drained = true
		}
	}

	var all []byte
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	dots := time.NewTicker(time.Second)
	defer dots.Stop()

	fmt.Fprint(w.out, "  ")
	defer fmt.Fprintln(w.out)

	for {
		select {
		case pcm, ok := <-frames:
			if !ok {
				return all, nil
			}
			all = append(all, pcm...)
		case <-dots.C:
			fmt.Fprint(w.out, ".")
		case <-deadline.C:
			return all, nil
		}
	}
}

func (w *Wizard) readLine() string {
	line, _ := w.in.ReadString('\n')
	return line
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

// visualizeComparison shows background against speech levels
func (w *Wizard) visualizeComparison(background, speech Statistics) {
	w.println("  Background Noise:")
	fmt.Fprintf(w.out, "    Min: %.4f  |  Avg: %.4f  |  Max: %.4f  |  P95: %.4f\n",
		background.Min, background.Avg, background.Max, background.P95)

	w.println("\n  Speech:")
	fmt.Fprintf(w.out, "    Min: %.4f  |  Avg: %.4f  |  Max: %.4f  |  P5: %.4f\n",
		speech.Min, speech.Avg, speech.Max, speech.P5)

	maxVal := math.Max(background.Avg, speech.Avg) * 1.2
	if maxVal == 0 {
		maxVal = 1
	}

	bgBar := int((background.Avg / maxVal) * 30)
	speechBar := int((speech.Avg / maxVal) * 30)

	w.println("\n  Visual Comparison (Average Level):")
	w.println("    Background: " + feedback.Bar(bgBar, 30))
	w.println("    Speech:     " + feedback.Bar(speechBar, 30))
}
