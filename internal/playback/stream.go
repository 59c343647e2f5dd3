package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/lucianHymer/voicecall/internal/audio"
)

// StreamStrategy hands the unit to an ffplay subprocess, which handles
// containers and codecs the buffer path cannot decode
type StreamStrategy struct {
	Path        string // ffplay executable
	InboundRate int    // rate of headerless PCM
	LogLevel    string
}

// NewStreamStrategy creates the fallback playback path
func NewStreamStrategy(path string, inboundRate int) *StreamStrategy {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	return &StreamStrategy{Path: path, InboundRate: inboundRate, LogLevel: "error"}
}

func (s *StreamStrategy) Name() string { return "stream" }

// Args builds the ffplay command line for ref
func (s *StreamStrategy) Args(ref Ref, volume float64) []string {
	args := []string{
		"-nodisp", "-autoexit",
		"-loglevel", s.LogLevel,
		"-volume", strconv.Itoa(int(volume*100 + 0.5)),
	}

	if ref.URL != "" {
		return append(args, ref.URL)
	}
	if !audio.IsWAV(ref.Audio) {
		// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(s.InboundRate), "-ch_layout", "mono")
	}
	return append(args, "-i", "pipe:0")
}

func (s *StreamStrategy) Play(ctx context.Context, ref Ref, volume float64) error {
	if _, err := exec.LookPath(s.Path); err != nil {
		return fmt.Errorf("%w: %s not available: %v", ErrPlaybackStart, s.Path, err)
	}

	cmd := exec.CommandContext(ctx, s.Path, s.Args(ref, volume)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if ref.URL == "" {
		cmd.Stdin = bytes.NewReader(ref.Audio)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackStart, err)
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		return fmt.Errorf("%w: ffplay: %v %s", ErrDecode, err, msg)
	}
	return nil
}
