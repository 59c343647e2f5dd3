package playback

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/lucianHymer/voicecall/internal/logger"
)

var (
	// ErrDecode means the audio could not be turned into a playable buffer
	ErrDecode = errors.New("decode failure")
	// ErrPlaybackStart means the output refused to start; handled like ErrDecode
	ErrPlaybackStart = errors.New("playback start failure")
)

// Strategy is one way of playing a Ref
type Strategy interface {
	Name() string
	// Play blocks until the audio finishes or ctx is cancelled
	Play(ctx context.Context, ref Ref, volume float64) error
}

// Failure records one strategy that did not play the unit
type Failure struct {
	Strategy string
	Err      error
}

// Result of playing one unit
type Result struct {
	Strategy  string // empty when nothing played
	Failures  []Failure
	Cancelled bool
}

// OK reports whether some strategy played the unit
func (r Result) OK() bool { return r.Strategy != "" }

// Err combines every strategy failure
func (r Result) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f.Err)
	}
	return result.ErrorOrNil()
}

// Player tries its strategies in order until one succeeds
type Player struct {
	strategies []Strategy
	logger     *logger.ContextLogger
}

// NewPlayer creates a player; the first strategy is the primary path
func NewPlayer(log *logger.Logger, strategies ...Strategy) *Player {
	return &Player{strategies: strategies, logger: log.With("playback")}
}

// Play runs ref through the strategies. A cancelled context stops the
// attempt without trying the remaining strategies.
func (p *Player) Play(ctx context.Context, ref Ref, volume float64) Result {
	var result Result

	for _, s := range p.strategies {
		err := s.Play(ctx, ref, volume)
		if err == nil {
			result.Strategy = s.Name()
			if len(result.Failures) > 0 {
				p.logger.Debug("Played %s via %s after %d failure(s)", ref, s.Name(), len(result.Failures))
			}
			return result
		}

		if ctx.Err() != nil {
			result.Cancelled = true
			return result
		}

		p.logger.Warn("%s failed for %s: %v", s.Name(), ref, err)
		result.Failures = append(result.Failures, Failure{Strategy: s.Name(), Err: err})
	}

	p.logger.Error("Dropping %s: every playback path failed", ref)
	return result
}
