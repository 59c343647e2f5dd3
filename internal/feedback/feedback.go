// Package feedback renders call state for the user: a terminal level
// meter, an MQTT state topic, and anything else that implements Sink.
package feedback

import (
	"context"
	"time"

	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/logger"
)

// DefaultInterval is roughly one display frame
const DefaultInterval = 33 * time.Millisecond

// Sink receives snapshots at display rate. Publish must not block.
type Sink interface {
	Publish(call.Snapshot)
}

// Pump polls a snapshot source and fans it out to sinks
type Pump struct {
	source   func() call.Snapshot
	sinks    []Sink
	interval time.Duration
	logger   *logger.ContextLogger
}

// NewPump creates a pump; interval <= 0 uses DefaultInterval
func NewPump(source func() call.Snapshot, interval time.Duration, log *logger.Logger, sinks ...Sink) *Pump {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pump{
		source:   source,
		sinks:    sinks,
		interval: interval,
		logger:   log.With("feedback"),
	}
}

// Run publishes until ctx is done
func (p *Pump) Run(ctx context.Context) {
	if len(p.sinks) == 0 {
		return
	}

	p.logger.Debug("Feedback pump running (%d sinks, every %v)", len(p.sinks), p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.source()
			for _, s := range p.sinks {
				s.Publish(snap)
			}
		}
	}
}
