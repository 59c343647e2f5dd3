package feedback

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/lucianHymer/voicecall/internal/call"
)

// Meter draws a single-line level bar on a terminal
type Meter struct {
	w     io.Writer
	width int
	gain  float64
	last  string
}

// NewMeter writes to w. Levels are multiplied by gain before drawing so
// normal speech fills most of the bar.
func NewMeter(w io.Writer, width int, gain float64) *Meter {
	if width <= 0 {
		width = 30
	}
	if gain <= 0 {
		gain = 4
	}
	return &Meter{w: w, width: width, gain: gain}
}

func (m *Meter) Publish(s call.Snapshot) {
	line := m.render(s)
	if line == m.last {
		return
	}
	m.last = line
	fmt.Fprint(m.w, "\r"+line)
}

func (m *Meter) render(s call.Snapshot) string {
	filled := int(math.Round(math.Min(s.Level*m.gain, 1) * float64(m.width)))
	if s.State == call.Idle {
		filled = 0
	}

	var flags []string
	if !s.Connected && s.State != call.Idle {
		flags = append(flags, "offline")
	}
	if s.Suspended {
		flags = append(flags, "muted")
	}

	line := fmt.Sprintf("%-9s %s", s.State, Bar(filled, m.width))
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	if s.Error != "" {
		line += " ! " + s.Error
	}
	// Pad so a shorter line erases the previous one
	return fmt.Sprintf("%-80s", line)
}

// Bar renders filled cells out of total
func Bar(filled, total int) string {
	if filled < 0 {
		filled = 0
	}
	if filled > total {
		filled = total
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", total-filled)
}
