package call

import (
	"errors"
	"time"
)

// State of the conversation. Exactly one at a time.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	default:
		return "idle"
	}
}

// MarshalText lets snapshots carry the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotActive       = errors.New("no active call")
	ErrAlreadyStarted  = errors.New("call already started")
	ErrEnded           = errors.New("call ended")
	ErrNothingToReplay = errors.New("nothing to replay")
	ErrNotConnected    = errors.New("not connected")
)

// Snapshot is what the visual surface observes
type Snapshot struct {
	State      State     `json:"state"`
	Level      float64   `json:"level"`
	Error      string    `json:"error,omitempty"`
	Connected  bool      `json:"connected"`
	Recording  bool      `json:"recording"`
	Suspended  bool      `json:"suspended"`
	QueueDepth int       `json:"queue_depth"`
	Playing    bool      `json:"playing"`
	Segments   uint64    `json:"segments"`
	ChunksSent uint64    `json:"chunks_sent"`
	Reconnects uint64    `json:"reconnects"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Journal receives call events worth keeping after the call
type Journal interface {
	Record(kind string, fields map[string]interface{})
}

type nopJournal struct{}

func (nopJournal) Record(string, map[string]interface{}) {}
