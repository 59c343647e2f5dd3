package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/protocol"
)

// State of a transport session
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// EventKind tags a session event
type EventKind int

const (
	EventOpen EventKind = iota
	EventFrame
	EventClosed
)

// Event is posted to the owner's channel. Gen identifies the session that
// produced it so the owner can drop events from a superseded session.
type Event struct {
	Gen   uint64
	Kind  EventKind
	Frame Frame
	Err   error
}

// Config for one session
type Config struct {
	URL               string
	Setup             protocol.ConfigFrame
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

// Session runs one connection: dial, config frame, keepalive, read loop.
// A new Session is created for every reconnect.
type Session struct {
	gen    uint64
	dialer Dialer
	config Config
	events chan<- Event
	logger *logger.ContextLogger

	mu     sync.Mutex
	state  State
	conn   Conn
	cancel context.CancelFunc

	writeMu  sync.Mutex
	done     chan struct{} // closed by the owner
	stop     chan struct{} // closed when the connection goes away
	finished chan struct{}

	ownerOnce sync.Once
	stopOnce  sync.Once
	failOnce  sync.Once

	sent uint64
}

// NewSession creates a session that posts its events to events
func NewSession(gen uint64, dialer Dialer, config Config, events chan<- Event, log *logger.Logger) *Session {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = 5 * time.Second
	}
	return &Session{
		gen:      gen,
		dialer:   dialer,
		config:   config,
		events:   events,
		logger:   log.With("transport"),
		state:    Connecting,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start dials in the background
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.finished)

	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.config.URL)
	cancelDial()
	if err != nil {
		s.setState(Closed)
		s.deliver(Event{Kind: EventClosed, Err: err})
		return
	}

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	// Config goes out before the session is marked open so no audio can
	// precede it
	if err := s.writeJSON(s.config.Setup); err != nil {
		s.fail(&Error{Op: "config", URL: s.config.URL, Err: err})
		return
	}

	s.setState(Open)
	s.logger.Info("Session open (%s)", s.config.URL)
	if !s.deliver(Event{Kind: EventOpen}) {
		return
	}

	go s.keepalive()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.fail(&Error{Op: "read", URL: s.config.URL, Err: err})
			return
		}
		if !s.deliver(Event{Kind: EventFrame, Frame: frame}) {
			return
		}
	}
}

// deliver hands ev to the owner, giving up once the session is closed
func (s *Session) deliver(ev Event) bool {
	ev.Gen = s.gen
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// fail closes the connection and reports it once, unless the owner
// closed it
func (s *Session) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.failOnce.Do(func() {
		s.logger.Warn("Session closed: %v", err)
		s.shutdown()
		s.deliver(Event{Kind: EventClosed, Err: err})
	})
}

func (s *Session) keepalive() {
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.State() != Open {
			continue
		}
		if err := s.writeJSON(protocol.NewPing(time.Now())); err != nil {
			s.logger.Debug("Keepalive failed: %v", err)
		}
	}
}

// SendAudio writes one encoded chunk as a binary frame
func (s *Session) SendAudio(chunk []byte) error {
	if s.State() != Open {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	err := s.conn.WriteBinary(chunk)
	if err == nil {
		s.sent++
	}
	s.writeMu.Unlock()

	if err != nil {
		err = &Error{Op: "write", URL: s.config.URL, Err: err}
		go s.fail(err)
		return err
	}
	return nil
}

// SendForce tells the service the segment was cut short on purpose
func (s *Session) SendForce(now time.Time) error {
	if s.State() != Open {
		return ErrNotOpen
	}
	return s.writeJSON(protocol.NewForce(now))
}

func (s *Session) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteText(data)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Gen returns the generation this session was created with
func (s *Session) Gen() uint64 { return s.gen }

// ChunksSent counts binary frames written
func (s *Session) ChunksSent() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sent
}

func (s *Session) shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		s.state = Closed
		conn := s.conn
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Close ends the session without reporting a close event
func (s *Session) Close() error {
	s.ownerOnce.Do(func() { close(s.done) })
	err := s.shutdown()

	s.mu.Lock()
	started := s.cancel != nil
	s.mu.Unlock()
	if started {
		select {
		case <-s.finished:
		case <-time.After(2 * time.Second):
			s.logger.Warn("Session goroutine did not exit")
		}
	}
	return err
}
