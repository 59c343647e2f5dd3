package call

import (
	"context"
	"sync"

	"github.com/lucianHymer/voicecall/internal/logger"
)

// Factory builds a fresh call with its own devices and transport
type Factory func() (*Call, error)

// Manager holds at most one active call at a time
type Manager struct {
	mu      sync.Mutex
	factory Factory
	current *Call
	last    Snapshot
	logger  *logger.ContextLogger
}

// NewManager creates a manager that builds calls with factory
func NewManager(factory Factory, log *logger.Logger) *Manager {
	return &Manager{factory: factory, logger: log.With("manager")}
}

// Start builds and starts a new call. ctx bounds the call, not the request
// that started it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		select {
		case <-m.current.Done():
			m.current = nil
		default:
			return ErrAlreadyStarted
		}
	}

	c, err := m.factory()
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		m.last = c.Snapshot()
		return err
	}

	m.current = c
	return nil
}

// End stops the active call
func (m *Manager) End() error {
	m.mu.Lock()
	c := m.current
	m.current = nil
	m.mu.Unlock()

	if c == nil {
		return ErrNotActive
	}
	err := c.End()

	m.mu.Lock()
	m.last = c.Snapshot()
	m.mu.Unlock()
	return err
}

// Active reports whether a call is running
func (m *Manager) Active() bool {
	return m.call() != nil
}

func (m *Manager) call() *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	select {
	case <-m.current.Done():
		m.last = m.current.Snapshot()
		m.current = nil
		return nil
	default:
		return m.current
	}
}

// ForceSend closes the active call's segment
func (m *Manager) ForceSend() error {
	c := m.call()
	if c == nil {
		return ErrNotActive
	}
	return c.ForceSend()
}

// Replay replays the active call's last URL
func (m *Manager) Replay() error {
	c := m.call()
	if c == nil {
		return ErrNotActive
	}
	return c.Replay()
}

// Snapshot of the active call, or of the last one once it has ended
func (m *Manager) Snapshot() Snapshot {
	if c := m.call(); c != nil {
		return c.Snapshot()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
