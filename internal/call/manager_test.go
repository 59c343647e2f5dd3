package call

import (
	"context"
	"errors"
	"testing"

	"github.com/lucianHymer/voicecall/internal/logger"
)

func TestManagerSingleCall(t *testing.T) {
	var built []*harness
	m := NewManager(func() (*Call, error) {
		h := newHarness(t, false, nil)
		built = append(built, h)
		return h.call, nil
	}, logger.Discard())

	if m.Active() {
		t.Fatal("New manager should be idle")
	}
	if err := m.ForceSend(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if len(built) != 1 {
		t.Fatalf("Factory called %d times, want 1", len(built))
	}

	<-built[0].dialer.Dialed
	waitFor(t, "listening", func() bool { return m.Snapshot().State == Listening })

	if err := m.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if m.Active() {
		t.Error("Manager still active after End")
	}
	if err := m.End(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive on second End, got %v", err)
	}
	if s := m.Snapshot(); s.State != Idle || s.StartedAt.IsZero() {
		t.Errorf("Expected last call's idle snapshot, got %+v", s)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if len(built) != 2 {
		t.Errorf("Expected a fresh call, factory called %d times", len(built))
	}
	m.End()
}

func TestManagerKeepsFailedSnapshot(t *testing.T) {
	m := NewManager(func() (*Call, error) {
		h := newHarness(t, false, nil)
		h.src.OpenErr = errors.New("no device")
		return h.call, nil
	}, logger.Discard())

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Expected start failure")
	}
	if m.Active() {
		t.Error("Failed call should not be active")
	}
	if s := m.Snapshot(); s.Error == "" {
		t.Error("Snapshot should carry the capture error")
	}
}

func TestManagerFactoryError(t *testing.T) {
	boom := errors.New("no audio backend")
	m := NewManager(func() (*Call, error) { return nil, boom }, logger.Discard())

	if err := m.Start(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected factory error, got %v", err)
	}
}
