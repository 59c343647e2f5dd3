package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/logger"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []call.Snapshot
}

func (r *recordingSink) Publish(s call.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestPumpFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	source := func() call.Snapshot { return call.Snapshot{State: call.Listening, Level: 0.2} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p := NewPump(source, 5*time.Millisecond, logger.Discard(), a, b)
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for (a.count() < 3 || b.count() < 3) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if a.count() < 3 || b.count() < 3 {
		t.Fatalf("Expected at least 3 snapshots per sink, got %d and %d", a.count(), b.count())
	}
	if a.snaps[0].State != call.Listening {
		t.Errorf("Unexpected snapshot %+v", a.snaps[0])
	}
}

func TestPumpWithoutSinksReturns(t *testing.T) {
	p := NewPump(func() call.Snapshot { return call.Snapshot{} }, 0, logger.Discard())
	if p.interval != DefaultInterval {
		t.Errorf("Expected default interval, got %v", p.interval)
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump with no sinks should return immediately")
	}
}

func TestMeterRender(t *testing.T) {
	var buf bytes.Buffer
	m := NewMeter(&buf, 10, 4)

	m.Publish(call.Snapshot{State: call.Listening, Level: 0.125, Connected: true})
	out := buf.String()
	if !strings.HasPrefix(out, "\rlistening") {
		t.Errorf("Unexpected meter line %q", out)
	}
	if !strings.Contains(out, Bar(5, 10)) {
		t.Errorf("Expected half-full bar in %q", out)
	}

	// Same frame again draws nothing
	m.Publish(call.Snapshot{State: call.Listening, Level: 0.125, Connected: true})
	if buf.String() != out {
		t.Error("Unchanged snapshot should not redraw")
	}

	buf.Reset()
	m.Publish(call.Snapshot{State: call.Speaking, Suspended: true, Error: "connection lost"})
	out = buf.String()
	for _, want := range []string{"speaking", "offline", "muted", "! connection lost"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
}

func TestBar(t *testing.T) {
	if got := Bar(3, 5); got != "███░░" {
		t.Errorf("Bar(3, 5) = %q", got)
	}
	if got := Bar(9, 3); got != "███" {
		t.Errorf("Bar clamps overflow, got %q", got)
	}
	if got := Bar(-1, 2); got != "░░" {
		t.Errorf("Bar clamps negatives, got %q", got)
	}
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu        sync.Mutex
	open      bool
	published [][]byte
	topics    []string
	retained  []bool
	err       error
}

func (f *fakeClient) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.retained = append(f.retained, retained)
	f.published = append(f.published, payload.([]byte))
	return &fakeToken{err: f.err}
}

func (f *fakeClient) Disconnect(uint) {}

func TestMQTTSinkPublishesChanges(t *testing.T) {
	client := &fakeClient{open: true}
	sink := newMQTTSink(client, "voicecall/state", logger.Discard())

	sink.Publish(call.Snapshot{State: call.Listening, Connected: true, Level: 0.1})
	sink.Publish(call.Snapshot{State: call.Listening, Connected: true, Level: 0.4, Segments: 3})
	sink.Publish(call.Snapshot{State: call.Thinking, Connected: true})

	if len(client.published) != 2 {
		t.Fatalf("Expected 2 publishes, got %d", len(client.published))
	}
	if client.topics[0] != "voicecall/state" || !client.retained[0] {
		t.Errorf("Expected retained publish to voicecall/state, got %s %v", client.topics[0], client.retained[0])
	}

	var msg StateMessage
	if err := json.Unmarshal(client.published[1], &msg); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	var raw map[string]interface{}
	json.Unmarshal(client.published[1], &raw)
	if raw["state"] != "thinking" || !msg.Connected || msg.Timestamp == 0 {
		t.Errorf("Unexpected payload %s", client.published[1])
	}
}

func TestMQTTSinkWaitsForConnection(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	sink := newMQTTSink(client, "voicecall/state", logger.Discard())

	sink.Publish(call.Snapshot{State: call.Listening})
	if len(client.published) != 0 {
		t.Fatal("Should not publish while disconnected")
	}

	client.open = true
	client.err = nil
	sink.Publish(call.Snapshot{State: call.Listening})
	if len(client.published) != 1 {
		t.Fatalf("Expected first publish once connected, got %d", len(client.published))
	}
}
