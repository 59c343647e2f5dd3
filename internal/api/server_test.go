package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/logger"
)

type fakeController struct {
	mu        sync.Mutex
	startErr  error
	endErr    error
	forceErr  error
	replayErr error
	active    bool
	snap      call.Snapshot
	startCtx  context.Context
}

func (f *fakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCtx = ctx
	if f.startErr == nil {
		f.active = true
	}
	return f.startErr
}

func (f *fakeController) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return f.endErr
}

func (f *fakeController) ForceSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceErr
}

func (f *fakeController) Replay() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replayErr
}

func (f *fakeController) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeController) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func newTestServer(t *testing.T, ctrl Controller) (*Server, *httptest.Server) {
	t.Helper()
	s := New("127.0.0.1:0", ctrl, logger.Discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, &fakeController{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Post(ts.URL+"/health", "", nil)
	if err != nil {
		t.Fatalf("POST /health failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp2.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl)

	code, body := post(t, ts.URL+"/start")
	if code != http.StatusOK || body["status"] != "started" {
		t.Fatalf("Unexpected start response %d %v", code, body)
	}
	var startCtx context.Context
	ctrl.set(func() { startCtx = ctrl.startCtx })
	if startCtx == nil || startCtx.Done() != nil {
		t.Error("Call context should not be cancelled with the request")
	}

	ctrl.set(func() { ctrl.startErr = call.ErrAlreadyStarted })
	if _, body := post(t, ts.URL+"/start"); body["status"] != "already_running" {
		t.Errorf("Expected already_running, got %v", body)
	}

	if _, body := post(t, ts.URL+"/stop"); body["status"] != "stopped" {
		t.Errorf("Expected stopped, got %v", body)
	}

	ctrl.set(func() { ctrl.endErr = call.ErrNotActive })
	if _, body := post(t, ts.URL+"/stop"); body["status"] != "not_running" {
		t.Errorf("Expected not_running, got %v", body)
	}
}

func TestStartCaptureDenied(t *testing.T) {
	ctrl := &fakeController{startErr: fmt.Errorf("%w: no microphone", audio.ErrCaptureDenied)}
	_, ts := newTestServer(t, ctrl)

	code, body := post(t, ts.URL+"/start")
	if code != http.StatusForbidden || body["status"] != "capture_denied" {
		t.Errorf("Unexpected response %d %v", code, body)
	}
	if !strings.Contains(body["error"], "no microphone") {
		t.Errorf("Expected error detail, got %v", body)
	}
}

func TestActions(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl)

	if code, body := post(t, ts.URL+"/force"); code != http.StatusOK || body["status"] != "forced" {
		t.Errorf("Unexpected force response %d %v", code, body)
	}
	if code, body := post(t, ts.URL+"/replay"); code != http.StatusOK || body["status"] != "replaying" {
		t.Errorf("Unexpected replay response %d %v", code, body)
	}

	ctrl.set(func() {
		ctrl.forceErr = call.ErrNotConnected
		ctrl.replayErr = call.ErrNothingToReplay
	})
	if code, _ := post(t, ts.URL+"/force"); code != http.StatusConflict {
		t.Errorf("Expected 409 for force while disconnected, got %d", code)
	}
	if code, _ := post(t, ts.URL+"/replay"); code != http.StatusConflict {
		t.Errorf("Expected 409 for empty replay, got %d", code)
	}

	ctrl.set(func() { ctrl.forceErr = errors.New("boom") })
	if code, _ := post(t, ts.URL+"/force"); code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", code)
	}
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{active: true, snap: call.Snapshot{State: call.Thinking, Connected: true}}
	_, ts := newTestServer(t, ctrl)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Running bool `json:"running"`
		Call    struct {
			State     string `json:"state"`
			Connected bool   `json:"connected"`
		} `json:"call"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Bad status body: %v", err)
	}
	if !body.Running || body.Call.State != "thinking" || !body.Call.Connected {
		t.Errorf("Unexpected status %+v", body)
	}
}

func TestEventsStream(t *testing.T) {
	ctrl := &fakeController{snap: call.Snapshot{State: call.Listening}}
	s, ts := newTestServer(t, ctrl)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("Failed to read initial snapshot: %v", err)
	}
	if first["state"] != "listening" {
		t.Errorf("Expected initial listening snapshot, got %v", first)
	}

	s.Publish(call.Snapshot{State: call.Speaking, Playing: true})

	var next map[string]interface{}
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}
	if next["state"] != "speaking" || next["playing"] != true {
		t.Errorf("Unexpected broadcast %v", next)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected stream to close on Stop")
	}
}
