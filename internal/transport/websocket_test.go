package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/lucianHymer/voicecall/internal/transport"
)

func TestWebSocketConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan int, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- mt
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","status":"thinking"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9})
		conn.ReadMessage()
	}))
	defer srv.Close()

	d := &transport.WebSocketDialer{}
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteText([]byte(`{"type":"ping","t":1}`)); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if err := conn.WriteBinary([]byte{1}); err != nil {
		t.Fatalf("WriteBinary failed: %v", err)
	}
	if mt := <-received; mt != websocket.TextMessage {
		t.Errorf("First message type = %d, want text", mt)
	}
	if mt := <-received; mt != websocket.BinaryMessage {
		t.Errorf("Second message type = %d, want binary", mt)
	}

	f, err := conn.ReadFrame()
	if err != nil || f.Binary || !strings.Contains(string(f.Data), "thinking") {
		t.Fatalf("Unexpected text frame %+v, %v", f, err)
	}
	f, err = conn.ReadFrame()
	if err != nil || !f.Binary || len(f.Data) != 2 {
		t.Fatalf("Unexpected binary frame %+v, %v", f, err)
	}
}

func TestWebSocketDialStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := &transport.WebSocketDialer{}
	_, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Expected status 404 error, got %v", err)
	}
}
