package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects over a plain websocket
type WebSocketDialer struct {
	Dialer *websocket.Dialer // nil = websocket.DefaultDialer
	Header http.Header
}

// Dial opens the websocket at url
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "dial", URL: url, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &Error{Op: "dial", URL: url, Err: err}
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketConn adapts a gorilla connection to Conn
type WebSocketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketConn wraps an established websocket
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

func (c *WebSocketConn) ReadFrame() (Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		}
	}
}

func (c *WebSocketConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *WebSocketConn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *WebSocketConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a normal closure and drops the connection
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
