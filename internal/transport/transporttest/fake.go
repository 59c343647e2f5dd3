// Package transporttest provides an in-memory Dialer and Conn for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/lucianHymer/voicecall/internal/transport"
)

// ErrDropped is returned by ReadFrame after Drop
var ErrDropped = errors.New("connection dropped")

// Conn is a scripted connection
type Conn struct {
	URL string

	inbound   chan transport.Frame
	closed    chan struct{}
	closeOnce sync.Once
	dropErr   error

	mu         sync.Mutex
	written    []transport.Frame
	writeCh    chan transport.Frame
	userClosed bool
}

func newConn(url string) *Conn {
	return &Conn{
		URL:     url,
		inbound: make(chan transport.Frame, 64),
		closed:  make(chan struct{}),
		writeCh: make(chan transport.Frame, 1024),
	}
}

func (c *Conn) ReadFrame() (transport.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropErr != nil {
			return transport.Frame{}, c.dropErr
		}
		return transport.Frame{}, errors.New("use of closed connection")
	}
}

func (c *Conn) WriteBinary(data []byte) error { return c.record(transport.Frame{Binary: true, Data: data}) }
func (c *Conn) WriteText(data []byte) error   { return c.record(transport.Frame{Data: data}) }

func (c *Conn) record(f transport.Frame) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	select {
	case c.writeCh <- f:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.userClosed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// SendText queues an inbound JSON frame
func (c *Conn) SendText(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.inbound <- transport.Frame{Data: data}
}

// SendRaw queues an inbound frame as-is
func (c *Conn) SendRaw(f transport.Frame) {
	c.inbound <- f
}

// Drop simulates the service going away
func (c *Conn) Drop() {
	c.mu.Lock()
	c.dropErr = ErrDropped
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

// Written returns every frame the client wrote, in order
func (c *Conn) Written() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Frame(nil), c.written...)
}

// Writes streams frames as they are written
func (c *Conn) Writes() <-chan transport.Frame { return c.writeCh }

// ClosedByClient reports whether Close was called
func (c *Conn) ClosedByClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userClosed
}

// Dialer hands out Conns and publishes each on Dialed
type Dialer struct {
	mu      sync.Mutex
	DialErr error
	dials   int
	Dialed  chan *Conn
}

// NewDialer creates a dialer with room for many connections
func NewDialer() *Dialer {
	return &Dialer{Dialed: make(chan *Conn, 64)}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.DialErr
	d.mu.Unlock()

	if err != nil {
		return nil, &transport.Error{Op: "dial", URL: url, Err: err}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c := newConn(url)
	d.Dialed <- c
	return c, nil
}

// SetErr changes the error returned by later dials
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.DialErr = err
	d.mu.Unlock()
}

// Dials counts Dial calls
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
