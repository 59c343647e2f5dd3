// Package transport carries a call's frames to the conversation service
// over a persistent duplex connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrNotOpen is returned when writing to a session that is not open
var ErrNotOpen = errors.New("transport session not open")

// Frame is one inbound message
type Frame struct {
	Binary bool
	Data   []byte
}

// Conn is an established duplex connection. ReadFrame is called from a
// single goroutine; writes may come from any goroutine.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteBinary(data []byte) error
	WriteText(data []byte) error
	Close() error
}

// Dialer opens connections to the service
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Error describes a failed transport operation
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}

// SessionURL builds the per-call endpoint: <base><path>/<uuid>
func SessionURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Trim(path, "/") + "/" + uuid.New().String()
}
