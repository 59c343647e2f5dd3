package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MessageType is the "type" field of every JSON frame
type MessageType string

const (
	// Client -> service
	MessageTypeConfig MessageType = "config"
	MessageTypePing   MessageType = "ping"
	MessageTypeForce  MessageType = "force"

	// Service -> client
	MessageTypeStatus      MessageType = "status"
	MessageTypeTTSURL      MessageType = "tts_url"
	MessageTypeBackchannel MessageType = "backchannel"
)

// Status is the payload of a status frame
type Status string

const (
	StatusListening   Status = "listening"
	StatusThinking    Status = "thinking"
	StatusSpeaking    Status = "speaking"
	StatusInterrupted Status = "interrupted"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusListening, StatusThinking, StatusSpeaking, StatusInterrupted:
		return true
	}
	return false
}

var (
	// ErrMalformedMessage marks a text frame that is not usable JSON
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownType marks a well-formed frame with a type this client does not handle
	ErrUnknownType = errors.New("unknown message type")
)

// ConfigFrame is the first frame sent after the connection opens
type ConfigFrame struct {
	Type     MessageType `json:"type"`
	VoiceID  string      `json:"voice_id"`
	Language string      `json:"language"`
	Format   string      `json:"format"`
}

// ControlFrame carries keepalive and force-flush notices
type ControlFrame struct {
	Type MessageType `json:"type"`
	T    int64       `json:"t"` // Unix milliseconds
}

// NewConfig builds the session config frame
func NewConfig(voiceID, language, format string) ConfigFrame {
	return ConfigFrame{
		Type:     MessageTypeConfig,
		VoiceID:  voiceID,
		Language: language,
		Format:   format,
	}
}

// NewPing builds a keepalive frame
func NewPing(now time.Time) ControlFrame {
	return ControlFrame{Type: MessageTypePing, T: now.UnixMilli()}
}

// NewForce builds a force-flush notice
func NewForce(now time.Time) ControlFrame {
	return ControlFrame{Type: MessageTypeForce, T: now.UnixMilli()}
}

// Control is a decoded inbound JSON frame
type Control struct {
	Type   MessageType `json:"type"`
	Status Status      `json:"status,omitempty"`
	URL    string      `json:"url,omitempty"`
	Text   string      `json:"text,omitempty"`
}

// ParseControl decodes an inbound text frame.
// Undecodable or incomplete frames wrap ErrMalformedMessage; frames of an
// unhandled type wrap ErrUnknownType.
func ParseControl(data []byte) (*Control, error) {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MessageTypeStatus:
		if !msg.Status.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrMalformedMessage, msg.Status)
		}
	case MessageTypeTTSURL, MessageTypeBackchannel:
		if strings.TrimSpace(msg.URL) == "" {
			return nil, fmt.Errorf("%w: %s without url", ErrMalformedMessage, msg.Type)
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}

// HTTPBase converts the service's ws:// or wss:// address into the http(s)
// origin that audio URLs are resolved against
func HTTPBase(serviceURL string) (*url.URL, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}

	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// ResolveURL resolves a possibly relative audio URL against the service host
func ResolveURL(base *url.URL, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("failed to parse audio url: %w", err)
	}
	if base == nil {
		if !r.IsAbs() {
			return "", fmt.Errorf("relative audio url %q without a base", ref)
		}
		return r.String(), nil
	}
	return base.ResolveReference(r).String(), nil
}

// SignalingMessage is used for WebRTC offer/answer/ICE exchange over WebSocket
type SignalingMessage struct {
	Type string          `json:"type"` // "offer", "answer", "ice"
	Data json.RawMessage `json:"data"`
}
