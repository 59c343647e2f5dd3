package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel names the channel carrying call frames
const DataChannelLabel = "call"

// ICEServers converts configured ICE servers for pion
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	var iceServers []webrtc.ICEServer
	for _, ice := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	return iceServers
}

// WebRTCDialer carries the call over an ordered, reliable DataChannel.
// Offer/answer and ICE candidates are exchanged on a websocket at
// <session url>/signal.
type WebRTCDialer struct {
	ICEServers []webrtc.ICEServer
	Logger     *logger.Logger
}

// Dial negotiates a peer connection and waits for the DataChannel to open
func (d *WebRTCDialer) Dial(ctx context.Context, url string) (Conn, error) {
	log := d.Logger
	if log == nil {
		log = logger.Discard()
	}

	signalURL := strings.TrimRight(url, "/") + "/signal"
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL, nil)
	if err != nil {
		return nil, &Error{Op: "signal", URL: signalURL, Err: err}
	}

	c := &WebRTCConn{
		logger: log.With("webrtc"),
		ws:     wsConn,
		frames: make(chan Frame, 64),
		closed: make(chan struct{}),
		opened: make(chan struct{}),
	}

	if err := c.negotiate(d.ICEServers); err != nil {
		c.Close()
		return nil, &Error{Op: "negotiate", URL: url, Err: err}
	}

	go c.handleSignaling()

	select {
	case <-c.opened:
		return c, nil
	case <-c.closed:
		c.Close()
		return nil, &Error{Op: "negotiate", URL: url, Err: fmt.Errorf("peer connection closed before data channel opened")}
	case <-ctx.Done():
		c.Close()
		return nil, &Error{Op: "negotiate", URL: url, Err: ctx.Err()}
	}
}

// WebRTCConn is a DataChannel-backed Conn
type WebRTCConn struct {
	logger *logger.ContextLogger
	ws     *websocket.Conn
	wsMu   sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	frames     chan Frame
	closed     chan struct{}
	opened     chan struct{}
	openOnce   sync.Once
	closedOnce sync.Once
	closeOnce  sync.Once

	// Candidates wait until the offer is out so the service never sees
	// one before the description it belongs to
	candMu            sync.Mutex
	offerSent         bool
	pendingCandidates [][]byte
}

func (c *WebRTCConn) negotiate(iceServers []webrtc.ICEServer) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	c.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("Connection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.markClosed()
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		candidateJSON, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			c.logger.Error("Failed to marshal ICE candidate: %v", err)
			return
		}

		c.candMu.Lock()
		defer c.candMu.Unlock()
		if !c.offerSent {
			c.pendingCandidates = append(c.pendingCandidates, candidateJSON)
			return
		}
		c.sendCandidate(candidateJSON)
	})

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.dc = dc

	dc.OnOpen(func() {
		c.logger.Info("DataChannel opened")
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnClose(func() {
		c.logger.Info("DataChannel closed")
		c.markClosed()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame := Frame{Binary: !msg.IsString, Data: msg.Data}
		select {
		case c.frames <- frame:
		case <-c.closed:
		}
	})
	dc.OnError(func(err error) {
		c.logger.Error("DataChannel error: %v", err)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	c.candMu.Lock()
	defer c.candMu.Unlock()
	if err := c.signal("offer", offerJSON); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	c.offerSent = true
	for _, candidate := range c.pendingCandidates {
		c.sendCandidate(candidate)
	}
	c.pendingCandidates = nil

	c.logger.Debug("Sent offer")
	return nil
}

func (c *WebRTCConn) sendCandidate(candidate []byte) {
	if err := c.signal("ice", candidate); err != nil {
		c.logger.Debug("Failed to send ICE candidate: %v", err)
	}
}

func (c *WebRTCConn) signal(kind string, data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws.WriteJSON(protocol.SignalingMessage{Type: kind, Data: json.RawMessage(data)})
}

// handleSignaling processes answer and ICE messages until the socket closes
func (c *WebRTCConn) handleSignaling() {
	for {
		var msg protocol.SignalingMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug("Signaling WebSocket closed: %v", err)
			select {
			case <-c.opened:
			default:
				// Nothing can complete the negotiation now
				c.markClosed()
			}
			return
		}

		switch msg.Type {
		case "answer":
			var answer webrtc.SessionDescription
			if err := json.Unmarshal(msg.Data, &answer); err != nil {
				c.logger.Error("Failed to unmarshal answer: %v", err)
				continue
			}
			if err := c.pc.SetRemoteDescription(answer); err != nil {
				c.logger.Error("Failed to set remote description: %v", err)
			}

		case "ice":
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Data, &candidate); err != nil {
				c.logger.Error("Failed to unmarshal ICE candidate: %v", err)
				continue
			}
			if err := c.pc.AddICECandidate(candidate); err != nil {
				c.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			c.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}
}

func (c *WebRTCConn) markClosed() {
	c.closedOnce.Do(func() { close(c.closed) })
}

// ReadFrame returns frames in arrival order. Frames received before the
// channel closed are still returned ahead of io.EOF.
func (c *WebRTCConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return Frame{}, io.EOF
		}
	}
}

func (c *WebRTCConn) WriteBinary(data []byte) error {
	return c.dc.Send(data)
}

func (c *WebRTCConn) WriteText(data []byte) error {
	return c.dc.SendText(string(data))
}

// Close tears down the channel, the peer connection and signaling
func (c *WebRTCConn) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		if c.dc != nil {
			c.dc.Close()
		}
		if c.pc != nil {
			c.pc.Close()
		}
		c.wsMu.Lock()
		c.ws.Close()
		c.wsMu.Unlock()
	})
	return nil
}
