package devservice

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/transport"
	"github.com/pion/webrtc/v4"
)

// PeerManager handles WebRTC peer connections
type PeerManager struct {
	logger  *logger.ContextLogger
	peers   map[string]*Peer
	peersMu sync.RWMutex
	config  webrtc.Configuration
}

// Peer is one client's peer connection. Once its DataChannel opens it
// serves as a transport.Conn for the call session.
type Peer struct {
	ID     string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *logger.ContextLogger

	frames    chan transport.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPeerManager creates a manager using iceServers for every peer
func NewPeerManager(log *logger.Logger, iceServers []webrtc.ICEServer) *PeerManager {
	return &PeerManager{
		logger: log.With("webrtc"),
		peers:  make(map[string]*Peer),
		config: webrtc.Configuration{ICEServers: iceServers},
	}
}

// CreatePeer creates a peer connection; onOpen runs once the client's
// DataChannel is open. A reconnecting client replaces its stale peer.
func (m *PeerManager) CreatePeer(id string, onOpen func(*Peer)) (*Peer, error) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	if stale, exists := m.peers[id]; exists {
		delete(m.peers, id)
		go stale.Close()
		m.logger.Info("Replacing peer connection %s", id)
	}

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &Peer{
		ID:     id,
		pc:     pc,
		logger: m.logger,
		frames: make(chan transport.Frame, 64),
		closed: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.logger.Info("Peer %s connection state: %s", id, state.String())

		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			m.RemovePeer(peer)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Debug("Peer %s ICE state: %s", id, state.String())
	})

	// The client creates the channel
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer.logger.Info("DataChannel '%s' offered by peer %s", dc.Label(), id)
		peer.dc = dc

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			frame := transport.Frame{Binary: !msg.IsString, Data: msg.Data}
			select {
			case peer.frames <- frame:
			case <-peer.closed:
			}
		})

		dc.OnOpen(func() {
			peer.logger.Info("DataChannel '%s' is open", dc.Label())
			if onOpen != nil {
				onOpen(peer)
			}
		})

		dc.OnClose(func() {
			peer.logger.Info("DataChannel '%s' closed", dc.Label())
			peer.markClosed()
		})

		dc.OnError(func(err error) {
			peer.logger.Error("DataChannel error: %v", err)
		})
	})

	m.peers[id] = peer
	m.logger.Info("Created peer connection for %s", id)

	return peer, nil
}

// RemovePeer closes peer and forgets it unless it was already replaced
func (m *PeerManager) RemovePeer(peer *Peer) {
	m.peersMu.Lock()
	current := m.peers[peer.ID] == peer
	if current {
		delete(m.peers, peer.ID)
	}
	m.peersMu.Unlock()

	peer.Close()
	if current {
		m.logger.Info("Removed peer connection %s", peer.ID)
	}
}

// Count returns the number of live peers
func (m *PeerManager) Count() int {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	return len(m.peers)
}

// CreateAnswer answers the client's offer
func (p *Peer) CreateAnswer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal offer: %w", err)
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// AddICECandidate adds a remote ICE candidate
func (p *Peer) AddICECandidate(candidateJSON []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateJSON, &candidate); err != nil {
		return fmt.Errorf("failed to unmarshal ICE candidate: %w", err)
	}

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}

	return nil
}

// GatherICECandidates forwards local candidates as they are found
func (p *Peer) GatherICECandidates(onCandidate func([]byte)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		candidateJSON, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			p.logger.Error("Failed to marshal ICE candidate: %v", err)
			return
		}

		onCandidate(candidateJSON)
	})
}

func (p *Peer) markClosed() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// ReadFrame drains frames received before the close ahead of io.EOF
func (p *Peer) ReadFrame() (transport.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		select {
		case f := <-p.frames:
			return f, nil
		default:
			return transport.Frame{}, io.EOF
		}
	}
}

func (p *Peer) WriteBinary(data []byte) error {
	if p.dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return p.dc.Send(data)
}

func (p *Peer) WriteText(data []byte) error {
	if p.dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return p.dc.SendText(string(data))
}

// Close closes the peer connection
func (p *Peer) Close() error {
	p.markClosed()
	if p.pc != nil {
		return p.pc.Close()
	}
	return nil
}
