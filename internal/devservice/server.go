// Package devservice is a local stand-in for the conversation service. It
// speaks the call protocol over websocket or WebRTC and answers each
// utterance with generated tones.
package devservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/protocol"
	"github.com/lucianHymer/voicecall/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server handles HTTP, WebSocket and signaling requests
type Server struct {
	bindAddr    string
	sessionPath string
	responder   ResponderConfig
	baseLog     *logger.Logger
	logger      *logger.ContextLogger
	server      *http.Server
	peers       *PeerManager
	store       *AudioStore

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// New creates a dev service from its configuration
func New(cfg *config.ServiceConfig, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bindAddr:    cfg.Server.BindAddress,
		sessionPath: strings.TrimRight(cfg.Server.SessionPath, "/"),
		responder:   ResponderFromConfig(cfg),
		baseLog:     log,
		logger:      log.With("devservice"),
		peers:       NewPeerManager(log, transport.ICEServers(cfg.WebRTC.ICEServers)),
		store:       NewAudioStore(64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handler returns the service routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/audio/", s.store)
	mux.HandleFunc(s.sessionPath+"/", s.handleSession)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.bindAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting dev service on %s (sessions at %s/<id>)", s.bindAddr, s.sessionPath)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends every session and closes the server
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	s.sessions.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"peers":     s.peers.Count(),
		"clips":     s.store.Len(),
		"timestamp": time.Now().Unix(),
	})
}

// handleSession routes <session path>/<id> to a websocket session and
// <session path>/<id>/signal to WebRTC signaling
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, s.sessionPath+"/")
	id, signal := strings.CutSuffix(rest, "/signal")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	if signal {
		s.handleSignaling(w, r, id)
		return
	}
	s.handleWebSocket(w, r, id)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	newSession(id, transport.NewWebSocketConn(ws), s.responder, s.store, s.baseLog).run(s.ctx)
}

// handleSignaling handles WebRTC signaling over WebSocket
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	s.logger.Info("New signaling connection for session %s", id)

	peer, err := s.peers.CreatePeer(id, func(p *Peer) {
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			newSession(id, p, s.responder, s.store, s.baseLog).run(s.ctx)
		}()
	})
	if err != nil {
		s.logger.Error("Failed to create peer connection: %v", err)
		return
	}
	defer s.peers.RemovePeer(peer)

	// Local candidates are held until the answer has gone out
	var (
		writeMu  sync.Mutex
		answered bool
		pending  [][]byte
	)
	writeSignal := func(kind string, data []byte) {
		msg := protocol.SignalingMessage{Type: kind, Data: json.RawMessage(data)}
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Error("Failed to send %s: %v", kind, err)
		}
	}

	peer.GatherICECandidates(func(candidate []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if !answered {
			pending = append(pending, candidate)
			return
		}
		writeSignal("ice", candidate)
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg protocol.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("Signaling read ended (session %s): %v", id, err)
			break
		}

		switch msg.Type {
		case "offer":
			answer, err := peer.CreateAnswer(msg.Data)
			if err != nil {
				s.logger.Error("Failed to create answer: %v", err)
				continue
			}
			writeMu.Lock()
			writeSignal("answer", answer)
			answered = true
			for _, candidate := range pending {
				writeSignal("ice", candidate)
			}
			pending = nil
			writeMu.Unlock()

		case "ice":
			if err := peer.AddICECandidate(msg.Data); err != nil {
				s.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			s.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}

	s.logger.Info("Signaling connection closed for session %s", id)
}
