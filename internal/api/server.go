package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/logger"
)

const eventWriteTimeout = time.Second

// Controller is what the API drives; call.Manager implements it
type Controller interface {
	Start(ctx context.Context) error
	End() error
	ForceSend() error
	Replay() error
	Snapshot() call.Snapshot
	Active() bool
}

// Server handles the HTTP control API
type Server struct {
	bindAddr string
	logger   *logger.ContextLogger
	server   *http.Server
	ctrl     Controller

	// WebSocket connections for call state streaming
	wsClients   map[*websocket.Conn]bool
	wsClientsMu sync.Mutex
	wsUpgrader  websocket.Upgrader
}

// New creates a new API server
func New(bindAddr string, ctrl Controller, log *logger.Logger) *Server {
	return &Server{
		bindAddr:  bindAddr,
		logger:    log.With("api"),
		ctrl:      ctrl,
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
		},
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/force", s.handleForce)
	mux.HandleFunc("/replay", s.handleReplay)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.bindAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting control API on %s", s.bindAddr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the server and every event stream
func (s *Server) Stop() error {
	s.wsClientsMu.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsClientsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The call outlives the request
	err := s.ctrl.Start(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		s.logger.Info("Call started")
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	case errors.Is(err, call.ErrAlreadyStarted):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
	case errors.Is(err, audio.ErrCaptureDenied):
		s.logger.Error("Failed to start: %v", err)
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "capture_denied", "error": err.Error()})
	default:
		s.logger.Error("Failed to start: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.ctrl.End()
	switch {
	case err == nil:
		s.logger.Info("Call ended")
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case errors.Is(err, call.ErrNotActive):
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
	default:
		s.logger.Error("Failed to stop: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   s.ctrl.Active(),
		"call":      s.ctrl.Snapshot(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "forced", s.ctrl.ForceSend)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "replaying", s.ctrl.Replay)
}

// handleAction runs a call action and maps call errors to 409
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, ok string, action func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := action()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": ok})
	case errors.Is(err, call.ErrNotActive), errors.Is(err, call.ErrEnded),
		errors.Is(err, call.ErrNotConnected), errors.Is(err, call.ErrNothingToReplay):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "rejected", "error": err.Error()})
	default:
		s.logger.Error("%s failed: %v", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleEvents upgrades to WebSocket and streams call snapshots
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	s.wsClientsMu.Lock()
	s.wsClients[conn] = true
	// Current state first so a new viewer isn't blank until the next change
	s.send(conn, s.ctrl.Snapshot())
	s.wsClientsMu.Unlock()

	s.logger.Info("Event client connected")

	defer func() {
		s.wsClientsMu.Lock()
		delete(s.wsClients, conn)
		s.wsClientsMu.Unlock()
		conn.Close()
		s.logger.Info("Event client disconnected")
	}()

	// Read messages from client (mainly to detect disconnect)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Publish broadcasts a snapshot to every event client
func (s *Server) Publish(snap call.Snapshot) {
	s.wsClientsMu.Lock()
	defer s.wsClientsMu.Unlock()

	for conn := range s.wsClients {
		if !s.send(conn, snap) {
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

// send writes one snapshot; callers hold wsClientsMu
func (s *Server) send(conn *websocket.Conn, snap call.Snapshot) bool {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteJSON(snap); err != nil {
		s.logger.Debug("Failed to send to event client: %v", err)
		return false
	}
	return true
}
