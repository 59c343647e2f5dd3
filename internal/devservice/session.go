package devservice

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/protocol"
	"github.com/lucianHymer/voicecall/internal/transport"
)

// speechLevel is the RMS above which a chunk counts as speech
const speechLevel = 0.015

// ResponderConfig shapes the scripted replies
type ResponderConfig struct {
	Mode        string // "url" or "binary"
	SegmentGap  time.Duration
	Thinking    time.Duration
	ReplyCount  int
	ToneHz      float64
	ToneMs      int
	SampleRate  int
	Backchannel bool
}

// ResponderFromConfig converts the YAML responder section
func ResponderFromConfig(cfg *config.ServiceConfig) ResponderConfig {
	r := cfg.Responder
	return ResponderConfig{
		Mode:        r.Mode,
		SegmentGap:  time.Duration(r.SegmentGapMs) * time.Millisecond,
		Thinking:    time.Duration(r.ThinkingMs) * time.Millisecond,
		ReplyCount:  r.ReplyCount,
		ToneHz:      r.ToneHz,
		ToneMs:      r.ToneMs,
		SampleRate:  r.SampleRate,
		Backchannel: r.Backchannel,
	}
}

// session answers one client. An utterance ends when a silent chunk (or
// the segment gap, or a force notice) follows speech; each utterance gets
// one scripted reply. Speech during a reply interrupts it.
type session struct {
	id     string
	conn   transport.Conn
	cfg    ResponderConfig
	store  *AudioStore
	logger *logger.ContextLogger

	mu          sync.Mutex
	configured  bool
	format      string
	heardSpeech bool
	cancelReply context.CancelFunc
	replyGen    uint64
	gapTimer    *time.Timer
	wg          sync.WaitGroup
}

func newSession(id string, conn transport.Conn, cfg ResponderConfig, store *AudioStore, log *logger.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		store:  store,
		logger: log.With("session").WithFields(logger.Fields{"session": id}),
	}
}

// run reads frames until the connection closes or ctx ends
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		// Under mu so endUtterance can't start a reply after Wait begins
		s.mu.Lock()
		cancel()
		if s.gapTimer != nil {
			s.gapTimer.Stop()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.conn.Close()
		s.logger.Info("Session closed")
	}()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	s.logger.Info("Session opened")
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			s.logger.Debug("Read ended: %v", err)
			return
		}
		if frame.Binary {
			s.handleAudio(ctx, frame.Data)
		} else {
			s.handleText(ctx, frame.Data)
		}
	}
}

func (s *session) handleText(ctx context.Context, data []byte) {
	var msg struct {
		Type     protocol.MessageType `json:"type"`
		VoiceID  string               `json:"voice_id"`
		Language string               `json:"language"`
		Format   string               `json:"format"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Ignoring malformed frame: %v", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeConfig:
		s.mu.Lock()
		s.configured = true
		s.format = msg.Format
		s.mu.Unlock()
		s.logger.Info("Configured (voice=%s, language=%s, format=%s)", msg.VoiceID, msg.Language, msg.Format)

	case protocol.MessageTypePing:
		s.logger.Debug("Ping")

	case protocol.MessageTypeForce:
		s.logger.Debug("Force received")
		s.mu.Lock()
		heard := s.heardSpeech
		s.mu.Unlock()
		if heard {
			s.endUtterance(ctx)
		}

	default:
		s.logger.Warn("Unknown message type: %s", msg.Type)
	}
}

func (s *session) handleAudio(ctx context.Context, data []byte) {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		s.logger.Warn("Dropping %d bytes of audio before config", len(data))
		return
	}
	s.mu.Unlock()

	level, err := chunkLevel(data)
	if err != nil {
		s.logger.Warn("Undecodable audio chunk: %v", err)
		return
	}

	s.mu.Lock()
	if s.gapTimer != nil {
		s.gapTimer.Stop()
	}

	if level >= speechLevel {
		s.heardSpeech = true
		interrupting := s.cancelReply != nil
		if interrupting {
			s.cancelReply()
			s.cancelReply = nil
		}
		s.gapTimer = time.AfterFunc(s.cfg.SegmentGap, func() {
			s.mu.Lock()
			heard := s.heardSpeech
			s.mu.Unlock()
			if heard {
				s.endUtterance(ctx)
			}
		})
		s.mu.Unlock()

		if interrupting {
			s.logger.Info("Barge-in, interrupting reply")
			s.send(protocol.Control{Type: protocol.MessageTypeStatus, Status: protocol.StatusInterrupted})
		}
		return
	}

	heard := s.heardSpeech
	s.mu.Unlock()
	if heard {
		s.endUtterance(ctx)
	}
}

// chunkLevel measures a WAV segment or a raw PCM chunk
func chunkLevel(data []byte) (float64, error) {
	if audio.IsWAV(data) {
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return 0, err
		}
		return audio.RMS(audio.SamplesToBytes(clip.Samples)), nil
	}
	return audio.RMS(data), nil
}

// endUtterance starts a reply unless one is already running
func (s *session) endUtterance(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelReply != nil || ctx.Err() != nil {
		return
	}
	s.heardSpeech = false
	if s.gapTimer != nil {
		s.gapTimer.Stop()
	}

	replyCtx, cancel := context.WithCancel(ctx)
	s.cancelReply = cancel
	s.replyGen++
	gen := s.replyGen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reply(replyCtx)
		cancel()

		s.mu.Lock()
		if s.replyGen == gen && s.cancelReply != nil {
			s.cancelReply = nil
		}
		s.mu.Unlock()
	}()
}

// reply plays the scripted turn: thinking, optional backchannel, speaking,
// the audio units, then listening
func (s *session) reply(ctx context.Context) {
	s.send(protocol.Control{Type: protocol.MessageTypeStatus, Status: protocol.StatusThinking})

	select {
	case <-time.After(s.cfg.Thinking):
	case <-ctx.Done():
		return
	}

	if s.cfg.Backchannel {
		url := s.store.Put(ToneWAV(s.cfg.ToneHz*1.5, 150, s.cfg.SampleRate, 0.2))
		s.send(protocol.Control{Type: protocol.MessageTypeBackchannel, URL: url, Text: "mm-hm"})
	}

	if ctx.Err() != nil {
		return
	}
	s.send(protocol.Control{Type: protocol.MessageTypeStatus, Status: protocol.StatusSpeaking})

	for i := 0; i < s.cfg.ReplyCount; i++ {
		if ctx.Err() != nil {
			return
		}
		wav := ToneWAV(s.cfg.ToneHz*(1+0.25*float64(i)), s.cfg.ToneMs, s.cfg.SampleRate, 0.3)

		if s.cfg.Mode == "binary" {
			if err := s.conn.WriteBinary(wav); err != nil {
				s.logger.Debug("Failed to send audio: %v", err)
				return
			}
			continue
		}
		s.send(protocol.Control{Type: protocol.MessageTypeTTSURL, URL: s.store.Put(wav)})
	}

	s.send(protocol.Control{Type: protocol.MessageTypeStatus, Status: protocol.StatusListening})
	s.logger.Debug("Reply sent (%d units)", s.cfg.ReplyCount)
}

func (s *session) send(msg protocol.Control) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal %s: %v", msg.Type, err)
		return
	}
	if err := s.conn.WriteText(data); err != nil {
		s.logger.Debug("Failed to send %s: %v", msg.Type, err)
	}
}
