// Package call runs one conversation: capture, segmentation, transport and
// playback tied together by a half-duplex turn state machine.
//
// All call state is owned by a single event-loop goroutine. Timers, the
// transport reader and playback workers never touch it directly; they post
// closures back into the loop, and completions are checked against a
// generation so late results from superseded work are dropped.
package call

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/capture"
	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/playback"
	"github.com/lucianHymer/voicecall/internal/protocol"
	"github.com/lucianHymer/voicecall/internal/transport"
	"github.com/lucianHymer/voicecall/internal/vad"
)

// Deps are the capabilities a call drives. The call owns Source and Sink
// for its lifetime and releases both on End.
type Deps struct {
	Source  audio.Source
	Sink    audio.Sink // optional, closed on End
	Dialer  transport.Dialer
	Player  *playback.Player
	Journal Journal
}

// timer is a cancellable one-shot that fires inside the loop
type timer struct {
	t     *time.Timer
	token uint64
}

func (t *timer) pending() bool { return t.t != nil }

// Call is single use: Start once, End once
type Call struct {
	opts    Options
	deps    Deps
	root    *logger.Logger
	log     *logger.ContextLogger
	journal Journal
	meter   *audio.Meter
	running atomic.Bool

	actions         chan func()
	transportEvents chan transport.Event
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	finished        chan struct{}
	startOnce       sync.Once
	workers         sync.WaitGroup

	// Loop-owned
	state             State
	active            bool
	format            string
	httpBase          *url.URL
	sessionURL        string
	capture           *capture.Session
	segmenter         *vad.Segmenter
	session           *transport.Session
	sessionGen        uint64
	connected         bool
	queue             playback.Queue
	playCancel        context.CancelFunc
	sidePlayers       map[uint64]context.CancelFunc
	sideSeq           uint64
	deferredListening bool
	segmentHadSpeech  bool
	lastErr           string

	timerSeq       uint64
	restartTimer   timer
	resumeTimer    timer
	reconnectTimer timer

	segments   uint64
	reconnects uint64

	snapMu    sync.Mutex
	snap      Snapshot
	startedAt time.Time
}

// New creates an idle call
func New(opts Options, deps Deps, log *logger.Logger) *Call {
	opts.setDefaults()

	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}

	return &Call{
		opts:            opts,
		deps:            deps,
		root:            log,
		log:             log.With("call"),
		journal:         journal,
		meter:           audio.NewMeter(audio.DefaultWindowSamples),
		actions:         make(chan func(), 16),
		transportEvents: make(chan transport.Event),
		done:            make(chan struct{}),
		finished:        make(chan struct{}),
		segmenter:       vad.NewSegmenter(opts.VAD),
		sidePlayers:     make(map[uint64]context.CancelFunc),
	}
}

// Start opens the microphone and begins connecting. A capture failure is
// returned and leaves the call idle; transport failures are retried in the
// background. ctx bounds the whole call.
func (c *Call) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Call) start(ctx context.Context) error {
	format, err := audio.Negotiate(c.opts.Formats)
	if err != nil {
		return c.abort(err)
	}
	c.format = format

	base, err := protocol.HTTPBase(c.opts.ServiceURL)
	if err != nil {
		return c.abort(err)
	}
	c.httpBase = base
	// Reconnects rejoin the same session
	c.sessionURL = transport.SessionURL(c.opts.ServiceURL, c.opts.SessionPath)

	enc, err := audio.NewEncoder(format, audio.EncoderConfig{
		InputRate:  c.deps.Source.SampleRate(),
		UploadRate: c.opts.UploadRate,
		ChunkMs:    c.opts.ChunkMs,
	})
	if err != nil {
		return c.abort(err)
	}

	c.capture = capture.New(c.deps.Source, enc, c.meter, c.root)
	if err := c.capture.Open(); err != nil {
		return c.abort(err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.active = true
	c.startedAt = time.Now()
	c.journal.Record("call_start", map[string]interface{}{
		"format":   format,
		"voice_id": c.opts.VoiceID,
		"language": c.opts.Language,
	})
	c.log.Info("Call starting (format=%s)", format)

	c.connect()
	c.publish()
	c.running.Store(true)
	go c.loop()
	return nil
}

// End tears the call down and waits for the loop to exit
func (c *Call) End() error {
	// Waits out a concurrent Start; afterwards cancel is settled
	c.startOnce.Do(func() {})
	if c.cancel == nil {
		return ErrNotActive
	}
	c.cancel()
	<-c.finished
	return nil
}

// Done is closed once the call has been torn down
func (c *Call) Done() <-chan struct{} {
	return c.finished
}

// ForceSend closes the current segment now and tells the service
func (c *Call) ForceSend() error {
	return c.do(func() error {
		now := time.Now()
		if c.capture.Recording() {
			c.closeSegment("force", now)
		}
		if c.session == nil || !c.connected {
			return ErrNotConnected
		}
		return c.session.SendForce(now)
	})
}

// Replay plays the most recent URL again, outside the queue
func (c *Call) Replay() error {
	return c.do(func() error {
		last := c.queue.LastURL()
		if last == "" {
			return ErrNothingToReplay
		}
		c.playSide(playback.Ref{URL: last}, 1.0, "replay")
		return nil
	})
}

// Snapshot returns the observable call state. Safe from any goroutine.
func (c *Call) Snapshot() Snapshot {
	c.snapMu.Lock()
	snap := c.snap
	c.snapMu.Unlock()

	if snap.State != Idle {
		snap.Level = c.meter.Level()
	}
	return snap
}

// do runs fn on the loop and waits for its result
func (c *Call) do(fn func() error) error {
	if !c.running.Load() {
		return ErrNotActive
	}

	errc := make(chan error, 1)
	select {
	case c.actions <- func() { errc <- fn() }:
	case <-c.done:
		return ErrEnded
	}

	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrEnded
	}
}

// post queues fn for the loop from another goroutine
func (c *Call) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

func (c *Call) loop() {
	defer close(c.finished)

	ticker := time.NewTicker(c.opts.SampleInterval)
	defer ticker.Stop()

	var forceTick <-chan time.Time
	if c.opts.ForceSendInterval > 0 {
		forceTicker := time.NewTicker(c.opts.ForceSendInterval)
		defer forceTicker.Stop()
		forceTick = forceTicker.C
	}

	frames := c.capture.Frames()

	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return

		case fn := <-c.actions:
			fn()

		case pcm, ok := <-frames:
			if !ok {
				c.log.Error("Microphone stream ended")
				c.lastErr = "microphone stream ended"
				frames = nil
				break
			}
			c.handleFrame(pcm)

		case ev := <-c.transportEvents:
			c.handleTransport(ev)

		case now := <-ticker.C:
			c.sample(now)

		case now := <-forceTick:
			if c.capture.Recording() && !c.capture.Suspended() {
				c.closeSegment("force_timer", now)
				if c.session != nil && c.connected {
					if err := c.session.SendForce(now); err != nil {
						c.log.Debug("Force notice not sent: %v", err)
					}
				}
			}
		}

		c.publish()
	}
}

// --- transport ---

func (c *Call) connect() {
	c.sessionGen++
	c.session = transport.NewSession(c.sessionGen, c.deps.Dialer, transport.Config{
		URL:               c.sessionURL,
		Setup:             protocol.NewConfig(c.opts.VoiceID, c.opts.Language, c.format),
		ConnectTimeout:    c.opts.ConnectTimeout,
		KeepaliveInterval: c.opts.KeepaliveInterval,
	}, c.transportEvents, c.root)
	c.session.Start(c.ctx)

	c.log.Debug("Connecting to %s (gen %d)", c.sessionURL, c.sessionGen)
}

func (c *Call) handleTransport(ev transport.Event) {
	if ev.Gen != c.sessionGen {
		return
	}

	switch ev.Kind {
	case transport.EventOpen:
		c.connected = true
		c.lastErr = ""
		if c.state == Idle {
			c.setState(Listening)
		}
		if c.state == Listening && !c.capture.Suspended() && !c.capture.Recording() {
			c.startRecording(time.Now())
		}

	case transport.EventFrame:
		if ev.Frame.Binary {
			c.handleAudio(ev.Frame.Data)
			return
		}
		c.handleControl(ev.Frame.Data)

	case transport.EventClosed:
		c.connected = false
		if ev.Err != nil {
			c.lastErr = fmt.Sprintf("connection lost: %v", ev.Err)
		}
		if c.session != nil {
			c.session.Close()
			c.session = nil
		}
		if c.active {
			c.scheduleReconnect()
		}
	}
}

func (c *Call) scheduleReconnect() {
	if c.reconnectTimer.pending() {
		return
	}
	c.log.Info("Reconnecting in %v", c.opts.ReconnectDelay)
	c.schedule(&c.reconnectTimer, c.opts.ReconnectDelay, func() {
		if !c.active {
			return
		}
		c.reconnects++
		c.journal.Record("reconnect", map[string]interface{}{"attempt": c.reconnects})
		c.connect()
	})
}

func (c *Call) handleControl(data []byte) {
	msg, err := protocol.ParseControl(data)
	if err != nil {
		c.log.Warn("Ignoring inbound frame: %v", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeStatus:
		c.journal.Record("status", map[string]interface{}{"status": string(msg.Status)})
		c.handleStatus(msg.Status)

	case protocol.MessageTypeTTSURL:
		resolved, err := protocol.ResolveURL(c.httpBase, msg.URL)
		if err != nil {
			c.log.Warn("Ignoring tts_url: %v", err)
			return
		}
		c.enterSpeaking()
		c.enqueue(playback.Ref{URL: resolved})

	case protocol.MessageTypeBackchannel:
		resolved, err := protocol.ResolveURL(c.httpBase, msg.URL)
		if err != nil {
			c.log.Warn("Ignoring backchannel: %v", err)
			return
		}
		c.log.Debug("Backchannel %q", msg.Text)
		c.playSide(playback.Ref{URL: resolved}, c.opts.BackchannelVolume, "backchannel")
	}
}

func (c *Call) handleStatus(status protocol.Status) {
	switch status {
	case protocol.StatusThinking:
		if c.state == Listening {
			c.setState(Thinking)
		}

	case protocol.StatusSpeaking:
		c.enterSpeaking()

	case protocol.StatusListening:
		if c.queue.Playing() {
			// Audio still draining; switch when the queue empties
			c.deferredListening = true
			return
		}
		if c.state != Listening {
			c.enterListening()
		}

	case protocol.StatusInterrupted:
		c.interrupt()
	}
}

func (c *Call) handleAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	c.enterSpeaking()
	c.enqueue(playback.Ref{Audio: append([]byte(nil), data...)})
}

// --- turn state ---

func (c *Call) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("State %s -> %s", c.state, s)
	c.state = s
}

// enterSpeaking suspends capture and abandons any segment in progress
func (c *Call) enterSpeaking() {
	c.setState(Speaking)
	c.deferredListening = false
	c.cancelTimer(&c.restartTimer)
	c.cancelTimer(&c.resumeTimer)
	c.capture.Suspend()
	c.capture.Stop()
	c.segmenter.Reset()
}

// enterListening returns the turn to the user, resuming capture after the
// resume delay when it was suspended
func (c *Call) enterListening() {
	c.deferredListening = false
	c.setState(Listening)

	if !c.capture.Suspended() {
		c.resumeCapture()
		return
	}
	c.schedule(&c.resumeTimer, c.opts.ResumeDelay, func() {
		if c.state == Listening {
			c.resumeCapture()
		}
	})
}

// interrupt is barge-in: stop playback, drop the queue, listen immediately
func (c *Call) interrupt() {
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	dropped := c.queue.Flush()
	c.deferredListening = false
	c.cancelTimer(&c.resumeTimer)
	c.cancelTimer(&c.restartTimer)

	c.log.Info("Interrupted (dropped %d queued)", dropped)
	c.journal.Record("interrupted", map[string]interface{}{"dropped": dropped})

	c.setState(Listening)
	c.resumeCapture()
}

func (c *Call) resumeCapture() {
	c.capture.Resume()
	c.segmenter.Reset()
	if !c.capture.Recording() {
		c.startRecording(time.Now())
	}
}

// --- capture and segmentation ---

func (c *Call) startRecording(now time.Time) {
	c.capture.Start(now)
	c.segmenter.Reset()
	c.segmentHadSpeech = false
}

func (c *Call) handleFrame(pcm []byte) {
	for _, chunk := range c.capture.HandleFrame(pcm) {
		c.sendChunk(chunk)
	}
}

func (c *Call) sendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if c.session == nil {
		c.log.Debug("Dropping %d byte chunk: no session", len(chunk))
		return
	}
	if err := c.session.SendAudio(chunk); err != nil {
		c.log.Debug("Dropping %d byte chunk: %v", len(chunk), err)
	}
}

func (c *Call) sample(now time.Time) {
	level := c.capture.Level()
	recording := c.capture.Recording()
	suspended := c.capture.Suspended()

	if recording && !suspended && level >= c.segmenter.Threshold() {
		c.segmentHadSpeech = true
	}

	decision := c.segmenter.Observe(vad.Sample{
		Level:     level,
		Suspended: suspended,
		Recording: recording,
		Elapsed:   c.capture.Elapsed(now),
	})
	if decision != vad.None {
		c.closeSegment(decision.String(), now)
	}
}

// closeSegment flushes the final chunk and schedules the restart
func (c *Call) closeSegment(reason string, now time.Time) {
	elapsed := c.capture.Elapsed(now)
	final := c.capture.Stop()
	c.sendChunk(final)
	c.segments++

	c.journal.Record("segment", map[string]interface{}{
		"reason":      reason,
		"duration_ms": elapsed.Milliseconds(),
		"final_bytes": len(final),
		"speech":      c.segmentHadSpeech,
	})

	// Optimistic: a segment with speech in it will get an answer
	if c.state == Listening && (c.segmentHadSpeech || reason == "force") {
		c.setState(Thinking)
	}

	if c.capture.Suspended() {
		return
	}
	c.schedule(&c.restartTimer, c.opts.RestartDelay, func() {
		if c.active && !c.capture.Suspended() && !c.capture.Recording() && c.state != Speaking {
			c.startRecording(time.Now())
		}
	})
}

// --- playback ---

func (c *Call) enqueue(ref playback.Ref) {
	start, gen, ok := c.queue.Enqueue(ref)
	if ok {
		c.startPlayer(start, gen)
	}
}

func (c *Call) startPlayer(ref playback.Ref, gen uint64) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.playCancel = cancel

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		res := c.deps.Player.Play(ctx, ref, 1.0)
		cancel()
		c.post(func() { c.playbackDone(gen, ref, res) })
	}()
}

func (c *Call) playbackDone(gen uint64, ref playback.Ref, res playback.Result) {
	c.journal.Record("playback", map[string]interface{}{
		"ref":       ref.String(),
		"strategy":  res.Strategy,
		"failures":  len(res.Failures),
		"cancelled": res.Cancelled,
	})

	stale := c.queue.Stale(gen)
	next, nextGen, ok := c.queue.Done(gen)
	if ok {
		c.startPlayer(next, nextGen)
		return
	}

	if stale {
		// Interrupted unit has stopped; the turn already moved on
		if c.deferredListening && !c.queue.Playing() {
			c.enterListening()
		}
		return
	}

	c.playCancel = nil
	if c.state == Speaking || c.deferredListening {
		c.enterListening()
	}
}

// playSide plays ref outside the queue without touching turn state
func (c *Call) playSide(ref playback.Ref, volume float64, kind string) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.sideSeq++
	id := c.sideSeq
	c.sidePlayers[id] = cancel

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		res := c.deps.Player.Play(ctx, ref, volume)
		cancel()
		c.post(func() {
			delete(c.sidePlayers, id)
			c.journal.Record(kind, map[string]interface{}{
				"ref":      ref.String(),
				"strategy": res.Strategy,
			})
		})
	}()
}

// --- timers ---

// schedule arms slot to run fn on the loop after d, replacing whatever it
// held before
func (c *Call) schedule(slot *timer, d time.Duration, fn func()) {
	c.cancelTimer(slot)
	c.timerSeq++
	token := c.timerSeq
	slot.token = token
	slot.t = time.AfterFunc(d, func() {
		c.post(func() {
			if slot.token != token {
				return
			}
			slot.t = nil
			slot.token = 0
			fn()
		})
	})
}

func (c *Call) cancelTimer(slot *timer) {
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.token = 0
}

// --- snapshot and teardown ---

func (c *Call) publish() {
	snap := Snapshot{
		State:      c.state,
		Error:      c.lastErr,
		Connected:  c.connected,
		QueueDepth: c.queue.Len(),
		Playing:    c.queue.Playing(),
		Segments:   c.segments,
		Reconnects: c.reconnects,
		StartedAt:  c.startedAt,
	}
	if c.capture != nil {
		snap.Recording = c.capture.Recording()
		snap.Suspended = c.capture.Suspended()
		snap.ChunksSent = c.capture.Stats().ChunksSent
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

func (c *Call) teardown() {
	c.active = false
	c.cancelTimer(&c.restartTimer)
	c.cancelTimer(&c.resumeTimer)
	c.cancelTimer(&c.reconnectTimer)

	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	for id, cancel := range c.sidePlayers {
		cancel()
		delete(c.sidePlayers, id)
	}
	c.queue.Flush()

	// Workers post their completions; with done closed those are dropped
	close(c.done)
	c.workers.Wait()

	var result *multierror.Error
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("transport: %w", err))
		}
		c.session = nil
	}
	c.connected = false

	if err := c.releaseDevices(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		c.log.Warn("Teardown errors: %v", err)
	}

	c.setState(Idle)
	c.journal.Record("call_end", map[string]interface{}{
		"duration_ms": time.Since(c.startedAt).Milliseconds(),
		"segments":    c.segments,
		"reconnects":  c.reconnects,
	})
	c.log.Info("Call ended (%d segments, %d reconnects)", c.segments, c.reconnects)
	c.publish()
}

// abort leaves a call that failed to start idle with its devices released
func (c *Call) abort(err error) error {
	c.lastErr = err.Error()
	c.publish()
	if rerr := c.releaseDevices(); rerr != nil {
		c.log.Warn("Release after failed start: %v", rerr)
	}
	close(c.done)
	close(c.finished)
	return err
}

// releaseDevices closes the microphone and the output context
func (c *Call) releaseDevices() error {
	var result *multierror.Error
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("capture: %w", err))
		}
	} else if c.deps.Source != nil {
		if err := c.deps.Source.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("capture: %w", err))
		}
	}
	if c.deps.Sink != nil {
		if err := c.deps.Sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("output: %w", err))
		}
	}
	return result.ErrorOrNil()
}
