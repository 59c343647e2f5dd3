package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/lucianHymer/voicecall/internal/logger"
)

// MalgoSource captures the microphone through miniaudio
type MalgoSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	deviceName string // Optional: specify device by name
	isRunning  bool
	sampleRate int
	mu         sync.Mutex
	logger     *logger.ContextLogger

	frames  chan []byte
	dropped atomic.Uint64
}

// NewMalgoSource creates a capture source.
// frameBufferSize determines how many device callbacks can be queued.
// deviceName specifies which device to use (empty = default).
func NewMalgoSource(frameBufferSize int, deviceName string, log *logger.Logger) *MalgoSource {
	if frameBufferSize <= 0 {
		frameBufferSize = 64
	}
	return &MalgoSource{
		frames:     make(chan []byte, frameBufferSize),
		deviceName: deviceName,
		logger:     log.With("audio"),
	}
}

// Open initialises the context and starts the capture device
func (s *MalgoSource) Open(c Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("capture source already open")
	}

	// miniaudio has no processing stages of its own
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		s.logger.Warn("Capture backend ignores constraints (aec=%v ns=%v agc=%v)",
			c.EchoCancellation, c.NoiseSuppression, c.AutoGainControl)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to initialize malgo context: %v", ErrCaptureDenied, err)
	}
	s.ctx = ctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	if id, ok := s.findDevice(); ok {
		deviceConfig.Capture.DeviceID = id.Pointer()
		s.logger.Info("Using specified device: %s", s.deviceName)
	} else if s.deviceName != "" {
		s.logger.Warn("Device '%s' not found, using default", s.deviceName)
	} else {
		s.logger.Info("Using default audio device")
	}

	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.Channels)
	deviceConfig.SampleRate = uint32(c.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, pSample []byte, _ uint32) {
		frame := make([]byte, len(pSample))
		copy(frame, pSample)

		// Non-blocking: the audio thread must never wait on the call loop
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		s.freeContext()
		return fmt.Errorf("%w: failed to initialize capture device: %v", ErrCaptureDenied, err)
	}
	s.device = device
	s.sampleRate = int(device.SampleRate())

	s.logger.InfoWithFields("Capture device configured", map[string]interface{}{
		"sample_rate": device.SampleRate(),
		"format":      device.CaptureFormat(),
		"channels":    device.CaptureChannels(),
	})
	if s.sampleRate != c.SampleRate {
		s.logger.Warn("Device is using %d Hz, requested %d Hz", s.sampleRate, c.SampleRate)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		s.device = nil
		s.freeContext()
		return fmt.Errorf("%w: failed to start capture device: %v", ErrCaptureDenied, err)
	}

	s.isRunning = true
	return nil
}

func (s *MalgoSource) findDevice() (malgo.DeviceID, bool) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		s.logger.Warn("Failed to enumerate capture devices: %v", err)
		return malgo.DeviceID{}, false
	}

	for i, info := range infos {
		if info.IsDefault != 0 {
			s.logger.Debug("[%d] %s [DEFAULT]", i, info.Name())
		} else {
			s.logger.Debug("[%d] %s", i, info.Name())
		}
		if s.deviceName != "" && info.Name() == s.deviceName {
			return info.ID, true
		}
	}
	return malgo.DeviceID{}, false
}

func (s *MalgoSource) freeContext() {
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
}

// Frames returns the channel that receives captured PCM
func (s *MalgoSource) Frames() <-chan []byte {
	return s.frames
}

// SampleRate reports the device rate once open
func (s *MalgoSource) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleRate == 0 {
		return CaptureSampleRate
	}
	return s.sampleRate
}

// Close stops the device and releases the context
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	s.freeContext()

	if n := s.dropped.Load(); n > 0 {
		s.logger.Warn("Dropped %d capture frames (consumer too slow)", n)
	}
	s.isRunning = false
	return nil
}
