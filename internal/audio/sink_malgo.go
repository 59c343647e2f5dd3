package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/lucianHymer/voicecall/internal/logger"
)

// MalgoSink is the shared output context for one call. Each clip gets its
// own playback device so a backchannel can overlap the main queue.
type MalgoSink struct {
	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	deviceName string
	sampleRate int
	logger     *logger.ContextLogger
}

// NewMalgoSink initialises the output context at sampleRate
func NewMalgoSink(deviceName string, sampleRate int, log *logger.Logger) (*MalgoSink, error) {
	if sampleRate == 0 {
		sampleRate = CaptureSampleRate
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	return &MalgoSink{
		ctx:        ctx,
		deviceName: deviceName,
		sampleRate: sampleRate,
		logger:     log.With("playback"),
	}, nil
}

// SampleRate of the output context
func (s *MalgoSink) SampleRate() int {
	return s.sampleRate
}

// Play renders clip and blocks until it drains or ctx is cancelled
func (s *MalgoSink) Play(ctx context.Context, clip Clip, volume float64) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return fmt.Errorf("output context closed")
	}
	mctx := s.ctx
	s.mu.Unlock()

	clip = clip.Mono()
	samples := Resample(clip.Samples, clip.SampleRate, s.sampleRate)
	if len(samples) == 0 {
		return nil
	}
	samples = append([]int16(nil), samples...)
	ScaleVolume(samples, volume)
	pcm := SamplesToBytes(samples)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = uint32(s.sampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if id, ok := s.findDevice(mctx); ok {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}

	done := make(chan struct{})
	var once sync.Once
	var pos int
	onSendFrames := func(pOutput, _ []byte, _ uint32) {
		n := copy(pOutput, pcm[pos:])
		pos += n
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
		if pos >= len(pcm) {
			once.Do(func() { close(done) })
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSendFrames,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	defer device.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MalgoSink) findDevice(mctx *malgo.AllocatedContext) (malgo.DeviceID, bool) {
	if s.deviceName == "" {
		return malgo.DeviceID{}, false
	}
	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return malgo.DeviceID{}, false
	}
	for _, info := range infos {
		if info.Name() == s.deviceName {
			return info.ID, true
		}
	}
	s.logger.Warn("Output device '%s' not found, using default", s.deviceName)
	return malgo.DeviceID{}, false
}

// Close releases the output context
func (s *MalgoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}
