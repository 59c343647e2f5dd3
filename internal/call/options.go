package call

import (
	"time"

	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/vad"
)

// Options configure one call
type Options struct {
	ServiceURL  string
	SessionPath string
	VoiceID     string
	Language    string
	Formats     []string

	UploadRate int
	ChunkMs    int

	VAD               vad.Config
	SampleInterval    time.Duration
	RestartDelay      time.Duration
	ResumeDelay       time.Duration
	ForceSendInterval time.Duration

	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration

	BackchannelVolume float64
}

// OptionsFromConfig maps the client configuration onto call options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServiceURL:  cfg.Server.URL,
		SessionPath: cfg.Server.SessionPath,
		VoiceID:     cfg.Call.VoiceID,
		Language:    cfg.Call.Language,
		Formats:     cfg.Call.Formats,

		UploadRate: cfg.Audio.UploadSampleRate,
		ChunkMs:    cfg.Audio.ChunkMs,

		VAD: vad.Config{
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			SilenceSamples:   cfg.VAD.SilenceSamples,
			MaxSegment:       cfg.VAD.MaxSegment(),
		},
		SampleInterval:    cfg.VAD.SampleInterval(),
		RestartDelay:      cfg.VAD.RestartDelay(),
		ResumeDelay:       cfg.VAD.ResumeDelay(),
		ForceSendInterval: cfg.VAD.ForceSendInterval(),

		ConnectTimeout:    cfg.Server.ConnectTimeout(),
		ReconnectDelay:    cfg.Server.ReconnectDelay(),
		KeepaliveInterval: cfg.Server.KeepaliveInterval(),

		BackchannelVolume: cfg.Audio.BackchannelVolume,
	}
}

func (o *Options) setDefaults() {
	if o.SessionPath == "" {
		o.SessionPath = "/v1/call"
	}
	if o.Language == "" {
		o.Language = "en"
	}
	if o.SampleInterval == 0 {
		o.SampleInterval = 150 * time.Millisecond
	}
	if o.RestartDelay == 0 {
		o.RestartDelay = 200 * time.Millisecond
	}
	if o.ResumeDelay == 0 {
		o.ResumeDelay = 300 * time.Millisecond
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.BackchannelVolume == 0 {
		o.BackchannelVolume = 0.35
	}
}
