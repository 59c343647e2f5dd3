package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the client configuration
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Call   CallConfig   `yaml:"call"`
	Audio  AudioConfig  `yaml:"audio"`
	VAD    VADConfig    `yaml:"vad"`
	MQTT   MQTTConfig   `yaml:"mqtt"`

	// Internal field to track config file path for reloading
	filePath string
}

// ClientConfig covers the local process: control API, logging, journal
type ClientConfig struct {
	APIBindAddress  string `yaml:"api_bind_address"`
	Debug           bool   `yaml:"debug"`
	LogFormat       string `yaml:"log_format"` // text or json
	LogFile         string `yaml:"log_file"`
	DebugLogPath    string `yaml:"debug_log_path"`
	DebugLogMaxSize int    `yaml:"debug_log_max_size"`
	ShowMeter       bool   `yaml:"show_meter"`
	AutoStart       bool   `yaml:"auto_start"`
}

// ServerConfig describes the remote conversation service
type ServerConfig struct {
	URL                 string      `yaml:"url"`
	SessionPath         string      `yaml:"session_path"`
	Transport           string      `yaml:"transport"` // websocket or webrtc
	ICEServers          []ICEServer `yaml:"ice_servers"`
	ConnectTimeoutMs    int         `yaml:"connect_timeout_ms"`
	ReconnectDelayMs    int         `yaml:"reconnect_delay_ms"`
	KeepaliveIntervalMs int         `yaml:"keepalive_interval_ms"`
}

// ICEServer represents a WebRTC ICE server configuration
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// CallConfig is sent to the service in the config frame
type CallConfig struct {
	VoiceID  string   `yaml:"voice_id"`
	Language string   `yaml:"language"`
	Formats  []string `yaml:"formats"` // preference order, first supported wins
}

// AudioConfig covers capture and playback devices
type AudioConfig struct {
	DeviceName        string  `yaml:"device_name"` // Empty = default device
	OutputDeviceName  string  `yaml:"output_device_name"`
	SampleRate        int     `yaml:"sample_rate"`
	UploadSampleRate  int     `yaml:"upload_sample_rate"`
	InboundSampleRate int     `yaml:"inbound_sample_rate"` // rate of raw PCM audio frames from the service
	ChunkMs           int     `yaml:"chunk_ms"`
	BackchannelVolume float64 `yaml:"backchannel_volume"`
	FFplayPath        string  `yaml:"ffplay_path"`
}

// VADConfig holds the speech segmenter and turn timing settings
type VADConfig struct {
	SilenceThreshold    float64 `yaml:"silence_threshold"`
	SilenceSamples      int     `yaml:"silence_samples"`
	SampleIntervalMs    int     `yaml:"sample_interval_ms"`
	MaxSegmentMs        int     `yaml:"max_segment_ms"`
	RestartDelayMs      int     `yaml:"restart_delay_ms"`
	ResumeDelayMs       int     `yaml:"resume_delay_ms"`
	ForceSendIntervalMs int     `yaml:"force_send_interval_ms"` // 0 disables the timer
}

// MQTTConfig enables publishing call state to a broker
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // Empty = disabled
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s ServerConfig) ConnectTimeout() time.Duration    { return ms(s.ConnectTimeoutMs) }
func (s ServerConfig) ReconnectDelay() time.Duration    { return ms(s.ReconnectDelayMs) }
func (s ServerConfig) KeepaliveInterval() time.Duration { return ms(s.KeepaliveIntervalMs) }

func (v VADConfig) SampleInterval() time.Duration    { return ms(v.SampleIntervalMs) }
func (v VADConfig) MaxSegment() time.Duration        { return ms(v.MaxSegmentMs) }
func (v VADConfig) RestartDelay() time.Duration      { return ms(v.RestartDelayMs) }
func (v VADConfig) ResumeDelay() time.Duration       { return ms(v.ResumeDelayMs) }
func (v VADConfig) ForceSendInterval() time.Duration { return ms(v.ForceSendIntervalMs) }

// Load reads and parses the configuration file.
// A .env file next to the process is loaded first so ${VAR} references expand.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Store the file path for reloading
	cfg.filePath = path
	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Client.APIBindAddress == "" {
		c.Client.APIBindAddress = "localhost:8081"
	}
	if c.Client.LogFormat == "" {
		c.Client.LogFormat = "text"
	}
	if c.Client.DebugLogMaxSize == 0 {
		c.Client.DebugLogMaxSize = 8388608 // 8MB
	}

	if c.Server.URL == "" {
		c.Server.URL = "ws://localhost:8080"
	}
	if c.Server.SessionPath == "" {
		c.Server.SessionPath = "/v1/call"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "websocket"
	}
	if c.Server.ConnectTimeoutMs == 0 {
		c.Server.ConnectTimeoutMs = 10000
	}
	if c.Server.ReconnectDelayMs == 0 {
		c.Server.ReconnectDelayMs = 500
	}
	if c.Server.KeepaliveIntervalMs == 0 {
		c.Server.KeepaliveIntervalMs = 5000
	}

	if c.Call.Language == "" {
		c.Call.Language = "en"
	}
	if len(c.Call.Formats) == 0 {
		c.Call.Formats = []string{"wav", "pcm_s16le"}
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.UploadSampleRate == 0 {
		c.Audio.UploadSampleRate = c.Audio.SampleRate
	}
	if c.Audio.InboundSampleRate == 0 {
		c.Audio.InboundSampleRate = 24000
	}
	if c.Audio.ChunkMs == 0 {
		c.Audio.ChunkMs = 250
	}
	if c.Audio.BackchannelVolume == 0 {
		c.Audio.BackchannelVolume = 0.35
	}
	if c.Audio.FFplayPath == "" {
		c.Audio.FFplayPath = "ffplay"
	}

	if c.VAD.SilenceThreshold == 0 {
		c.VAD.SilenceThreshold = 0.015
	}
	if c.VAD.SilenceSamples == 0 {
		c.VAD.SilenceSamples = 3 // ~450ms at 150ms cadence
	}
	if c.VAD.SampleIntervalMs == 0 {
		c.VAD.SampleIntervalMs = 150
	}
	if c.VAD.MaxSegmentMs == 0 {
		c.VAD.MaxSegmentMs = 3000
	}
	if c.VAD.RestartDelayMs == 0 {
		c.VAD.RestartDelayMs = 200
	}
	if c.VAD.ResumeDelayMs == 0 {
		c.VAD.ResumeDelayMs = 300
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "voicecall-client"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "voicecall/state"
	}
}

// Validate rejects settings the call cannot run with
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "websocket", "webrtc":
	default:
		return fmt.Errorf("server.transport must be websocket or webrtc, got %q", c.Server.Transport)
	}
	if c.Audio.UploadSampleRate != c.Audio.SampleRate && !(c.Audio.SampleRate == 48000 && c.Audio.UploadSampleRate == 16000) {
		return fmt.Errorf("audio.upload_sample_rate %d not supported from %d Hz capture", c.Audio.UploadSampleRate, c.Audio.SampleRate)
	}
	if c.Audio.BackchannelVolume < 0 || c.Audio.BackchannelVolume > 1 {
		return fmt.Errorf("audio.backchannel_volume must be within [0,1]")
	}
	if c.VAD.SilenceThreshold <= 0 || c.VAD.SilenceThreshold >= 1 {
		return fmt.Errorf("vad.silence_threshold must be within (0,1)")
	}
	return nil
}

// Reload reloads the configuration from disk and updates the current config in-place.
// Components holding a reference see the new values on their next call start.
func (c *Config) Reload() error {
	if c.filePath == "" {
		return fmt.Errorf("config file path not set, cannot reload")
	}

	newCfg, err := Load(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.Client = newCfg.Client
	c.Server = newCfg.Server
	c.Call = newCfg.Call
	c.Audio = newCfg.Audio
	c.VAD = newCfg.VAD
	c.MQTT = newCfg.MQTT

	return nil
}

// FilePath returns the file this config was loaded from, if any
func (c *Config) FilePath() string {
	return c.filePath
}

// Default returns a default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Client.Debug = true
	cfg.setDefaults()
	return cfg
}
