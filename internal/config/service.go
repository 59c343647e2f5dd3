package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds the local development conversation service configuration
type ServiceConfig struct {
	Server struct {
		BindAddress string `yaml:"bind_address"`
		Debug       bool   `yaml:"debug"`
		SessionPath string `yaml:"session_path"`
	} `yaml:"server"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Responder struct {
		// Mode is "url" (tts_url frames) or "binary" (audio frames on the socket)
		Mode         string  `yaml:"mode"`
		SegmentGapMs int     `yaml:"segment_gap_ms"`
		ThinkingMs   int     `yaml:"thinking_ms"`
		ReplyCount   int     `yaml:"reply_count"`
		ToneHz       float64 `yaml:"tone_hz"`
		ToneMs       int     `yaml:"tone_ms"`
		SampleRate   int     `yaml:"sample_rate"`
		Backchannel  bool    `yaml:"backchannel"`
	} `yaml:"responder"`
}

// LoadService reads and parses the dev service configuration file
func LoadService(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *ServiceConfig) setDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = "localhost:8080"
	}
	if c.Server.SessionPath == "" {
		c.Server.SessionPath = "/v1/call"
	}
	if c.Responder.Mode == "" {
		c.Responder.Mode = "url"
	}
	if c.Responder.SegmentGapMs == 0 {
		c.Responder.SegmentGapMs = 700
	}
	if c.Responder.ThinkingMs == 0 {
		c.Responder.ThinkingMs = 300
	}
	if c.Responder.ReplyCount == 0 {
		c.Responder.ReplyCount = 1
	}
	if c.Responder.ToneHz == 0 {
		c.Responder.ToneHz = 440
	}
	if c.Responder.ToneMs == 0 {
		c.Responder.ToneMs = 600
	}
	if c.Responder.SampleRate == 0 {
		c.Responder.SampleRate = 24000
	}
}

// DefaultService returns a default dev service configuration
func DefaultService() *ServiceConfig {
	cfg := &ServiceConfig{}
	cfg.Server.Debug = true
	cfg.setDefaults()
	return cfg
}
