package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lucianHymer/voicecall/internal/api"
	"github.com/lucianHymer/voicecall/internal/audio"
	"github.com/lucianHymer/voicecall/internal/calibrate"
	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/debuglog"
	"github.com/lucianHymer/voicecall/internal/feedback"
	"github.com/lucianHymer/voicecall/internal/logger"
	"github.com/lucianHymer/voicecall/internal/playback"
	"github.com/lucianHymer/voicecall/internal/transport"
)

// Capture callbacks queued before the call loop drains them
const frameBufferSize = 64

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	calibrateMode := flag.Bool("calibrate", false, "Run silence threshold calibration")
	autoSave := flag.Bool("yes", false, "Auto-save calibration results without prompting")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			panic(err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level := logger.LevelInfo
	if cfg.Client.Debug {
		level = logger.LevelDebug
	}
	log, err := logger.NewWithConfig(logger.Config{
		Level:       level,
		Format:      logger.ParseFormat(cfg.Client.LogFormat),
		FilePath:    cfg.Client.LogFile,
		MaxFileSize: int64(cfg.Client.DebugLogMaxSize),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if *calibrateMode {
		source := audio.NewMalgoSource(frameBufferSize, cfg.Audio.DeviceName, log)
		wizard := calibrate.NewWizard(cfg, source, log)
		if _, err := wizard.Run(*configPath, *autoSave); err != nil {
			log.Fatal("Calibration failed: %v", err)
		}
		return
	}

	log.Info("Starting voice call client")
	log.Info("Config: server_url=%s, transport=%s, api_bind_address=%s, debug=%v",
		cfg.Server.URL, cfg.Server.Transport, cfg.Client.APIBindAddress, cfg.Client.Debug)

	journal, err := debuglog.New(cfg.Client.DebugLogPath, int64(cfg.Client.DebugLogMaxSize), log)
	if err != nil {
		log.Fatal("Failed to open call journal: %v", err)
	}
	defer journal.Close()

	// cfgMu guards cfg against SIGHUP reloads while a call is being built
	var cfgMu sync.RWMutex
	factory := func() (*call.Call, error) {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return newCall(cfg, journal, log)
	}
	manager := call.NewManager(factory, log)

	apiServer := api.New(cfg.Client.APIBindAddress, manager, log)

	sinks := []feedback.Sink{apiServer}
	if cfg.Client.ShowMeter {
		sinks = append(sinks, feedback.NewMeter(os.Stderr, 30, 4))
	}
	var mqttSink *feedback.MQTTSink
	if cfg.MQTT.Broker != "" {
		mqttSink = feedback.NewMQTTSink(cfg.MQTT, log)
		sinks = append(sinks, mqttSink)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go feedback.NewPump(manager.Snapshot, feedback.DefaultInterval, log, sinks...).Run(ctx)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("API server error: %v", err)
		}
	}()

	if cfg.Client.AutoStart {
		if err := manager.Start(ctx); err != nil {
			log.Error("Failed to start call: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	log.Info("Client running - POST /start on %s to begin a call, Ctrl+C to quit", cfg.Client.APIBindAddress)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		cfgMu.Lock()
		err := cfg.Reload()
		cfgMu.Unlock()
		if err != nil {
			log.Error("Config reload failed: %v", err)
			continue
		}
		log.Info("Config reloaded; applies from the next call")
	}

	log.Info("Shutting down...")

	if err := manager.End(); err != nil && !errors.Is(err, call.ErrNotActive) {
		log.Error("Error ending call: %v", err)
	}
	cancel()

	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server: %v", err)
	}
	if mqttSink != nil {
		mqttSink.Close()
	}

	log.Info("Client stopped")
}

// newCall wires fresh devices, a dialer and the player for one call
func newCall(cfg *config.Config, journal call.Journal, log *logger.Logger) (*call.Call, error) {
	sink, err := audio.NewMalgoSink(cfg.Audio.OutputDeviceName, audio.CaptureSampleRate, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio output: %w", err)
	}

	var dialer transport.Dialer = &transport.WebSocketDialer{}
	if cfg.Server.Transport == "webrtc" {
		dialer = &transport.WebRTCDialer{
			ICEServers: transport.ICEServers(cfg.Server.ICEServers),
			Logger:     log,
		}
	}

	player := playback.NewPlayer(log,
		playback.NewBufferStrategy(sink, cfg.Audio.InboundSampleRate),
		playback.NewStreamStrategy(cfg.Audio.FFplayPath, cfg.Audio.InboundSampleRate),
	)

	return call.New(call.OptionsFromConfig(cfg), call.Deps{
		Source:  audio.NewMalgoSource(frameBufferSize, cfg.Audio.DeviceName, log),
		Sink:    sink,
		Dialer:  dialer,
		Player:  player,
		Journal: journal,
	}, log), nil
}
