package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/devservice"
	"github.com/lucianHymer/voicecall/internal/logger"
)

func main() {
	configPath := flag.String("config", "service.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadService(*configPath)
	if err != nil {
		// Try default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultService()
		} else {
			panic(err)
		}
	}

	log := logger.New(cfg.Server.Debug)
	log.Info("Starting dev conversation service")
	log.Info("Config: bind_address=%s, mode=%s, replies=%d, backchannel=%v",
		cfg.Server.BindAddress, cfg.Responder.Mode, cfg.Responder.ReplyCount, cfg.Responder.Backchannel)

	server := devservice.New(cfg, log)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatal("Server error: %v", err)
	case sig := <-sigChan:
		log.Info("Received signal %v, shutting down...", sig)
		if err := server.Stop(); err != nil {
			log.Error("Error stopping server: %v", err)
		}
	}

	log.Info("Server stopped")
}
