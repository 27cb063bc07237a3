package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/windscada/scadafeed/cfg"
	"github.com/windscada/scadafeed/feed"
	"github.com/windscada/scadafeed/publisher"
	_ "github.com/windscada/scadafeed/publisher/sink"
	"github.com/windscada/scadafeed/source"
	"github.com/windscada/scadafeed/stream"
	"github.com/windscada/scadafeed/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Scadafeed - SQLite change-feed fan-out")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	opts := feed.Options{
		QueueSize:    cfg.Config.Stream.QueueSize,
		MaxSessions:  cfg.Config.Stream.MaxSessions,
		MaxEvents:    cfg.Config.Retention.MaxEvents,
		PollInterval: time.Duration(cfg.Config.Poller.IntervalMS) * time.Millisecond,
		BatchSize:    cfg.Config.Poller.BatchSize,
	}

	// Open sources and wire their feeds
	feeds := make(map[string]*feed.Feed, len(cfg.Config.Sources))
	ledgers := make(map[string]*feed.Ledger, len(cfg.Config.Sources))
	for _, srcCfg := range cfg.Config.Sources {
		src, err := source.Open(srcCfg.Name, srcCfg.Path, srcCfg.Table)
		if err != nil {
			log.Fatal().Err(err).Str("source", srcCfg.Name).Msg("Failed to open source")
			return
		}

		f, err := feed.New(cfg.Config.DataDir, src, opts)
		if err != nil {
			src.Close()
			log.Fatal().Err(err).Str("source", srcCfg.Name).Msg("Failed to initialize feed")
			return
		}

		feeds[srcCfg.Name] = f
		ledgers[srcCfg.Name] = f.Ledger

		log.Info().
			Str("source", srcCfg.Name).
			Str("path", srcCfg.Path).
			Str("table", src.Table()).
			Uint64("cursor", f.Ledger.Cursor()).
			Msg("Feed initialized")
	}

	// Start change pollers
	for _, f := range feeds {
		f.Start()
	}

	// Optional downstream sinks
	var registry *publisher.Registry
	if len(cfg.Config.Sinks) > 0 {
		sinkConfigs := make([]cfg.SinkConfiguration, len(cfg.Config.Sinks))
		copy(sinkConfigs, cfg.Config.Sinks)
		for i := range sinkConfigs {
			if sinkConfigs[i].Source == "" {
				sinkConfigs[i].Source = cfg.DefaultSource().Name
			}
		}

		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			Ledgers:     ledgers,
			SinkConfigs: sinkConfigs,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize sink registry")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start sink registry")
			return
		}
	}

	// Stream server
	server := stream.NewServer(feeds, cfg.DefaultSource().Name)
	server.Start()

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Int("port", cfg.Config.Stream.Port).
		Int("sources", len(feeds)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Scadafeed is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop discovering new rows, then signal end-of-data so every open
	// stream drains its queue and closes with the terminal end event
	// instead of being cut off when the server stops.
	for _, f := range feeds {
		f.Poller.Stop()
		f.Hub.Complete()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Stream server shutdown incomplete")
	}

	if registry != nil {
		registry.Stop()
	}

	for name, f := range feeds {
		if err := f.Stop(); err != nil {
			log.Warn().Err(err).Str("source", name).Msg("Failed to stop feed")
		}
	}
	for _, srcCfg := range cfg.Config.Sources {
		if f, ok := feeds[srcCfg.Name]; ok {
			if closer, ok := f.Source.(interface{ Close() error }); ok {
				closer.Close()
			}
		}
	}

	log.Info().Msg("Shutdown complete")
}
