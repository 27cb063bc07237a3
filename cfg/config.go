package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration names one append-only SQLite source to watch.
type SourceConfiguration struct {
	Name  string `toml:"name"`
	Path  string `toml:"path"`
	Table string `toml:"table"`
}

// PollerConfiguration controls change discovery cadence.
type PollerConfiguration struct {
	IntervalMS int `toml:"interval_ms"` // Delay between poll cycles
	BatchSize  int `toml:"batch_size"`  // Rows fetched per query
}

// RetentionConfiguration bounds the resume window.
type RetentionConfiguration struct {
	MaxEvents int `toml:"max_events"` // Newest events kept replayable (count-based)
}

// StreamConfiguration controls the SSE endpoint and per-session limits.
type StreamConfiguration struct {
	BindAddress        string `toml:"bind_address"`
	Port               int    `toml:"port"`
	QueueSize          int    `toml:"queue_size"`           // Buffered-but-undelivered events per session
	MaxSessions        int    `toml:"max_sessions"`         // Concurrent subscriber cap
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"` // Liveness probe interval per session
	AllowCORS          bool   `toml:"allow_cors"`
}

// AuthConfiguration gates stream access by bearer token.
type AuthConfiguration struct {
	Enabled bool     `toml:"enabled"`
	Tokens  []string `toml:"tokens"`
}

// SinkConfiguration describes one optional downstream publisher.
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats" or "kafka"
	Source          string   `toml:"source"` // Feed to publish; defaults to the first source
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Sources    []SourceConfiguration   `toml:"sources"`
	Poller     PollerConfiguration     `toml:"poller"`
	Retention  RetentionConfiguration  `toml:"retention"`
	Stream     StreamConfiguration     `toml:"stream"`
	Auth       AuthConfiguration       `toml:"auth"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	PortFlag       = flag.Int("port", 0, "Stream port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./scadafeed-data",

	Poller: PollerConfiguration{
		IntervalMS: 500,
		BatchSize:  500,
	},

	Retention: RetentionConfiguration{
		MaxEvents: 10000,
	},

	Stream: StreamConfiguration{
		BindAddress:        "0.0.0.0",
		Port:               8200,
		QueueSize:          256,
		MaxSessions:        1024,
		IdleTimeoutSeconds: 60,
		AllowCORS:          true,
	},

	Auth: AuthConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *PortFlag != 0 {
		Config.Stream.Port = *PortFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("scadafeed")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Stream.Port < 1 || Config.Stream.Port > 65535 {
		return fmt.Errorf("invalid stream port: %d", Config.Stream.Port)
	}

	if len(Config.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	seen := make(map[string]bool, len(Config.Sources))
	for _, src := range Config.Sources {
		if src.Name == "" {
			return fmt.Errorf("source name is required")
		}
		if src.Path == "" {
			return fmt.Errorf("source %q: path is required", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name: %s", src.Name)
		}
		seen[src.Name] = true
	}

	if Config.Poller.IntervalMS < 1 {
		return fmt.Errorf("poller interval must be >= 1ms")
	}

	if Config.Poller.BatchSize < 1 {
		return fmt.Errorf("poller batch size must be >= 1")
	}

	if Config.Retention.MaxEvents < 1 {
		return fmt.Errorf("retention window must keep at least one event")
	}

	if Config.Stream.QueueSize < 1 {
		return fmt.Errorf("session queue size must be >= 1")
	}

	if Config.Stream.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be >= 1")
	}

	if Config.Stream.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle timeout must be >= 1 second")
	}

	if Config.Auth.Enabled && len(Config.Auth.Tokens) == 0 {
		return fmt.Errorf("auth is enabled but no tokens are configured")
	}

	validSinkTypes := map[string]bool{"nats": true, "kafka": true}
	sinkNames := make(map[string]bool, len(Config.Sinks))
	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if sinkNames[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		sinkNames[sink.Name] = true
		if !validSinkTypes[sink.Type] {
			return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
		}
		if sink.Source != "" && !seen[sink.Source] {
			return fmt.Errorf("sink %q: unknown source %q", sink.Name, sink.Source)
		}
	}

	return nil
}

// DefaultSource returns the first configured source, the one served at the
// default stream endpoint.
func DefaultSource() SourceConfiguration {
	return Config.Sources[0]
}
