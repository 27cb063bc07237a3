package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/windscada/scadafeed/cfg"
	"github.com/windscada/scadafeed/feed"
)

// RegistryConfig configures the sink registry.
type RegistryConfig struct {
	Ledgers     map[string]*feed.Ledger // Retention ledgers by source name
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all sink workers.
type Registry struct {
	ledgers map[string]*feed.Ledger
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds one worker per configured sink. Sinks connect eagerly
// so misconfiguration fails startup rather than the first publish.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		ledgers: config.Ledgers,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Sink registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ledger, ok := r.ledgers[config.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", config.Source)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	workerConfig := WorkerConfig{
		Name:            config.Name,
		Source:          config.Source,
		Ledger:          ledger,
		Sink:            snk,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	}

	worker, err := NewWorker(workerConfig)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("source", config.Source).
		Msg("Added sink")

	return nil
}

// Start starts all workers.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting sink registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping sink registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Sink registry stopped")
}

// createSink creates a sink based on the configuration.
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
