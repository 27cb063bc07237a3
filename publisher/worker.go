package publisher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/windscada/scadafeed/feed"
	"github.com/windscada/scadafeed/telemetry"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish
	DefaultMaxRetries = 100
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Source          string        // Feed name (topic component)
	Ledger          *feed.Ledger  // Retention ledger to tail
	Sink            Sink          // Destination sink
	Filter          Filter        // Table filter
	TopicPrefix     string        // Topic prefix (e.g., "scada.feed")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// Worker tails the retention ledger and publishes events to a sink.
// Delivery is at-least-once: the cursor advances only after a successful
// publish, so a crash can redeliver but never skip.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates the config and loads the sink's persisted cursor. A
// sink that has never published starts at the oldest retained event, not at
// zero: anything older is gone from the window anyway.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor := config.Ledger.SinkCursor(config.Name)
	if cursor == 0 {
		if oldest := config.Ledger.OldestRetrievable(); oldest > 0 {
			cursor = oldest - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting sink worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Sink worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			events, err := w.config.Ledger.EventsSince(w.cursor, w.config.BatchSize)
			if err != nil {
				if feed.IsRetentionExpired(err) {
					// The window moved past us while we were down or stalled.
					// Skip ahead; the gap is logged once, not retried forever.
					oldest := w.config.Ledger.OldestRetrievable()
					log.Warn().
						Str("sink", w.config.Name).
						Uint64("cursor", w.cursor).
						Uint64("oldest", oldest).
						Msg("Sink cursor fell outside retention window, skipping ahead")
					w.cursor = oldest - 1
					continue
				}
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("cursor", w.cursor).
					Msg("Failed to read from ledger")
				w.sleep(w.config.PollInterval)
				continue
			}

			if len(events) == 0 {
				w.sleep(w.config.PollInterval)
				continue
			}

			for i := range events {
				if err := w.processEvent(&events[i]); err != nil {
					log.Error().
						Err(err).
						Str("sink", w.config.Name).
						Uint64("rowid", events[i].RowID).
						Msg("Giving up on sink publish")
					return
				}
				w.cursor = events[i].RowID
			}
		}
	}
}

// processEvent publishes one event, retrying with backoff. Filtered events
// advance the cursor without publishing.
func (w *Worker) processEvent(ev *feed.Event) error {
	if !w.config.Filter.Match(ev.Table) {
		if err := w.config.Ledger.AdvanceSinkCursor(w.config.Name, ev.RowID); err != nil {
			log.Warn().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("rowid", ev.RowID).
				Msg("Failed to advance cursor for filtered event")
		}
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		// Unencodable payload: skip it, never wedge the sink.
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("rowid", ev.RowID).
			Msg("Skipping unencodable event")
		return nil
	}

	topic := w.buildTopic(ev.Table)
	key := strconv.FormatUint(ev.RowID, 10)

	if err := w.publishWithRetry(topic, key, data); err != nil {
		telemetry.SinkPublished.With(w.config.Name, "failed").Inc()
		return err
	}
	telemetry.SinkPublished.With(w.config.Name, "success").Inc()

	if err := w.config.Ledger.AdvanceSinkCursor(w.config.Name, ev.RowID); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("rowid", ev.RowID).
			Msg("Failed to advance cursor after publish - event may be redelivered")
	}
	return nil
}

func (w *Worker) buildTopic(table string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", w.config.Source, table)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, w.config.Source, table)
}

// publishWithRetry publishes with exponential backoff, stopping early when
// the worker shuts down or retries are exhausted.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for d, checking stopCh. Returns false when stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
