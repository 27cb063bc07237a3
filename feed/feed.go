// Package feed implements the change-feed core: a cursor-driven poller over
// an append-only row source, a bounded retention ledger for resume, and a
// non-blocking fan-out hub of per-subscriber sessions.
package feed

import (
	"fmt"
	"time"
)

// Options bound one feed's buffering and retention behavior.
type Options struct {
	QueueSize    int           // per-session undelivered buffer limit
	MaxSessions  int           // concurrent subscriber cap
	MaxEvents    int           // retention window, count-based
	PollInterval time.Duration // change discovery cadence
	BatchSize    int           // rows fetched per poll query
}

// Feed ties one source to its ledger, hub and poller. Created at service
// start and torn down at shutdown; handles are passed explicitly, never
// reached through globals.
type Feed struct {
	Source RowSource
	Ledger *Ledger
	Hub    *Hub
	Poller *Poller
}

// New opens the ledger for a source and wires its hub and poller.
func New(dataDir string, source RowSource, opts Options) (*Feed, error) {
	ledger, err := OpenLedger(dataDir, source.Name(), opts.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger for %s: %w", source.Name(), err)
	}

	hub := NewHub(source.Name(), ledger, opts.QueueSize, opts.MaxSessions)
	poller := NewPoller(source, ledger, hub, opts.PollInterval, opts.BatchSize)

	return &Feed{
		Source: source,
		Ledger: ledger,
		Hub:    hub,
		Poller: poller,
	}, nil
}

// Start launches the feed's change poller.
func (f *Feed) Start() {
	f.Poller.Start()
}

// Stop stops polling and closes the ledger.
func (f *Feed) Stop() error {
	f.Poller.Stop()
	return f.Ledger.Close()
}
