package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windscada/scadafeed/cfg"
	"github.com/windscada/scadafeed/feed"
)

func init() {
	RegisterSink("mock", func(cfg.SinkConfiguration) (Sink, error) {
		return &mockSink{}, nil
	})
}

func TestRegistry_UnknownSinkType(t *testing.T) {
	ledger := openWorkerLedger(t)

	_, err := NewRegistry(RegistryConfig{
		Ledgers: map[string]*feed.Ledger{"turbines": ledger},
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "bad", Type: "carrier-pigeon", Source: "turbines"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

func TestRegistry_UnknownSource(t *testing.T) {
	ledger := openWorkerLedger(t)

	_, err := NewRegistry(RegistryConfig{
		Ledgers: map[string]*feed.Ledger{"turbines": ledger},
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "out", Type: "mock", Source: "no-such-farm"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestRegistry_InvalidFilterPattern(t *testing.T) {
	ledger := openWorkerLedger(t)

	_, err := NewRegistry(RegistryConfig{
		Ledgers: map[string]*feed.Ledger{"turbines": ledger},
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "out", Type: "mock", Source: "turbines", FilterTables: []string{"["}},
		},
	})
	require.Error(t, err)
}

func TestRegistry_Lifecycle(t *testing.T) {
	ledger := openWorkerLedger(t)
	seedEvents(t, ledger, 1, 2)

	r, err := NewRegistry(RegistryConfig{
		Ledgers: map[string]*feed.Ledger{"turbines": ledger},
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "out", Type: "mock", Source: "turbines", PollIntervalMS: 10},
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start()) // already running

	snk := r.workers[0].config.Sink.(*mockSink)
	waitForCount(t, snk, 2)
	assert.Eventually(t, func() bool {
		return ledger.SinkCursor("out") == 2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop() // idempotent
}
