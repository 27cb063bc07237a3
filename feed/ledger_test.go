package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvents(from, to uint64) []Event {
	events := make([]Event, 0, to-from+1)
	for r := from; r <= to; r++ {
		events = append(events, Event{
			RowID:  r,
			Table:  "turbine_metrics",
			Record: map[string]any{"turbine_id": "WT-01", "power_kw": "1520.5"},
		})
	}
	return events
}

func openTestLedger(t *testing.T, maxEvents int) *Ledger {
	t.Helper()
	l, err := OpenLedger(t.TempDir(), "test", maxEvents)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_AppendAndReadBack(t *testing.T) {
	l := openTestLedger(t, 100)

	require.NoError(t, l.Append(testEvents(1, 5)))

	events, err := l.EventsSince(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.RowID)
		assert.Equal(t, "turbine_metrics", ev.Table)
		assert.Equal(t, "WT-01", ev.Record["turbine_id"])
	}
}

func TestLedger_EventsSinceRespectsLimit(t *testing.T) {
	l := openTestLedger(t, 100)
	require.NoError(t, l.Append(testEvents(1, 20)))

	events, err := l.EventsSince(5, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(6), events[0].RowID)
	assert.Equal(t, uint64(8), events[2].RowID)
}

func TestLedger_ReAppendDoesNotShrinkWindow(t *testing.T) {
	l := openTestLedger(t, 5)

	require.NoError(t, l.Append(testEvents(1, 5)))

	// A failed cursor persist makes the poller re-fetch rows it already
	// retained; replaying them must not count as new entries and evict.
	require.NoError(t, l.Append(testEvents(1, 5)))
	assert.Equal(t, uint64(1), l.OldestRetrievable())

	events, err := l.EventsSince(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 5)

	// Overlapping batches only admit the genuinely new tail.
	require.NoError(t, l.Append(testEvents(4, 6)))
	assert.Equal(t, uint64(2), l.OldestRetrievable())

	events, err = l.EventsSince(1, 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, uint64(2), events[0].RowID)
	assert.Equal(t, uint64(6), events[4].RowID)
}

func TestLedger_EvictsBeyondWindow(t *testing.T) {
	l := openTestLedger(t, 2)

	require.NoError(t, l.Append(testEvents(1, 10)))
	require.NoError(t, l.SetCursor(10))

	assert.Equal(t, uint64(9), l.OldestRetrievable())

	// Resume from 8: events 9 and 10 are still retained.
	events, err := l.EventsSince(8, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(9), events[0].RowID)
	assert.Equal(t, uint64(10), events[1].RowID)

	// Resume from 1: event 2 is gone, replay would be lossy.
	_, err = l.EventsSince(1, 10)
	require.Error(t, err)
	assert.True(t, IsRetentionExpired(err))

	var re *RetentionExpiredError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint64(1), re.Requested)
	assert.Equal(t, uint64(9), re.Oldest)
}

func TestLedger_IsRetrievable(t *testing.T) {
	l := openTestLedger(t, 2)
	require.NoError(t, l.Append(testEvents(1, 10)))
	require.NoError(t, l.SetCursor(10))

	// At or beyond the cursor there is nothing to replay.
	assert.True(t, l.IsRetrievable(10))
	assert.True(t, l.IsRetrievable(15))

	// Boundary: oldest retained is 9, so resume from 8 is the oldest
	// satisfiable position.
	assert.True(t, l.IsRetrievable(8))
	assert.False(t, l.IsRetrievable(7))
	assert.False(t, l.IsRetrievable(0))
}

func TestLedger_EmptyLedgerServesLiveTail(t *testing.T) {
	l := openTestLedger(t, 10)

	// Nothing emitted yet: any resume point has nothing to replay.
	assert.True(t, l.IsRetrievable(0))
	events, err := l.EventsSince(0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLedger_CursorRoundTrip(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenLedger(dir, "test", 100)
	require.NoError(t, err)

	require.NoError(t, l.Append(testEvents(1, 3)))
	require.NoError(t, l.SetCursor(3))
	require.NoError(t, l.AdvanceSinkCursor("nats-out", 2))
	require.NoError(t, l.Close())

	// Reopen: cursors and window bounds survive restart.
	l, err = OpenLedger(dir, "test", 100)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(3), l.Cursor())
	assert.Equal(t, uint64(2), l.SinkCursor("nats-out"))
	assert.Equal(t, uint64(1), l.OldestRetrievable())

	events, err := l.EventsSince(0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestLedger_SinkCursorDefaultsToZero(t *testing.T) {
	l := openTestLedger(t, 100)
	assert.Equal(t, uint64(0), l.SinkCursor("never-seen"))
}

func TestLedger_ClosedOperationsFail(t *testing.T) {
	l := openTestLedger(t, 100)
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Append(testEvents(1, 1)), ErrLedgerClosed)
	assert.ErrorIs(t, l.SetCursor(1), ErrLedgerClosed)
	_, err := l.EventsSince(0, 10)
	assert.ErrorIs(t, err, ErrLedgerClosed)

	// Close is idempotent.
	assert.NoError(t, l.Close())
}

func TestLedger_NullValuesSurviveRoundTrip(t *testing.T) {
	l := openTestLedger(t, 100)

	require.NoError(t, l.Append([]Event{{
		RowID:  1,
		Table:  "turbine_metrics",
		Record: map[string]any{"wind_speed": nil, "power_kw": "980.2"},
	}}))

	events, err := l.EventsSince(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Record["wind_speed"])
	assert.Equal(t, "980.2", events[0].Record["power_kw"])
}
