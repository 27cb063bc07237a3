package feed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Key prefixes for Pebble storage
const (
	prefixEvent      = "/feedlog/"    // /feedlog/{16-digit-zero-padded-rowid}
	prefixSinkCursor = "/sinkcursor/" // /sinkcursor/{sinkName}
	keyEmitCursor    = "/feedcursor"  // last rowid emitted to the hub
)

// Pebble tuning for an append-mostly workload with range deletes.
const (
	memTableSize                = 16 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const defaultReadLimit = 1000

// Ledger is the Pebble-backed retention ledger for one feed. It records
// every event the poller has emitted, bounded to the newest MaxEvents
// (count-based window), and owns the emit cursor plus per-sink cursors.
//
// Single-writer: only the change poller appends and advances the emit
// cursor. Reads (EventsSince, IsRetrievable, Cursor) are safe concurrently.
type Ledger struct {
	db   *pebble.DB
	path string

	maxEvents uint64

	// emit cursor: last rowid handed to the hub
	cursor atomic.Uint64

	// retention window state, guarded by mu
	mu     sync.Mutex
	oldest uint64 // smallest retained rowid, 0 when empty
	newest uint64 // largest retained rowid, 0 when empty
	count  uint64 // retained entry count

	// per-sink cursors cached in memory
	sinkCursors   map[string]uint64
	sinkCursorsMu sync.RWMutex

	closed atomic.Bool
}

// OpenLedger creates or opens the ledger for a named feed under dataDir.
// maxEvents bounds the retention window; older entries are evicted as new
// ones arrive.
func OpenLedger(dataDir, name string, maxEvents int) (*Ledger, error) {
	if maxEvents < 1 {
		return nil, fmt.Errorf("retention window must keep at least one event, got %d", maxEvents)
	}

	path := filepath.Join(dataDir, "feedlog", name)
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}

	l := &Ledger{
		db:          db,
		path:        path,
		maxEvents:   uint64(maxEvents),
		sinkCursors: make(map[string]uint64),
	}

	if err := l.loadState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	return l, nil
}

// loadState scans retained bounds, the emit cursor and sink cursors.
func (l *Ledger) loadState() error {
	prefix := []byte(prefixEvent)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}

	for iter.First(); iter.Valid(); iter.Next() {
		rowid, err := parseEventKey(iter.Key())
		if err != nil {
			iter.Close()
			return err
		}
		if l.oldest == 0 {
			l.oldest = rowid
		}
		l.newest = rowid
		l.count++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	if err := iter.Close(); err != nil {
		return err
	}

	cursor, err := l.readUint64(keyEmitCursor)
	if err != nil {
		return err
	}
	l.cursor.Store(cursor)

	if err := l.loadSinkCursors(); err != nil {
		return err
	}

	if l.count > 0 {
		log.Info().
			Str("ledger", l.path).
			Uint64("oldest", l.oldest).
			Uint64("newest", l.newest).
			Uint64("count", l.count).
			Uint64("cursor", cursor).
			Msg("Loaded retention ledger")
	}
	return nil
}

func (l *Ledger) loadSinkCursors() error {
	prefix := []byte(prefixSinkCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixSinkCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: length %d", name, len(val))
		}
		l.sinkCursors[name] = binary.LittleEndian.Uint64(val)
	}
	return iter.Error()
}

// Append records events in rowid order. Events must be ascending; entries
// at or below the newest retained rowid are already stored and are skipped.
// Eviction of
// entries beyond the retention window happens synchronously so the oldest
// retrievable rowid is deterministic after every append.
func (l *Ledger) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrLedgerClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A failed cursor persist makes the poller re-fetch rows it already
	// retained. Only rows beyond the newest entry count toward the window;
	// re-appending retained ones must not trigger eviction.
	for len(events) > 0 && events[0].RowID <= l.newest {
		events = events[1:]
	}
	if len(events) == 0 {
		return nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range events {
		val, err := marshalEvent(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", events[i].RowID, err)
		}
		if err := batch.Set(eventKey(events[i].RowID), val, nil); err != nil {
			return fmt.Errorf("failed to write event %d: %w", events[i].RowID, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}

	if l.oldest == 0 {
		l.oldest = events[0].RowID
	}
	l.newest = events[len(events)-1].RowID
	l.count += uint64(len(events))

	if l.count > l.maxEvents {
		if err := l.evictLocked(l.count - l.maxEvents); err != nil {
			log.Warn().Err(err).Str("ledger", l.path).Msg("Failed to evict old ledger entries")
		}
	}
	return nil
}

// evictLocked drops the n oldest entries. Caller holds l.mu.
func (l *Ledger) evictLocked(n uint64) error {
	start := eventKey(l.oldest)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return err
	}

	var skipped uint64
	var boundary uint64
	for iter.First(); iter.Valid(); iter.Next() {
		if skipped == n {
			boundary, err = parseEventKey(iter.Key())
			break
		}
		skipped++
	}
	if err == nil {
		err = iter.Error()
	}
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if boundary == 0 {
		return nil // fewer entries than expected, nothing to do
	}

	if err := l.db.DeleteRange(start, eventKey(boundary), pebble.Sync); err != nil {
		return err
	}

	l.oldest = boundary
	l.count -= skipped
	log.Debug().Str("ledger", l.path).Uint64("oldest", l.oldest).Msg("Evicted ledger entries")
	return nil
}

// OldestRetrievable returns the smallest retained rowid, 0 when the ledger
// is empty. Monotonically non-decreasing.
func (l *Ledger) OldestRetrievable() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oldest
}

// IsRetrievable reports whether a resume from `after` can be satisfied
// without loss: every retained rowid greater than `after` is replayable.
func (l *Ledger) IsRetrievable(after uint64) bool {
	cursor := l.cursor.Load()
	if after >= cursor {
		return true // nothing to replay
	}

	l.mu.Lock()
	oldest := l.oldest
	l.mu.Unlock()

	if oldest == 0 {
		return false // emitted but no longer retained
	}
	return after+1 >= oldest
}

// EventsSince returns up to limit events with rowid strictly greater than
// `after`, ascending and gap-free relative to what was emitted. Fails with
// RetentionExpiredError when `after` precedes the retention window.
func (l *Ledger) EventsSince(after uint64, limit int) ([]Event, error) {
	if l.closed.Load() {
		return nil, ErrLedgerClosed
	}
	if !l.IsRetrievable(after) {
		return nil, &RetentionExpiredError{Requested: after, Oldest: l.OldestRetrievable()}
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := eventKey(after + 1)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := unmarshalEvent(val, &ev); err != nil {
			// Corrupted entry: skip it rather than fail the whole backfill.
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal ledger event")
			continue
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// Cursor returns the last rowid emitted to the hub.
func (l *Ledger) Cursor() uint64 {
	return l.cursor.Load()
}

// SetCursor persists the emit cursor. Owned by the change poller.
func (l *Ledger) SetCursor(rowid uint64) error {
	if l.closed.Load() {
		return ErrLedgerClosed
	}
	if err := l.writeUint64(keyEmitCursor, rowid); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	l.cursor.Store(rowid)
	return nil
}

// SinkCursor returns the persisted cursor for a downstream sink, 0 for a
// sink that has never published.
func (l *Ledger) SinkCursor(name string) uint64 {
	l.sinkCursorsMu.RLock()
	defer l.sinkCursorsMu.RUnlock()
	return l.sinkCursors[name]
}

// AdvanceSinkCursor persists a sink's cursor after a successful publish.
func (l *Ledger) AdvanceSinkCursor(name string, rowid uint64) error {
	if l.closed.Load() {
		return ErrLedgerClosed
	}

	l.sinkCursorsMu.Lock()
	l.sinkCursors[name] = rowid
	l.sinkCursorsMu.Unlock()

	return l.writeUint64(prefixSinkCursor+name, rowid)
}

// Close closes the underlying store. Idempotent operations after Close
// fail with ErrLedgerClosed.
func (l *Ledger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) readUint64(key string) (uint64, error) {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length for %s: %d", key, len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (l *Ledger) writeUint64(key string, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return l.db.Set([]byte(key), buf, pebble.Sync)
}

// eventKey formats a rowid as a 16-digit zero-padded hex key so that byte
// order matches numeric order.
func eventKey(rowid uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEvent, rowid))
}

func parseEventKey(key []byte) (uint64, error) {
	var rowid uint64
	if _, err := fmt.Sscanf(string(key[len(prefixEvent):]), "%016x", &rowid); err != nil {
		return 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}
	return rowid, nil
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

// marshalEvent encodes an event to msgpack.
func marshalEvent(ev *Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unmarshalEvent decodes with loose interface decoding so record values come
// back as Go strings, matching what the source emitted.
func unmarshalEvent(data []byte, ev *Event) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(ev)
}
