package feed

import (
	"sync"
	"sync/atomic"
)

// SessionState tracks the lifecycle of one subscriber session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the server-side state for one connected subscriber: a bounded
// outbound queue, a last-sent watermark and drop accounting. The hub owns
// the session for its lifetime; the watermark is written only by the
// session's delivery loop (single-writer invariant).
type Session struct {
	id    uint64
	queue chan Event

	// lastQueued is the highest rowid ever enqueued. Guarded by mu together
	// with the drop-oldest path; enforces ascending, duplicate-free queues.
	mu         sync.Mutex
	lastQueued uint64

	lastSent atomic.Uint64
	dropped  atomic.Uint64
	gapFrom  atomic.Uint64 // first dropped rowid since the last delivery
	gapTo    atomic.Uint64 // last dropped rowid

	state atomic.Int32

	// done is closed on hard abort; complete is shared hub-wide and closed
	// when the upstream signals end-of-data.
	done     chan struct{}
	doneOnce sync.Once
	complete <-chan struct{}
}

func newSession(id uint64, queueSize uint64, complete <-chan struct{}) *Session {
	s := &Session{
		id:       id,
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
		complete: complete,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the opaque session handle.
func (s *Session) ID() uint64 { return s.id }

// Events is the delivery loop's read side of the bounded queue.
func (s *Session) Events() <-chan Event { return s.queue }

// Done is closed when the session is hard-aborted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Completed is closed when the upstream producer signals end-of-data.
func (s *Session) Completed() <-chan struct{} { return s.complete }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Dropped returns how many queued events were evicted by overflow.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// DropGap returns the rowid boundaries of events evicted by overflow,
// (0, 0) when nothing was dropped.
func (s *Session) DropGap() (from, to uint64) {
	return s.gapFrom.Load(), s.gapTo.Load()
}

// LastSent returns the watermark: the highest rowid written to the client.
func (s *Session) LastSent() uint64 { return s.lastSent.Load() }

// MarkSent advances the watermark. Must only be called by the session's own
// delivery loop.
func (s *Session) MarkSent(rowid uint64) {
	s.lastSent.Store(rowid)
}

// offer enqueues without ever blocking and returns how many buffered events
// were evicted to make room. A full queue drops its oldest entry to admit
// the newest (freshness-biased drop policy); every eviction is recorded in
// the drop count and gap boundaries. Events at or below the enqueue
// watermark are ignored, so a backfill racing the live broadcast can never
// duplicate or reorder.
func (s *Session) offer(ev Event) uint64 {
	if s.State() == StateClosed {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.RowID <= s.lastQueued {
		return 0
	}
	s.lastQueued = ev.RowID

	var evicted uint64
	for {
		select {
		case s.queue <- ev:
			return evicted
		default:
		}
		// Queue full: evict the oldest entry. The consumer may race us and
		// drain first, in which case the send above succeeds next time round.
		select {
		case old := <-s.queue:
			s.recordDrop(old.RowID)
			evicted++
		default:
		}
	}
}

func (s *Session) recordDrop(rowid uint64) {
	s.dropped.Add(1)
	s.gapFrom.CompareAndSwap(0, rowid)
	s.gapTo.Store(rowid)
}

// setState transitions the lifecycle state. Closed is terminal.
func (s *Session) setState(st SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// abort moves the session to Closed from any state and wakes its delivery
// loop. Idempotent and safe to call concurrently with an in-flight
// broadcast.
func (s *Session) abort() {
	s.state.Store(int32(StateClosed))
	s.doneOnce.Do(func() { close(s.done) })
}
