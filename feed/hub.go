package feed

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/windscada/scadafeed/telemetry"
)

// backfillChunk bounds how many events a resume reads from the ledger per
// iteration while seeding a session's queue.
const backfillChunk = 256

// Hub is the fan-out registry of live sessions for one feed. It receives
// each new event from the change poller exactly once and offers it to every
// active session without ever blocking on any single one: a stalled
// subscriber can only lose its own events, never delay anyone else's.
//
// regMu serializes registration (write side) against broadcast (read side)
// so a resume backfill and the live tail attach atomically; per-event queue
// traffic stays on each session's own bounded channel.
type Hub struct {
	source      string
	queueSize   uint64
	maxSessions int64

	ledger *Ledger

	regMu    sync.RWMutex
	sessions *xsync.MapOf[uint64, *Session]
	nLive    atomic.Int64
	nextID   atomic.Uint64

	completeCh   chan struct{}
	completeOnce sync.Once
}

// NewHub creates the fan-out hub for one feed. queueSize bounds each
// session's undelivered buffer; maxSessions caps concurrent subscribers.
func NewHub(source string, ledger *Ledger, queueSize, maxSessions int) *Hub {
	return &Hub{
		source:      source,
		queueSize:   uint64(queueSize),
		maxSessions: int64(maxSessions),
		ledger:      ledger,
		sessions:    xsync.NewMapOf[uint64, *Session](),
		completeCh:  make(chan struct{}),
	}
}

// Source returns the feed name this hub serves.
func (h *Hub) Source() string { return h.source }

// QueueSize returns the per-session buffer limit, advertised to clients so
// they can reason about potential loss.
func (h *Hub) QueueSize() int { return int(h.queueSize) }

// Broadcast offers an event to every active session. Never blocks and never
// fails; full queues drop their oldest entry instead (recorded per session).
// Tolerates sessions disappearing mid-iteration.
func (h *Hub) Broadcast(ev Event) {
	h.regMu.RLock()
	defer h.regMu.RUnlock()

	var dropped uint64
	h.sessions.Range(func(_ uint64, s *Session) bool {
		switch s.State() {
		case StateActive:
			dropped += s.offer(ev)
		default:
			// Connecting sessions attach under regMu; Draining and Closed
			// sessions no longer receive live events.
		}
		return true
	})

	telemetry.EventsBroadcast.With(h.source).Inc()
	if dropped > 0 {
		telemetry.EventsDropped.With(h.source).Add(float64(dropped))
	}
}

// Register creates and attaches a new session. The queue is seeded with the
// ascending ledger backfill before the session joins the live broadcast; no
// event between backfill and attach can be missed. With resume the backfill
// starts after `resumeFrom`; a fresh session replays the whole retention
// window, matching the source stream a brand-new subscriber expects. Fails
// with RetentionExpiredError when a resume point is older than the retention
// window and ErrSessionLimit at capacity. Existing sessions are never
// evicted for a new one.
func (h *Hub) Register(resumeFrom uint64, resume bool) (*Session, error) {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	// Capacity check happens under regMu so concurrent registrations
	// serialize against the nLive increment below and the cap holds exactly.
	if h.nLive.Load() >= h.maxSessions {
		telemetry.SessionsTotal.With(h.source, "limit").Inc()
		return nil, ErrSessionLimit
	}

	s := newSession(h.nextID.Add(1), h.queueSize, h.completeCh)

	start := resumeFrom
	if !resume {
		start = h.freshStart()
	}
	s.lastSent.Store(start)
	s.lastQueued = start

	after := start
	for {
		events, err := h.ledger.EventsSince(after, backfillChunk)
		if err != nil {
			if IsRetentionExpired(err) {
				if !resume {
					// The poller appends and evicts outside regMu, so the
					// window can move past a fresh start mid-backfill.
					// Restart from the new oldest; the watermark guard in
					// offer skips anything already queued.
					after = h.freshStart()
					continue
				}
				telemetry.SessionsTotal.With(h.source, "expired").Inc()
			}
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			s.offer(events[i])
		}
		after = events[len(events)-1].RowID
	}

	h.sessions.Store(s.id, s)
	h.nLive.Add(1)
	s.setState(StateActive)

	telemetry.SessionsTotal.With(h.source, "accepted").Inc()
	telemetry.ActiveSessions.With(h.source).Inc()
	log.Debug().
		Str("source", h.source).
		Uint64("session", s.id).
		Bool("resume", resume).
		Uint64("resume_from", resumeFrom).
		Msg("Session registered")
	return s, nil
}

// freshStart returns the rowid a non-resume session replays from: one
// before the oldest retained event, or the cursor when nothing is retained.
func (h *Hub) freshStart() uint64 {
	if oldest := h.ledger.OldestRetrievable(); oldest > 0 {
		return oldest - 1
	}
	return h.ledger.Cursor()
}

// Unregister detaches a session from the live set. Idempotent. A session
// with buffered events moves to Draining so its delivery loop can flush;
// an empty one closes immediately.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}
	if _, present := h.sessions.LoadAndDelete(s.id); !present {
		return
	}
	h.nLive.Add(-1)
	telemetry.ActiveSessions.With(h.source).Dec()

	if len(s.queue) > 0 && s.State() != StateClosed {
		s.setState(StateDraining)
	} else {
		s.abort()
	}
	log.Debug().Str("source", h.source).Uint64("session", s.id).Msg("Session unregistered")
}

// Abort hard-closes a session from any state, discarding its queue, and
// removes it from the live set.
func (h *Hub) Abort(s *Session) {
	if s == nil {
		return
	}
	s.abort()
	if _, present := h.sessions.LoadAndDelete(s.id); present {
		h.nLive.Add(-1)
		telemetry.ActiveSessions.With(h.source).Dec()
	}
}

// Complete signals end-of-data: every session (including ones registered
// later) observes the terminal signal once its queue is drained.
func (h *Hub) Complete() {
	h.completeOnce.Do(func() {
		close(h.completeCh)
		log.Info().Str("source", h.source).Msg("Feed marked complete")
	})
}

// Completed reports whether end-of-data has been signalled.
func (h *Hub) Completed() bool {
	select {
	case <-h.completeCh:
		return true
	default:
		return false
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	return int(h.nLive.Load())
}

// RangeSessions iterates live sessions for status reporting.
func (h *Hub) RangeSessions(fn func(s *Session) bool) {
	h.sessions.Range(func(_ uint64, s *Session) bool {
		return fn(s)
	})
}
