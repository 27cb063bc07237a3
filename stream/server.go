// Package stream exposes the change feed over HTTP: server-sent event
// streaming with resume-by-cursor, plus a small JSON API for status,
// timestamp-to-rowid resolution and end-of-data signalling.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/windscada/scadafeed/cfg"
	"github.com/windscada/scadafeed/feed"
	"github.com/windscada/scadafeed/telemetry"
)

// QueueLimitHeader advertises the per-session buffer size on stream
// responses so clients can reason about potential loss under backpressure.
const QueueLimitHeader = "X-Scadafeed-Queue-Limit"

// RowIDResolver maps a millisecond epoch to the first rowid at or after it.
// Sources that cannot resolve timestamps simply don't implement it.
type RowIDResolver interface {
	ResolveRowID(ctx context.Context, sinceMS int64) (uint64, bool, error)
}

// Server serves the SSE stream and the JSON API for a set of feeds.
type Server struct {
	feeds         map[string]*feed.Feed
	defaultSource string
	idleTimeout   time.Duration
	httpServer    *http.Server
}

// NewServer wires the HTTP surface over the given feeds. defaultSource is
// the feed served at the unnamed stream endpoint.
func NewServer(feeds map[string]*feed.Feed, defaultSource string) *Server {
	s := &Server{
		feeds:         feeds,
		defaultSource: defaultSource,
		idleTimeout:   time.Duration(cfg.Config.Stream.IdleTimeoutSeconds) * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Stream.BindAddress, cfg.Config.Stream.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router(),
		// WriteTimeout stays zero: SSE responses are open-ended. Dead
		// connections are reaped by the per-session idle ping instead.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	if cfg.Config.Stream.AllowCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", s.handleHealthz)

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		r.Handle("/metrics", handler)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/sse/next-record", func(w http.ResponseWriter, req *http.Request) {
			s.handleStream(w, req, s.defaultSource)
		})
		r.Get("/sse/{source}", func(w http.ResponseWriter, req *http.Request) {
			s.handleStream(w, req, chi.URLParam(req, "source"))
		})

		r.Get("/api/resolve-rowid", s.handleResolveRowID)
		r.Get("/api/status", s.handleStatus)
		r.Post("/api/complete", s.handleComplete)
	})

	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting stream server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Stream server failed")
		}
	}()
}

// Stop shuts the server down, waiting for in-flight requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping stream server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) feedFor(source string) (*feed.Feed, bool) {
	f, ok := s.feeds[source]
	return f, ok
}

// handleStream is the SSE endpoint: registers a session (with optional
// resume backfill), then pumps its queue to the client until disconnect,
// abort or end-of-data.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, source string) {
	f, ok := s.feedFor(source)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_source", fmt.Sprintf("no feed named %q", source))
		return
	}

	resumeFrom, resume, err := parseResume(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resume", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	sess, err := f.Hub.Register(resumeFrom, resume)
	if err != nil {
		var re *feed.RetentionExpiredError
		switch {
		case errors.As(err, &re):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":              "retention_expired",
				"message":            "resume point is outside the retention window, full resync required",
				"requested":          re.Requested,
				"oldest_retrievable": re.Oldest,
			})
		case err == feed.ErrSessionLimit:
			writeError(w, http.StatusServiceUnavailable, "session_limit", "too many concurrent subscribers")
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	defer f.Hub.Unregister(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(QueueLimitHeader, strconv.Itoa(f.Hub.QueueSize()))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().
		Str("source", source).
		Uint64("session", sess.ID()).
		Bool("resume", resume).
		Msg("Stream opened")

	s.pump(r.Context(), w, flusher, f, sess)
}

// pump is the per-session delivery loop. It is the single writer of the
// session's watermark. Any write failure means the client is gone: the
// session is hard-closed, never left to back up the hub.
func (s *Server) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, f *feed.Feed, sess *feed.Session) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Hub.Abort(sess)
			return

		case <-sess.Done():
			return

		case ev := <-sess.Events():
			if !s.deliver(w, flusher, f, sess, ev) {
				f.Hub.Abort(sess)
				return
			}
			resetTimer(idle, s.idleTimeout)

		case <-sess.Completed():
			s.drainAndEnd(w, flusher, f, sess)
			return

		case <-idle.C:
			// Liveness probe: a failed write is the only reliable signal
			// that an idle client has gone away.
			if err := writeSSEComment(w, "ping"); err != nil {
				f.Hub.Abort(sess)
				return
			}
			flusher.Flush()
			idle.Reset(s.idleTimeout)
		}
	}
}

// drainAndEnd flushes whatever remains in the queue, then emits the terminal
// end event. Events buffered before completion are never discarded.
func (s *Server) drainAndEnd(w http.ResponseWriter, flusher http.Flusher, f *feed.Feed, sess *feed.Session) {
	for {
		select {
		case ev := <-sess.Events():
			if !s.deliver(w, flusher, f, sess, ev) {
				f.Hub.Abort(sess)
				return
			}
		default:
			if err := writeSSE(w, "", "end", "{}"); err == nil {
				flusher.Flush()
			}
			return
		}
	}
}

// deliver writes one event to the client. An unencodable payload is skipped
// and logged, never fatal; a transport failure returns false.
func (s *Server) deliver(w http.ResponseWriter, flusher http.Flusher, f *feed.Feed, sess *feed.Session, ev feed.Event) bool {
	data, err := json.Marshal(&ev)
	if err != nil {
		log.Warn().
			Err(err).
			Str("source", f.Hub.Source()).
			Uint64("rowid", ev.RowID).
			Msg("Skipping unencodable event")
		return true
	}

	if err := writeSSE(w, strconv.FormatUint(ev.RowID, 10), "", string(data)); err != nil {
		return false
	}
	flusher.Flush()

	sess.MarkSent(ev.RowID)
	telemetry.EventsDelivered.With(f.Hub.Source()).Inc()
	return true
}

// parseResume extracts the resume rowid from the Last-Event-ID header or the
// `resume` query parameter. Header wins; absence of both means a live-tail
// session.
func parseResume(r *http.Request) (uint64, bool, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("resume")
	}
	if raw == "" {
		return 0, false, nil
	}

	rowid, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid resume rowid %q", raw)
	}
	return rowid, true, nil
}

// handleResolveRowID maps a millisecond epoch to the first rowid at or after
// it, for clients resuming from a wall-clock position instead of a cursor.
func (s *Server) handleResolveRowID(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = s.defaultSource
	}

	f, ok := s.feedFor(source)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_source", fmt.Sprintf("no feed named %q", source))
		return
	}

	sinceMS, err := strconv.ParseInt(r.URL.Query().Get("since_ms"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_since", "since_ms must be a millisecond epoch")
		return
	}

	resolver, ok := f.Source.(RowIDResolver)
	if !ok {
		writeError(w, http.StatusNotImplemented, "unsupported", "source cannot resolve timestamps")
		return
	}

	rowid, found, err := resolver.ResolveRowID(r.Context(), sinceMS)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"rowid":  rowid,
		"found":  found,
	})
}

// sourceStatus is one feed's entry in the status response.
type sourceStatus struct {
	Cursor            uint64          `json:"cursor"`
	OldestRetrievable uint64          `json:"oldest_retrievable"`
	Completed         bool            `json:"completed"`
	Sessions          []sessionStatus `json:"sessions"`
}

type sessionStatus struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	LastSent uint64 `json:"last_sent"`
	Dropped  uint64 `json:"dropped"`
}

// handleStatus reports per-feed cursors and session accounting.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]sourceStatus, len(s.feeds))

	for name, f := range s.feeds {
		st := sourceStatus{
			Cursor:            f.Ledger.Cursor(),
			OldestRetrievable: f.Ledger.OldestRetrievable(),
			Completed:         f.Hub.Completed(),
			Sessions:          []sessionStatus{},
		}
		f.Hub.RangeSessions(func(sess *feed.Session) bool {
			st.Sessions = append(st.Sessions, sessionStatus{
				ID:       sess.ID(),
				State:    sess.State().String(),
				LastSent: sess.LastSent(),
				Dropped:  sess.Dropped(),
			})
			return true
		})
		out[name] = st
	}

	writeJSON(w, http.StatusOK, out)
}

// handleComplete lets the upstream loader signal end-of-data for a feed.
// Connected sessions drain their queues and receive the terminal end event.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = s.defaultSource
	}

	f, ok := s.feedFor(source)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_source", fmt.Sprintf("no feed named %q", source))
		return
	}

	f.Hub.Complete()
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "completed": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// resetTimer safely rearms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
