package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windscada/scadafeed/feed"
)

// stubSource satisfies RowSource and RowIDResolver without a database.
type stubSource struct {
	name    string
	resolve uint64
	found   bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchAfter(context.Context, uint64, int) ([]feed.Event, error) {
	return nil, nil
}

func (s *stubSource) ResolveRowID(context.Context, int64) (uint64, bool, error) {
	return s.resolve, s.found, nil
}

type testEnv struct {
	server *httptest.Server
	feed   *feed.Feed
}

func newTestEnv(t *testing.T, queueSize, maxSessions, maxEvents int) *testEnv {
	t.Helper()
	withAuthConfig(t, false, nil)

	ledger, err := feed.OpenLedger(t.TempDir(), "turbines", maxEvents)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	hub := feed.NewHub("turbines", ledger, queueSize, maxSessions)
	f := &feed.Feed{
		Source: &stubSource{name: "turbines", resolve: 7, found: true},
		Ledger: ledger,
		Hub:    hub,
	}

	s := NewServer(map[string]*feed.Feed{"turbines": f}, "turbines")
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, feed: f}
}

func seedLedger(t *testing.T, l *feed.Ledger, from, to uint64) {
	t.Helper()
	events := make([]feed.Event, 0, to-from+1)
	for r := from; r <= to; r++ {
		events = append(events, feed.Event{
			RowID:  r,
			Table:  "turbine_metrics",
			Record: map[string]any{"power_kw": "1500"},
		})
	}
	require.NoError(t, l.Append(events))
	require.NoError(t, l.SetCursor(to))
}

func waitForSessions(t *testing.T, h *feed.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SessionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sessions, have %d", n, h.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// sseEvent is one parsed frame from the wire.
type sseEvent struct {
	id    string
	event string
	data  string
}

// readSSE parses frames off the response body until n events arrive.
func readSSE(t *testing.T, r *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent

	for len(out) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if cur.id != "" || cur.event != "" || cur.data != "" {
				out = append(out, cur)
				cur = sseEvent{}
			}
		case strings.HasPrefix(line, "id: "):
			cur.id = line[len("id: "):]
		case strings.HasPrefix(line, "event: "):
			cur.event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			cur.data += line[len("data: "):]
		case strings.HasPrefix(line, ":"):
			// comment / ping
		}
	}
	return out
}

func TestServer_StreamDeliversBroadcastEvents(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "16", resp.Header.Get(QueueLimitHeader))

	waitForSessions(t, env.feed.Hub, 1)

	env.feed.Hub.Broadcast(feed.Event{RowID: 1, Table: "turbine_metrics", Record: map[string]any{"power_kw": "1500"}})
	env.feed.Hub.Broadcast(feed.Event{RowID: 2, Table: "turbine_metrics", Record: map[string]any{"power_kw": "1501"}})

	events := readSSE(t, bufio.NewReader(resp.Body), 2)
	assert.Equal(t, "1", events[0].id)
	assert.Equal(t, "2", events[1].id)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &payload))
	assert.Equal(t, float64(1), payload["rowid"])
	assert.Equal(t, "turbine_metrics", payload["table"])
	assert.Equal(t, "1500", payload["record"].(map[string]any)["power_kw"])
}

func TestServer_ResumeViaQueryParam(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)
	seedLedger(t, env.feed.Ledger, 1, 6)

	resp, err := http.Get(env.server.URL + "/sse/turbines?resume=4")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, bufio.NewReader(resp.Body), 2)
	assert.Equal(t, "5", events[0].id)
	assert.Equal(t, "6", events[1].id)
}

func TestServer_ResumeViaLastEventID(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)
	seedLedger(t, env.feed.Ledger, 1, 3)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/sse/next-record", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, bufio.NewReader(resp.Body), 1)
	assert.Equal(t, "3", events[0].id)
}

func TestServer_ResumeOutsideWindowConflicts(t *testing.T) {
	env := newTestEnv(t, 16, 10, 2)
	seedLedger(t, env.feed.Ledger, 1, 10)

	resp, err := http.Get(env.server.URL + "/sse/next-record?resume=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "retention_expired", body["error"])
	assert.Equal(t, float64(1), body["requested"])
	assert.Equal(t, float64(9), body["oldest_retrievable"])
}

func TestServer_InvalidResume(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/sse/next-record?resume=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UnknownSource(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/sse/no-such-farm")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SessionLimit(t *testing.T) {
	env := newTestEnv(t, 16, 1, 100)

	first, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	waitForSessions(t, env.feed.Hub, 1)

	second, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
}

func TestServer_FreshStreamReplaysThenEnds(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)
	seedLedger(t, env.feed.Ledger, 1, 5)

	// A brand-new subscriber replays everything retained.
	resp, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer resp.Body.Close()
	waitForSessions(t, env.feed.Hub, 1)

	reader := bufio.NewReader(resp.Body)
	events := readSSE(t, reader, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("%d", i+1), ev.id)
	}

	post, err := http.Post(env.server.URL+"/api/complete", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	terminal := readSSE(t, reader, 1)
	assert.Equal(t, "end", terminal[0].event)

	// The delivery loop returns after the end marker and the session closes.
	assert.Eventually(t, func() bool {
		return env.feed.Hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CompletionOnHubEndsOpenStreams(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer resp.Body.Close()
	waitForSessions(t, env.feed.Hub, 1)

	env.feed.Hub.Broadcast(feed.Event{RowID: 1, Table: "turbine_metrics", Record: map[string]any{"power_kw": "1500"}})

	// Graceful shutdown signals completion directly on the hub; connected
	// subscribers drain buffered events and get a clean end, not a cut.
	env.feed.Hub.Complete()

	reader := bufio.NewReader(resp.Body)
	events := readSSE(t, reader, 2)
	assert.Equal(t, "1", events[0].id)
	assert.Equal(t, "end", events[1].event)

	assert.Eventually(t, func() bool {
		return env.feed.Hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ResolveRowID(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/api/resolve-rowid?since_ms=1748800000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "turbines", body["source"])
	assert.Equal(t, float64(7), body["rowid"])
	assert.Equal(t, true, body["found"])
}

func TestServer_ResolveRowIDRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/api/resolve-rowid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)
	seedLedger(t, env.feed.Ledger, 1, 4)

	stream, err := http.Get(env.server.URL + "/sse/next-record")
	require.NoError(t, err)
	defer stream.Body.Close()
	waitForSessions(t, env.feed.Hub, 1)

	resp, err := http.Get(env.server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]sourceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	st, ok := body["turbines"]
	require.True(t, ok)
	assert.Equal(t, uint64(4), st.Cursor)
	assert.Equal(t, uint64(1), st.OldestRetrievable)
	assert.False(t, st.Completed)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "active", st.Sessions[0].State)
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthGatesAPI(t *testing.T) {
	env := newTestEnv(t, 16, 10, 100)
	withAuthConfig(t, true, []string{"farm-token"})

	resp, err := http.Get(env.server.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer farm-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, err = http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseResume(t *testing.T) {
	mk := func(url string, lastEventID string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		return req
	}

	rowid, resume, err := parseResume(mk("/sse/next-record", ""))
	require.NoError(t, err)
	assert.False(t, resume)
	assert.Equal(t, uint64(0), rowid)

	rowid, resume, err = parseResume(mk("/sse/next-record?resume=12", ""))
	require.NoError(t, err)
	assert.True(t, resume)
	assert.Equal(t, uint64(12), rowid)

	// Header wins over the query param.
	rowid, resume, err = parseResume(mk("/sse/next-record?resume=12", "34"))
	require.NoError(t, err)
	assert.True(t, resume)
	assert.Equal(t, uint64(34), rowid)

	_, _, err = parseResume(mk(fmt.Sprintf("/sse/next-record?resume=%s", "x"), ""))
	assert.Error(t, err)
}
