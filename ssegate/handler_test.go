package ssegate_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SafeBreach/mcp-session-gate/sessions"
	"github.com/SafeBreach/mcp-session-gate/ssegate"
)

// fakeTransport stands in for the downstream MCP SSE transport. Stream-opens
// emit an endpoint event disclosing a freshly assigned session id (split
// across several writes, as real transports chunk output) and then hold the
// stream until the client goes away, unless endStream is set. Commands are
// acknowledged with 202 after commandDelay. Everything else gets 418 so
// tests can tell pass-through traffic apart.
type fakeTransport struct {
	endStream    bool
	commandDelay time.Duration

	counter atomic.Int64

	mu       sync.Mutex
	commands int
	other    int
	inFlight int
	peak     int
}

func (f *fakeTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "" {
		f.bumpOther()
		w.WriteHeader(http.StatusTeapot)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/sse":
		fl, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sid := fmt.Sprintf("down-%d", f.counter.Add(1))
		ev := "event: endpoint\ndata: /messages/?session_id=" + sid + "\n\n"
		for _, part := range []string{ev[:10], ev[10:30], ev[30:]} {
			_, _ = w.Write([]byte(part))
			fl.Flush()
		}
		if f.endStream {
			return
		}
		<-r.Context().Done()
	case r.Method == http.MethodPost && r.URL.Path == "/messages/":
		f.mu.Lock()
		f.commands++
		f.inFlight++
		if f.inFlight > f.peak {
			f.peak = f.inFlight
		}
		f.mu.Unlock()
		if f.commandDelay > 0 {
			time.Sleep(f.commandDelay)
		}
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		f.bumpOther()
		w.WriteHeader(http.StatusTeapot)
	}
}

func (f *fakeTransport) bumpOther() {
	f.mu.Lock()
	f.other++
	f.mu.Unlock()
}

func (f *fakeTransport) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands
}

func (f *fakeTransport) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func newGateServer(t *testing.T, next http.Handler, reg *sessions.Registry, opts ...ssegate.Option) *httptest.Server {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]ssegate.Option{ssegate.WithLogger(quiet)}, opts...)
	g, err := ssegate.New(next, reg, opts...)
	if err != nil {
		t.Fatalf("gate construction failed: %v", err)
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

// openStream opens the SSE endpoint and reads until the downstream disclosed
// session id appears. The returned func abandons the stream the way a
// vanished client would.
func openStream(t *testing.T, srv *httptest.Server) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("stream open status: %d", resp.StatusCode)
	}
	closeStream := func() {
		cancel()
		_ = resp.Body.Close()
	}
	t.Cleanup(closeStream)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("endpoint event not seen before stream error: %v", err)
		}
		if i := strings.Index(line, "session_id="); i >= 0 {
			return strings.TrimSpace(line[i+len("session_id="):]), closeStream
		}
	}
}

func postCommand(t *testing.T, srv *httptest.Server, rawQuery string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/messages/", strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}`))
	if err != nil {
		t.Fatalf("build command request: %v", err)
	}
	req.URL.RawQuery = rawQuery
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("command request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func assertDenied(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "5" {
		t.Fatalf("want Retry-After: 5, got %q", got)
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("denial body not JSON: %v", err)
	}
	if body.Error != "Too Many Requests" || body.Message == "" {
		t.Fatalf("unexpected denial body: %+v", body)
	}
}

func TestStreamOpenMigratesAndCleansUp(t *testing.T) {
	reg := sessions.NewRegistry()
	srv := newGateServer(t, &fakeTransport{}, reg)

	sid, closeStream := openStream(t, srv)

	// The id was scanned before its bytes were forwarded, so by the time the
	// client has read it the migration is complete.
	if _, ok := reg.Lookup(sid); !ok {
		t.Fatalf("downstream id %q not registered after disclosure", sid)
	}
	if got := reg.Len(); got != 1 {
		t.Fatalf("placeholder survived migration: %d entries", got)
	}

	closeStream()
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 0 },
		"registry entry not removed after stream end")
}

// Spec scenario: capacity 1; hold the single permit, expect the next command
// to be denied with the advertised retry delay, then admitted again after
// release.
func TestCapacityOneDenialCycle(t *testing.T) {
	reg := sessions.NewRegistry()
	fake := &fakeTransport{}
	srv := newGateServer(t, fake, reg,
		ssegate.WithSessionConcurrency(1),
		ssegate.WithAcquireTimeout(30*time.Millisecond),
	)

	sid, _ := openStream(t, srv)
	entry, ok := reg.Lookup(sid)
	if !ok {
		t.Fatalf("session %q not registered", sid)
	}

	// Simulate one in-flight command.
	if !entry.Pool.TryAcquire() {
		t.Fatalf("could not hold the session's permit")
	}

	resp := postCommand(t, srv, "session_id="+sid)
	assertDenied(t, resp)
	if got := fake.commandCount(); got != 0 {
		t.Fatalf("denied command reached downstream (%d calls)", got)
	}

	entry.Pool.Release()

	resp = postCommand(t, srv, "session_id="+sid)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("command after release: want 202, got %d", resp.StatusCode)
	}
	if got := fake.commandCount(); got != 1 {
		t.Fatalf("want exactly 1 downstream command, got %d", got)
	}
}

// An admitted command whose downstream handler dies must still return its
// permit, or a capacity-1 session would be bricked by a single crash.
func TestDownstreamFailureReleasesPermit(t *testing.T) {
	reg := sessions.NewRegistry()
	var calls atomic.Int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := newGateServer(t, next, reg,
		ssegate.WithSessionConcurrency(1),
		ssegate.WithAcquireTimeout(30*time.Millisecond),
	)
	entry := reg.Register("crash-prone", 1)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/messages/?session_id=crash-prone", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("want a transport error from the aborted handler, got status %d", resp.StatusCode)
	}

	if got := entry.Pool.InUse(); got != 0 {
		t.Fatalf("permit leaked across downstream failure: %d still in use", got)
	}
	if resp := postCommand(t, srv, "session_id=crash-prone"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("command after downstream failure: want 202, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("want 2 downstream invocations, got %d", got)
	}
}

func TestConcurrentCommandsRespectCapacity(t *testing.T) {
	const capacity = 2
	const callers = 6

	reg := sessions.NewRegistry()
	fake := &fakeTransport{commandDelay: 150 * time.Millisecond}
	srv := newGateServer(t, fake, reg,
		ssegate.WithSessionConcurrency(capacity),
		ssegate.WithAcquireTimeout(10*time.Millisecond),
	)

	sid, _ := openStream(t, srv)

	var granted, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/messages/?session_id="+sid, strings.NewReader("{}"))
			if err != nil {
				t.Errorf("build request: %v", err)
				return
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Errorf("command failed: %v", err)
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusAccepted:
				granted.Add(1)
			case http.StatusTooManyRequests:
				denied.Add(1)
			default:
				t.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	if got := fake.peakConcurrency(); got > capacity {
		t.Fatalf("downstream saw %d concurrent commands, capacity is %d", got, capacity)
	}
	if denied.Load() == 0 {
		t.Fatalf("expected at least one 429 among %d concurrent commands", callers)
	}
	if int(granted.Load())+int(denied.Load()) != callers {
		t.Fatalf("lost responses: granted=%d denied=%d", granted.Load(), denied.Load())
	}
	if got := fake.commandCount(); got != int(granted.Load()) {
		t.Fatalf("downstream invocations (%d) != granted admissions (%d)", got, granted.Load())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	reg := sessions.NewRegistry()
	fake := &fakeTransport{}
	srv := newGateServer(t, fake, reg,
		ssegate.WithSessionConcurrency(1),
		ssegate.WithAcquireTimeout(30*time.Millisecond),
	)

	sidA, _ := openStream(t, srv)
	sidB, _ := openStream(t, srv)
	if sidA == sidB {
		t.Fatalf("both streams got the same session id %q", sidA)
	}

	entryA, ok := reg.Lookup(sidA)
	if !ok {
		t.Fatalf("session %q not registered", sidA)
	}
	if !entryA.Pool.TryAcquire() {
		t.Fatalf("could not exhaust session A")
	}

	if resp := postCommand(t, srv, "session_id="+sidB); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("session B affected by A's exhaustion: %d", resp.StatusCode)
	}
	assertDenied(t, postCommand(t, srv, "session_id="+sidA))
}

func TestUnknownSessionPassesThrough(t *testing.T) {
	reg := sessions.NewRegistry()
	fake := &fakeTransport{}
	srv := newGateServer(t, fake, reg)

	resp := postCommand(t, srv, "session_id=never-registered")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unknown session: want pass-through 202, got %d", resp.StatusCode)
	}
	if got := fake.commandCount(); got != 1 {
		t.Fatalf("downstream not reached: %d calls", got)
	}
	if got := reg.Len(); got != 0 {
		t.Fatalf("pass-through mutated the registry: %d entries", got)
	}
}

func TestMalformedSessionReferencePassesThrough(t *testing.T) {
	reg := sessions.NewRegistry()
	fake := &fakeTransport{}
	srv := newGateServer(t, fake, reg)

	for name, rawQuery := range map[string]string{
		"no query":         "",
		"empty value":      "session_id=",
		"undecodable":      "session_id=%zz",
		"wrong param name": "session=abc",
	} {
		t.Run(name, func(t *testing.T) {
			resp := postCommand(t, srv, rawQuery)
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("want pass-through 202, got %d", resp.StatusCode)
			}
		})
	}
	if got := fake.commandCount(); got != 4 {
		t.Fatalf("want 4 downstream calls, got %d", got)
	}
}

func TestOtherTrafficPassesThroughUntouched(t *testing.T) {
	reg := sessions.NewRegistry()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := newGateServer(t, next, reg)

	cases := []struct {
		name string
		req  func() *http.Request
	}{
		{"unrelated path", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
			return r
		}},
		{"wrong method on messages path", func() *http.Request {
			r, _ := http.NewRequest(http.MethodDelete, srv.URL+"/messages/", nil)
			return r
		}},
		{"upgrade handshake on stream path", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
			r.Header.Set("Connection", "Upgrade")
			r.Header.Set("Upgrade", "websocket")
			return r
		}},
		{"non-SSE accept on stream path", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
			r.Header.Set("Accept", "application/json")
			return r
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := srv.Client().Do(tc.req())
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusTeapot {
				t.Fatalf("want downstream 418, got %d", resp.StatusCode)
			}
			if got := reg.Len(); got != 0 {
				t.Fatalf("pass-through registered a session: %d entries", got)
			}
		})
	}
}

func TestCleanStreamEndRemovesEntry(t *testing.T) {
	reg := sessions.NewRegistry()
	srv := newGateServer(t, &fakeTransport{endStream: true}, reg)

	resp, err := srv.Client().Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(body), "session_id=down-") {
		t.Fatalf("endpoint event missing from stream: %q", body)
	}

	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 0 },
		"registry entry not removed after clean stream end")
}

func TestStreamOpenThrottle(t *testing.T) {
	reg := sessions.NewRegistry()
	srv := newGateServer(t, &fakeTransport{endStream: true}, reg,
		ssegate.WithStreamOpenRateLimit(1, 1),
	)

	resp, err := srv.Client().Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("first stream open failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first stream open: want 200, got %d", resp.StatusCode)
	}

	resp2, err := srv.Client().Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("second stream open failed: %v", err)
	}
	t.Cleanup(func() { resp2.Body.Close() })
	assertDenied(t, resp2)

	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 0 },
		"throttled open must not leave registry entries")
}

func TestStreamOpenTriggersSweep(t *testing.T) {
	reg := sessions.NewRegistry()
	stale := reg.Register("stale-session", 1)
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)

	srv := newGateServer(t, &fakeTransport{endStream: true}, reg,
		ssegate.WithSweepInterval(0),
		ssegate.WithStaleMaxAge(time.Hour),
	)

	resp, err := srv.Client().Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("stream open failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if _, ok := reg.Lookup("stale-session"); ok {
		t.Fatalf("stale entry survived the opportunistic sweep")
	}
}
