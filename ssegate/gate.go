package ssegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/SafeBreach/mcp-session-gate/internal/logctx"
	"github.com/SafeBreach/mcp-session-gate/metrics"
	"github.com/SafeBreach/mcp-session-gate/sessions"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

const (
	DefaultStreamPath     = "/sse"
	DefaultMessagesPath   = "/messages/"
	DefaultSessionParam   = "session_id"
	DefaultAcquireTimeout = 1 * time.Second
	DefaultStaleMaxAge    = 7200 * time.Second
	DefaultSweepInterval  = time.Minute
)

// retryAfterSeconds is the delay advertised with every 429.
const retryAfterSeconds = "5"

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	streamPath     string
	messagesPath   string
	sessionParam   string
	capacity       int
	acquireTimeout time.Duration
	staleMaxAge    time.Duration
	sweepInterval  time.Duration
	throttleRPS    float64
	throttleBurst  int
}

// WithLogger sets the slog logger used by the gate. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithStreamPath sets the stream-open endpoint path (default "/sse").
func WithStreamPath(p string) Option {
	return func(c *newConfig) { c.streamPath = p }
}

// WithMessagesPath sets the command endpoint path (default "/messages/").
// It may equal the stream path; the HTTP method disambiguates.
func WithMessagesPath(p string) Option {
	return func(c *newConfig) { c.messagesPath = p }
}

// WithSessionParam sets the query parameter carrying the session id on
// command requests, which is also the marker scanned for in the outbound
// stream (default "session_id"). The official go-sdk SSE transport spells
// it "sessionid".
func WithSessionParam(p string) Option {
	return func(c *newConfig) { c.sessionParam = p }
}

// WithSessionConcurrency bounds concurrently admitted commands per session
// (default sessions.DefaultCapacity).
func WithSessionConcurrency(n int) Option {
	return func(c *newConfig) { c.capacity = n }
}

// WithAcquireTimeout bounds how long a command waits for a permit before the
// gate answers 429 (default 1s). The downstream call itself is never
// timed out by the gate.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.acquireTimeout = d }
}

// WithStaleMaxAge sets the age past which a session entry is reclaimed by
// the opportunistic sweep (default 7200s).
func WithStaleMaxAge(d time.Duration) Option {
	return func(c *newConfig) { c.staleMaxAge = d }
}

// WithSweepInterval sets the minimum spacing between opportunistic sweeps.
// Zero sweeps on every stream-open (default 1m).
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) { c.sweepInterval = d }
}

// WithStreamOpenRateLimit throttles stream-opens per remote host. Zero rps
// leaves the throttle disabled.
func WithStreamOpenRateLimit(rps float64, burst int) Option {
	return func(c *newConfig) { c.throttleRPS = rps; c.throttleBurst = burst }
}

// Handler is the admission middleware. It classifies every request as a
// stream-open, a command, or other traffic, and decorates the first two with
// session bookkeeping and permit gating. Construct with New.
type Handler struct {
	next http.Handler
	reg  *sessions.Registry
	log  *slog.Logger

	streamPath     string
	messagesPath   string
	sessionParam   string
	capacity       int
	acquireTimeout time.Duration
	staleMaxAge    time.Duration
	sweepInterval  time.Duration

	throttle *streamThrottle

	lastSweep atomic.Int64 // unix nanos of the last sweep
}

// New constructs the gate in front of next, using reg as the single source
// of truth for session admission state. The downstream handler is opaque to
// the gate: its bytes are forwarded unmodified and its failures propagate
// unchanged.
func New(next http.Handler, reg *sessions.Registry, opts ...Option) (*Handler, error) {
	if next == nil {
		return nil, fmt.Errorf("downstream handler is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	cfg := &newConfig{
		logger:         slog.Default(),
		streamPath:     DefaultStreamPath,
		messagesPath:   DefaultMessagesPath,
		sessionParam:   DefaultSessionParam,
		capacity:       sessions.DefaultCapacity,
		acquireTimeout: DefaultAcquireTimeout,
		staleMaxAge:    DefaultStaleMaxAge,
		sweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.capacity < 1 {
		return nil, fmt.Errorf("session concurrency must be at least 1, got %d", cfg.capacity)
	}
	if cfg.sessionParam == "" {
		return nil, fmt.Errorf("session param must not be empty")
	}

	h := &Handler{
		next:           next,
		reg:            reg,
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		streamPath:     cfg.streamPath,
		messagesPath:   cfg.messagesPath,
		sessionParam:   cfg.sessionParam,
		capacity:       cfg.capacity,
		acquireTimeout: cfg.acquireTimeout,
		staleMaxAge:    cfg.staleMaxAge,
		sweepInterval:  cfg.sweepInterval,
	}
	if cfg.throttleRPS > 0 {
		if cfg.throttleBurst < 1 {
			return nil, fmt.Errorf("stream open burst must be at least 1 when throttling, got %d", cfg.throttleBurst)
		}
		h.throttle = newStreamThrottle(cfg.throttleRPS, cfg.throttleBurst)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	r = r.WithContext(ctx)

	switch {
	case h.isStreamOpen(r):
		h.handleStreamOpen(w, r)
	case r.Method == http.MethodPost && r.URL.Path == h.messagesPath:
		h.handleCommand(w, r)
	default:
		// Other traffic (including transport upgrades) is none of the
		// gate's business.
		h.next.ServeHTTP(w, r)
	}
}

// isStreamOpen reports whether r opens a new event stream: a plain GET on
// the stream path whose Accept header (when present) admits
// text/event-stream. Upgrade handshakes are never stream-opens.
func (h *Handler) isStreamOpen(r *http.Request) bool {
	if r.Method != http.MethodGet || r.URL.Path != h.streamPath {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			return false
		}
	}
	return true
}

// handleStreamOpen registers the new session under a placeholder id, wraps
// the outbound channel so the downstream-assigned id is learned from the
// bytes being forwarded, and guarantees the registry entry is removed
// exactly once however the stream ends.
func (h *Handler) handleStreamOpen(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.throttle != nil && !h.throttle.allow(remoteHost(r)) {
		h.log.WarnContext(r.Context(), "gate.stream.throttled")
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultThrottled).Inc()
		h.writeTooManyRequests(w, "stream open rate exceeded for this client")
		return
	}

	h.maybeSweep()

	placeholder := "pending-" + uuid.NewString()
	h.reg.Register(placeholder, h.capacity)
	metrics.ActiveSessions.Set(float64(h.reg.Len()))
	metrics.StreamsOpen.Inc()

	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{PlaceholderID: placeholder})
	r = r.WithContext(ctx)

	si := newStreamInterceptor(ctx, w, h.reg, placeholder, h.sessionParam+"=", h.log)
	h.log.InfoContext(ctx, "gate.stream.open")

	defer func() {
		// Teardown is fail-fast: the entry goes away the moment the stream
		// ends, even if commands are still in flight holding permits. Those
		// holders keep a working pool; the id just stops resolving.
		si.finish()
		metrics.ActiveSessions.Set(float64(h.reg.Len()))
		metrics.StreamsOpen.Dec()
		h.log.InfoContext(ctx, "gate.stream.closed",
			slog.String("session_id", si.EffectiveID()),
			slog.Duration("dur", time.Since(start)))
	}()

	h.next.ServeHTTP(si, r)
}

// handleCommand admits a command against its session's permit pool. Unknown
// or unparsable session references fail open: the request passes through
// untouched and the miss is logged.
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sid string
	if q, err := url.ParseQuery(r.URL.RawQuery); err == nil {
		sid = q.Get(h.sessionParam)
	}
	if sid == "" {
		h.log.WarnContext(ctx, "admission.passthrough", slog.String("reason", "missing or unparsable session reference"))
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultPassThrough).Inc()
		h.next.ServeHTTP(w, r)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid})
	r = r.WithContext(ctx)

	entry, ok := h.reg.Lookup(sid)
	if !ok {
		h.log.WarnContext(ctx, "admission.passthrough", slog.String("reason", "unknown session"))
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultPassThrough).Inc()
		h.next.ServeHTTP(w, r)
		return
	}

	waitStart := time.Now()
	if err := entry.Pool.Acquire(ctx, h.acquireTimeout); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The client went away while queued; there is nobody to answer.
			h.log.InfoContext(ctx, "admission.abandoned", slog.String("err", err.Error()))
			metrics.AdmissionsTotal.WithLabelValues(metrics.ResultAbandoned).Inc()
			return
		}
		h.log.InfoContext(ctx, "admission.denied",
			slog.Int("capacity", entry.Pool.Capacity()),
			slog.Duration("waited", time.Since(waitStart)))
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultDenied).Inc()
		h.writeTooManyRequests(w, fmt.Sprintf(
			"session %s already has %d commands in flight", sid, entry.Pool.Capacity()))
		return
	}

	metrics.PermitWaitSeconds.Observe(time.Since(waitStart).Seconds())
	metrics.AdmissionsTotal.WithLabelValues(metrics.ResultGranted).Inc()
	h.log.InfoContext(ctx, "admission.granted", slog.Duration("waited", time.Since(waitStart)))

	// Release on every exit path, including a downstream panic.
	defer entry.Pool.Release()
	h.next.ServeHTTP(w, r)
}

// maybeSweep runs the stale sweep if enough time passed since the last one.
// Exactly one of any number of concurrent callers wins the CAS and sweeps;
// the rest skip.
func (h *Handler) maybeSweep() {
	now := time.Now()
	last := h.lastSweep.Load()
	if now.UnixNano()-last < h.sweepInterval.Nanoseconds() {
		return
	}
	if !h.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if n := h.reg.Sweep(now, h.staleMaxAge); n > 0 {
		metrics.SweptSessionsTotal.Add(float64(n))
		metrics.ActiveSessions.Set(float64(h.reg.Len()))
		h.log.Info("gate.sweep", slog.Int("removed", n))
	}
	if h.throttle != nil {
		h.throttle.reset()
	}
}

func (h *Handler) writeTooManyRequests(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfterSeconds)
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "Too Many Requests",
		"message": msg,
	})
}

// remoteHost strips the port from r.RemoteAddr so one client maps to one
// throttle key regardless of ephemeral ports.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
