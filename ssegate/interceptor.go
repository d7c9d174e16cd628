package ssegate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/SafeBreach/mcp-session-gate/internal/sidscan"
	"github.com/SafeBreach/mcp-session-gate/sessions"
)

var (
	_ http.ResponseWriter = (*streamInterceptor)(nil)
	_ http.Flusher        = (*streamInterceptor)(nil)
)

// streamInterceptor decorates the stream-open response writer. Every chunk
// is forwarded unmodified; on the way through it is scanned for the session
// id marker the downstream transport emits early in the stream. The marker
// may be split across writes. On first match the registry entry migrates
// from the placeholder id to the discovered id, and from then on the
// discovered id is the effective one. finish tears the entry down exactly
// once under whichever id is effective at that moment, so cleanup works even
// when the marker never appeared.
type streamInterceptor struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher // nil when the underlying writer cannot flush
	reg     *sessions.Registry
	log     *slog.Logger
	scan    *sidscan.Scanner

	mu          sync.Mutex
	effectiveID string
	migrated    bool

	cleanup sync.Once
}

func newStreamInterceptor(ctx context.Context, w http.ResponseWriter, reg *sessions.Registry, placeholderID, marker string, log *slog.Logger) *streamInterceptor {
	f, _ := w.(http.Flusher)
	return &streamInterceptor{
		ctx:         ctx,
		w:           w,
		flusher:     f,
		reg:         reg,
		log:         log,
		scan:        sidscan.New(marker),
		effectiveID: placeholderID,
	}
}

func (si *streamInterceptor) Header() http.Header { return si.w.Header() }

func (si *streamInterceptor) WriteHeader(code int) { si.w.WriteHeader(code) }

func (si *streamInterceptor) Write(p []byte) (int, error) {
	si.observe(p)
	return si.w.Write(p)
}

func (si *streamInterceptor) Flush() {
	if si.flusher != nil {
		si.flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (si *streamInterceptor) Unwrap() http.ResponseWriter { return si.w }

// observe inspects an outbound chunk before it is forwarded. Migration
// happens at most once per stream.
func (si *streamInterceptor) observe(p []byte) {
	si.mu.Lock()
	if si.migrated {
		si.mu.Unlock()
		return
	}
	discovered, ok := si.scan.Scan(p)
	if !ok {
		si.mu.Unlock()
		return
	}
	placeholder := si.effectiveID
	si.effectiveID = discovered
	si.migrated = true
	si.mu.Unlock()

	si.reg.Rekey(placeholder, discovered)
	si.log.InfoContext(si.ctx, "session.rekey",
		slog.String("from", placeholder),
		slog.String("to", discovered))
}

// EffectiveID returns the id the session is currently known under: the
// discovered id once migrated, the placeholder before that.
func (si *streamInterceptor) EffectiveID() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.effectiveID
}

// finish removes the session's registry entry, exactly once, however the
// stream ended.
func (si *streamInterceptor) finish() {
	si.cleanup.Do(func() {
		si.reg.Remove(si.EffectiveID())
	})
}
