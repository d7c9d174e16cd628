// Package logctx enriches slog records with request and session attributes
// carried in the context, so call sites log terse event keys and still get
// fully correlated records.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates another slog.Handler, folding context-carried request
// and session groups into every record it handles.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("user_agent", rd.UserAgent),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		attrs := make([]any, 0, 2)
		if sd.SessionID != "" {
			attrs = append(attrs, slog.String("id", sd.SessionID))
		}
		if sd.PlaceholderID != "" {
			attrs = append(attrs, slog.String("placeholder_id", sd.PlaceholderID))
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a record concerns. SessionID is the id
// the caller referenced (or the downstream-assigned id once known);
// PlaceholderID is the gate-generated id a stream starts under.
type SessionData struct {
	SessionID     string
	PlaceholderID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
