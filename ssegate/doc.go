// Package ssegate implements session-scoped admission control in front of an
// MCP server's HTTP+SSE transport.
//
// The transport has two channels: a long-lived GET that opens a session and
// streams events, and short POST command requests that reference the session
// through a query parameter. The session id is assigned by the downstream
// transport and disclosed asynchronously, inside the stream itself, so the
// gate registers each new stream under a placeholder id and watches the
// bytes it forwards for the id marker; on first sight it atomically moves
// the session's bookkeeping to the downstream-assigned id. Commands are
// admitted against a fixed-capacity per-session permit pool and rejected
// with 429 and a Retry-After header when the pool stays exhausted past a
// short timeout.
//
// The session id always travels on the wire. The hosting runtime is free to
// run the stream-open handler and each command handler on unrelated
// goroutines; nothing here relies on handler-local state shared between
// them — the registry is the single source of truth.
//
// Requests the gate does not recognize (other paths, other methods,
// connection upgrades, commands naming an unknown session) pass through to
// the downstream handler untouched: the gate fails open, never closed, for
// traffic it cannot attribute to a live session.
package ssegate
