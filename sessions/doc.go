// Package sessions tracks the admission bookkeeping for live SSE sessions.
//
// A Registry maps an opaque session id to its Entry: a fixed-capacity
// PermitPool and a creation timestamp. The transport layer downstream of the
// gate assigns its own session ids and only discloses them inside the event
// stream, so an entry starts life under a placeholder id and is moved, at
// most once, to the downstream-assigned id via Rekey. The Entry (and in
// particular its pool) is never recreated by that move: callers that already
// hold a permit keep operating against the same pool object.
//
// All registry mutations are serialized through one lock. Permit operations
// on an already-retrieved pool never touch that lock.
package sessions
