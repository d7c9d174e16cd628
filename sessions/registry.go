package sessions

import (
	"sync"
	"time"
)

// Entry is the admission state held for one session.
type Entry struct {
	Pool      *PermitPool
	CreatedAt time.Time
}

// Registry is a concurrent map of session id to admission state. The zero
// value is not usable; construct with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register creates an entry for id with a pool of the given capacity and
// returns it. Registering an id that already has an entry is a no-op that
// returns the existing entry unchanged.
func (r *Registry) Register(id string, capacity int) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := &Entry{Pool: NewPermitPool(capacity), CreatedAt: time.Now()}
	r.entries[id] = e
	return e
}

// Rekey moves the entry under oldID to newID, preserving the entry object.
// The new key is inserted before the old one is deleted, so a concurrent
// Lookup always resolves the session under at least one of the two ids.
// Rekey is idempotent: a repeated call, or a call after the source key no
// longer exists, does nothing. An entry already present under newID is kept
// rather than overwritten.
func (r *Registry) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldID]
	if !ok {
		return
	}
	if _, taken := r.entries[newID]; !taken {
		r.entries[newID] = e
	}
	delete(r.entries, oldID)
}

// Lookup returns the entry for id, if any.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
// Permits already held against the entry's pool keep functioning; the pool
// simply becomes unreachable for future lookups.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Sweep removes every entry older than maxAge relative to now, regardless of
// activity, and reports how many were removed. It bounds registry growth
// from streams that terminated without reaching the gate's cleanup path
// (process crash, network partition).
func (r *Registry) Sweep(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if now.Sub(e.CreatedAt) > maxAge {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
