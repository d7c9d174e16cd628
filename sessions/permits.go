package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrAdmissionDenied is returned by Acquire when no permit frees up within
// the caller's timeout. It maps to HTTP 429 at the gate; retry is the
// client's responsibility.
var ErrAdmissionDenied = errors.New("permit pool exhausted")

// DefaultCapacity is the per-session concurrency bound used when nothing
// else is configured.
const DefaultCapacity = 2

// PermitPool is a counting admission gate with fixed capacity. It is backed
// by a buffered channel: sending claims a permit, receiving returns one.
type PermitPool struct {
	permits chan struct{}
}

func NewPermitPool(capacity int) *PermitPool {
	if capacity < 1 {
		capacity = 1
	}
	return &PermitPool{permits: make(chan struct{}, capacity)}
}

// Acquire claims a permit, waiting up to timeout for one to free. It returns
// ErrAdmissionDenied when the timeout elapses and ctx.Err() when the caller
// goes away first.
func (p *PermitPool) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case p.permits <- struct{}{}:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p.permits <- struct{}{}:
		return nil
	case <-t.C:
		return ErrAdmissionDenied
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire claims a permit without waiting.
func (p *PermitPool) TryAcquire() bool {
	select {
	case p.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit to the pool. It always succeeds: releasing more
// times than acquired is a no-op rather than a panic, so cleanup paths never
// have to reason about double release.
func (p *PermitPool) Release() {
	select {
	case <-p.permits:
	default:
	}
}

// Capacity reports the fixed permit count.
func (p *PermitPool) Capacity() int { return cap(p.permits) }

// InUse reports how many permits are currently held.
func (p *PermitPool) InUse() int { return len(p.permits) }
