package ssegate

import (
	"sync"

	"golang.org/x/time/rate"
)

// streamThrottle bounds how fast any single remote host may open new
// streams, protecting the registry from session churn the stale sweep would
// otherwise have to absorb. Session admission itself is never rate-based;
// this only guards stream-opens.
type streamThrottle struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newStreamThrottle(rps float64, burst int) *streamThrottle {
	return &streamThrottle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (t *streamThrottle) allow(key string) bool {
	return t.limiter(key).Allow()
}

func (t *streamThrottle) limiter(key string) *rate.Limiter {
	t.mu.RLock()
	l, ok := t.limiters[key]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(t.rps, t.burst)
	t.limiters[key] = l
	return l
}

// reset drops all per-host limiters. Invoked on the sweep cadence so the map
// cannot grow without bound; hosts simply start from a full burst again.
func (t *streamThrottle) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiters = make(map[string]*rate.Limiter)
}
