package hub

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter keyed by identity.
type rateLimiter struct {
	mu       sync.Mutex
	history  map[Identity][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func newRateLimiter(limit int, interval time.Duration, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		history:  make(map[Identity][]time.Time),
		limit:    limit,
		interval: interval,
		now:      now,
	}
}

func (rl *rateLimiter) Allow(id Identity) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *rateLimiter) Forget(id Identity) {
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
