package api

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-account request limiter. It bounds
// the volume of settings calls a runaway client can issue; precision
// at the window boundary is not a goal.
type rateLimiter struct {
	window time.Duration
	max    int

	mu        sync.Mutex
	windows   map[string]*accountWindow
	lastSweep time.Time
}

type accountWindow struct {
	start time.Time
	count int
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:    window,
		max:       max,
		windows:   map[string]*accountWindow{},
		lastSweep: time.Now(),
	}
}

// allow records one request for the account and reports whether it is
// within the current window's ceiling. A non-positive max disables
// limiting.
func (rl *rateLimiter) allow(account string) bool {
	if rl.max <= 0 {
		return true
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Account ids are caller-supplied, so expired windows must be
	// evicted or the map grows with every id ever seen. One sweep per
	// window keeps allow O(1) amortized.
	if now.Sub(rl.lastSweep) >= rl.window {
		for id, w := range rl.windows {
			if now.Sub(w.start) >= rl.window {
				delete(rl.windows, id)
			}
		}
		rl.lastSweep = now
	}

	w := rl.windows[account]
	if w == nil || now.Sub(w.start) >= rl.window {
		rl.windows[account] = &accountWindow{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= rl.max
}
