package ratelimit

import (
	"sync"
	"time"
)

// maxTrackedIdentifiers caps the fallback map; beyond it, expired windows
// are purged eagerly so an outage under heavy traffic cannot grow memory
// without bound.
const maxTrackedIdentifiers = 100000

// fixedWindow is the degraded-mode counter used while the remote store is
// unreachable. It deliberately uses fixed windows rather than replicating
// the sliding log: the fallback is per-process, so sliding-log precision
// would not restore cross-instance accuracy anyway, and the fixed window is
// cheaper exactly when local pressure is highest. Up to a 2x burst is
// possible at window boundaries; that is the accepted degraded-mode
// trade-off.
type fixedWindow struct {
	mu      sync.Mutex
	windows map[string]*windowState
	now     func() time.Time
}

type windowState struct {
	count   int
	resetAt time.Time
}

func newFixedWindow(now func() time.Time) *fixedWindow {
	return &fixedWindow{
		windows: make(map[string]*windowState),
		now:     now,
	}
}

func (f *fixedWindow) check(key string, p Policy, now time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[key]
	if !ok || !now.Before(w.resetAt) {
		if len(f.windows) >= maxTrackedIdentifiers {
			f.purgeExpiredLocked(now)
		}
		w = &windowState{resetAt: now.Add(p.Window)}
		f.windows[key] = w
	}

	if w.count >= p.Limit {
		return Decision{
			Allowed:   false,
			Limit:     p.Limit,
			Remaining: 0,
			ResetAt:   w.resetAt,
			TotalHits: w.count,
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - w.count,
		ResetAt:   w.resetAt,
		TotalHits: w.count,
	}
}

func (f *fixedWindow) purgeExpiredLocked(now time.Time) {
	for key, w := range f.windows {
		if !now.Before(w.resetAt) {
			delete(f.windows, key)
		}
	}
}
