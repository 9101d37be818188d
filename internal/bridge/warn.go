package bridge

import (
	"sync"
	"time"
)

// warnOnce lets one log line per key through per cooldown window.
type warnOnce struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	last     map[string]time.Time
}

func newWarnOnce(cooldown time.Duration, now func() time.Time) *warnOnce {
	return &warnOnce{
		cooldown: cooldown,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

func (w *warnOnce) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if at, ok := w.last[key]; ok && now.Sub(at) < w.cooldown {
		return false
	}
	w.last[key] = now
	return true
}
