package settlement

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultVelocityHalfLife = 60 * time.Second
	defaultVelocityIdle     = 5 * time.Minute
)

type velocity struct {
	value   float64
	updated time.Time
}

func (v velocity) at(now time.Time, halfLife time.Duration) float64 {
	elapsed := now.Sub(v.updated)
	if elapsed <= 0 {
		return v.value
	}
	return v.value * math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// velocityTracker exponentially decayed transfer volume per sender.
type velocityTracker struct {
	mu        sync.Mutex
	halfLife  time.Duration
	idle      time.Duration
	entries   map[uuid.UUID]velocity
	lastSweep time.Time
}

func newVelocityTracker(halfLife, idle time.Duration) *velocityTracker {
	if halfLife <= 0 {
		halfLife = defaultVelocityHalfLife
	}
	if idle <= 0 {
		idle = defaultVelocityIdle
	}
	return &velocityTracker{
		halfLife: halfLife,
		idle:     idle,
		entries:  make(map[uuid.UUID]velocity),
	}
}

func (t *velocityTracker) get(id uuid.UUID, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if !ok {
		return 0
	}
	return v.at(now, t.halfLife)
}

func (t *velocityTracker) add(id uuid.UUID, amount float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.entries[id]
	t.entries[id] = velocity{value: v.at(now, t.halfLife) + amount, updated: now}

	if now.Sub(t.lastSweep) >= t.idle {
		t.evictLocked(now)
	}
}

func (t *velocityTracker) evictLocked(now time.Time) int {
	n := 0
	for id, v := range t.entries {
		if now.Sub(v.updated) >= t.idle {
			delete(t.entries, id)
			n++
		}
	}
	t.lastSweep = now
	return n
}

func (t *velocityTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
