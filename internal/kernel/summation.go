package kernel

import (
	"math"
	"sort"
	"sync"
)

const (
	msPerDay           = 86_400_000.0
	maxFutureTolerance = 60_000
	maxHistorySize     = 500_000
	pruneToSize        = 400_000
	horizonTaus        = 10
)

type tradeRecord struct {
	ts     int64
	micros int64
}

// tradeHistory time ordered record of local trades used for effective supply.
type tradeHistory struct {
	mu      sync.RWMutex
	records []tradeRecord
}

func newTradeHistory() *tradeHistory {
	return &tradeHistory{}
}

func (h *tradeHistory) add(ts, micros int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := tradeRecord{ts: ts, micros: micros}
	n := len(h.records)
	if n == 0 || h.records[n-1].ts <= ts {
		h.records = append(h.records, rec)
	} else {
		// late arrival, keep the slice ordered
		i := sort.Search(n, func(i int) bool { return h.records[i].ts > ts })
		h.records = append(h.records, tradeRecord{})
		copy(h.records[i+1:], h.records[i:])
		h.records[i] = rec
	}

	if len(h.records) > maxHistorySize {
		drop := len(h.records) - pruneToSize
		h.records = append(h.records[:0], h.records[drop:]...)
	}
}

// neff sums amount * exp(-(now-ts)/tau) over the trailing horizon, in units.
func (h *tradeHistory) neff(now int64, tauDays float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.records) == 0 || tauDays <= 0 {
		return 0
	}

	future := now + maxFutureTolerance
	past := now - int64(tauDays*msPerDay*horizonTaus)
	start := sort.Search(len(h.records), func(i int) bool { return h.records[i].ts >= past })

	rate := 1 / (tauDays * msPerDay)
	var sum float64
	for _, r := range h.records[start:] {
		if r.ts > future {
			break
		}
		sum += float64(r.micros) * math.Exp(-float64(now-r.ts)*rate)
	}

	out := sum / microsScale
	if !finite(out) {
		return 0
	}
	return out
}

func (h *tradeHistory) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func (h *tradeHistory) reset() {
	h.mu.Lock()
	h.records = nil
	h.mu.Unlock()
}
