package pricing

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

const (
	historyStripes         = 64
	defaultHistoryCapacity = 3000
	defaultHistoryDays     = 7
)

// HistorySource loads persisted samples of a product, newest first.
type HistorySource interface {
	ProductHistory(ctx context.Context, productID string, since time.Time, limit int) ([]domain.TradeSample, error)
}

// ring holds the newest samples of one product. head is the newest slot.
type ring struct {
	buf  []domain.TradeSample
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]domain.TradeSample, capacity)}
}

func (r *ring) push(s domain.TradeSample) {
	r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
	r.buf[r.head] = s
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) snapshot() []domain.TradeSample {
	out := make([]domain.TradeSample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

type stripe struct {
	mu    sync.RWMutex
	rings map[string]*ring
}

// History per-product trade rings behind striped locks.
type History struct {
	stripes  [historyStripes]stripe
	source   HistorySource
	capacity int
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewHistory creates the history store. A nil source starts every product empty.
func NewHistory(source HistorySource, capacity, days int, now func() time.Time, logger *zap.Logger) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	if days <= 0 {
		days = defaultHistoryDays
	}
	if now == nil {
		now = time.Now
	}
	h := &History{
		source:   source,
		capacity: capacity,
		window:   time.Duration(days) * 24 * time.Hour,
		now:      now,
		logger:   logger.Named("history"),
	}
	for i := range h.stripes {
		h.stripes[i].rings = make(map[string]*ring)
	}
	return h
}

func (h *History) stripeFor(productID string) *stripe {
	f := fnv.New32a()
	_, _ = f.Write([]byte(productID))
	return &h.stripes[f.Sum32()%historyStripes]
}

// Add records a sample as the newest entry of its product.
func (h *History) Add(ctx context.Context, s domain.TradeSample) {
	st := h.stripeFor(s.ProductID)
	r := h.ring(ctx, st, s.ProductID)

	st.mu.Lock()
	r.push(s)
	st.mu.Unlock()
}

// Samples returns a copy of the product history, newest first.
func (h *History) Samples(ctx context.Context, productID string) []domain.TradeSample {
	st := h.stripeFor(productID)
	r := h.ring(ctx, st, productID)

	st.mu.RLock()
	defer st.mu.RUnlock()
	return r.snapshot()
}

// Clear drops every in-memory ring. The next access warm-loads again.
func (h *History) Clear() {
	for i := range h.stripes {
		st := &h.stripes[i]
		st.mu.Lock()
		st.rings = make(map[string]*ring)
		st.mu.Unlock()
	}
}

// ring returns the product ring, loading it from the source on first use.
// The load runs outside the stripe lock; the first installed ring wins.
func (h *History) ring(ctx context.Context, st *stripe, productID string) *ring {
	st.mu.RLock()
	r, ok := st.rings[productID]
	st.mu.RUnlock()
	if ok {
		return r
	}

	loaded := newRing(h.capacity)
	if h.source != nil {
		samples, err := h.source.ProductHistory(ctx, productID, h.now().Add(-h.window), h.capacity)
		if err != nil {
			h.logger.Warn("Failed to warm history", zap.String("product", productID), zap.Error(err))
		}
		for i := len(samples) - 1; i >= 0; i-- {
			loaded.push(samples[i])
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if r, ok := st.rings[productID]; ok {
		return r
	}
	st.rings[productID] = loaded
	return loaded
}
