package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/events"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

const (
	anchorTTL      = 5 * time.Minute
	anchorWindow   = 7 * 24 * time.Hour
	anchorCapacity = 1000

	emergencyImpact = 3.5
	saturatedImpact = 1.8
	healingImpact   = 1.5
	stableImpact    = 1.2
)

// AnchorSource reports the mean absolute traded amount per product.
type AnchorSource interface {
	AverageAmounts(ctx context.Context, productIDs []string, since time.Time) (map[string]float64, error)
}

type anchor struct {
	value     float64
	fetchedAt time.Time
}

// PhaseClassifier tracks the market phase of every traded product.
type PhaseClassifier struct {
	source  AnchorSource
	anchors *lru.Cache[string, anchor]
	phases  *events.Broadcaster[events.PhaseChanged]
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current map[string]domain.MarketPhase
}

// NewPhaseClassifier creates a classifier. phases and m may be nil.
func NewPhaseClassifier(source AnchorSource, phases *events.Broadcaster[events.PhaseChanged], m *metrics.Metrics, logger *zap.Logger, now func() time.Time) *PhaseClassifier {
	if now == nil {
		now = time.Now
	}
	anchors, _ := lru.New[string, anchor](anchorCapacity)
	return &PhaseClassifier{
		source:  source,
		anchors: anchors,
		phases:  phases,
		metrics: m,
		logger:  logger.Named("phase"),
		now:     now,
		current: make(map[string]domain.MarketPhase),
	}
}

// Classify derives the phase of productID from the latest trade impact and
// records a transition when it differs from the previous one.
func (c *PhaseClassifier) Classify(ctx context.Context, productID string, neff float64) domain.MarketPhase {
	base := c.anchor(ctx, productID)
	if base <= 0 || math.IsNaN(base) {
		return domain.PhaseStable
	}
	impact := math.Abs(neff) / base

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, known := c.current[productID]
	if !known {
		prev = domain.PhaseStable
	}
	next := nextPhase(prev, impact)

	if !known {
		c.metrics.PhaseShift("", prev.String())
	}
	c.current[productID] = next
	if next == prev {
		return next
	}

	c.metrics.PhaseShift(prev.String(), next.String())
	c.logger.Info("Market phase changed",
		zap.String("product", productID),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Float64("impact", impact))
	if c.phases != nil {
		c.phases.Publish(events.PhaseChanged{
			ProductID: productID,
			From:      prev,
			To:        next,
			Impact:    impact,
			At:        c.now(),
		})
	}
	return next
}

// Phase returns the last classified phase of productID.
func (c *PhaseClassifier) Phase(productID string) domain.MarketPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.current[productID]; ok {
		return p
	}
	return domain.PhaseStable
}

func nextPhase(prev domain.MarketPhase, impact float64) domain.MarketPhase {
	switch {
	case impact > emergencyImpact:
		return domain.PhaseEmergency
	case impact > saturatedImpact:
		return domain.PhaseSaturated
	case prev == domain.PhaseEmergency && impact < healingImpact:
		return domain.PhaseHealing
	case impact < stableImpact:
		return domain.PhaseStable
	default:
		return prev
	}
}

func (c *PhaseClassifier) anchor(ctx context.Context, productID string) float64 {
	now := c.now()
	if a, ok := c.anchors.Get(productID); ok && now.Sub(a.fetchedAt) < anchorTTL {
		return a.value
	}
	if c.source == nil {
		return 0
	}

	avg, err := c.source.AverageAmounts(ctx, []string{productID}, now.Add(-anchorWindow))
	if err != nil {
		c.logger.Warn("Failed to load phase anchor", zap.String("product", productID), zap.Error(err))
		return 0
	}
	v := avg[productID]
	c.anchors.Add(productID, anchor{value: v, fetchedAt: now})
	return v
}

// LambdaModifier scales price elasticity down while the market is under stress.
func LambdaModifier(p domain.MarketPhase) float64 {
	switch p {
	case domain.PhaseEmergency:
		return 0.35
	case domain.PhaseSaturated:
		return 0.60
	case domain.PhaseHealing:
		return 0.85
	default:
		return 1.0
	}
}
