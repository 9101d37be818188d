// Package pricing runs the macro pricing loop and answers price quotes from
// its latest snapshot.
package pricing

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

const (
	defaultInterval      = 2 * time.Second
	defaultLambda        = 0.002
	defaultTauDays       = 7.0
	defaultRatePerUser   = 0.05
	defaultBatchChunk    = 500
	defaultAverageWindow = 7 * 24 * time.Hour

	minDt     = 100 * time.Millisecond
	maxDt     = 5 * time.Second
	nominalDt = 2.0
	minTarget = 0.1
)

// Kernel is the bridge surface used by the loop.
type Kernel interface {
	PidStep(state *kernel.PidState, target, current, dt, inflation, heat float64) float64
	ResetPid(state *kernel.PidState)
	BatchPrices(neff float64, ctxs []kernel.TradeContext, cfgs []kernel.MarketConfig, hist, lambdas []float64) ([]float64, error)
	QueryNeff(now time.Time, tauDays float64) float64
	IsRunning() bool
}

// Signals macro indicators consumed by the loop.
type Signals interface {
	Inflation() float64
	MarketHeat() float64
	Saturation() float64
	Stability() float64
}

// LoopConfig macro loop tuning.
type LoopConfig struct {
	Interval          time.Duration
	DefaultLambda     float64
	TauDays           float64
	TargetRatePerUser float64
	BatchChunk        int
	// Market template for per-item environment weights. BaseLambda and
	// VolatilityFactor are overwritten per item.
	Market kernel.MarketConfig
}

func (c *LoopConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.DefaultLambda <= 0 {
		c.DefaultLambda = defaultLambda
	}
	if c.TauDays <= 0 {
		c.TauDays = defaultTauDays
	}
	if c.TargetRatePerUser <= 0 {
		c.TargetRatePerUser = defaultRatePerUser
	}
	if c.BatchChunk <= 0 {
		c.BatchChunk = defaultBatchChunk
	}
	if c.Market == (kernel.MarketConfig{}) {
		c.Market = kernel.DefaultMarketConfig()
	}
}

// Snapshot immutable price table produced by one loop cycle.
type Snapshot struct {
	Prices     map[string]float64
	Adjustment float64
	ComputedAt time.Time
}

// Price returns the snapshot price of productID.
func (s *Snapshot) Price(productID string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	p, ok := s.Prices[productID]
	return p, ok
}

// LoopOption configures a MacroLoop.
type LoopOption func(*MacroLoop)

// WithLoopClock overrides the loop clock.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *MacroLoop) { l.now = now }
}

// WithLoopMetrics sets the collectors.
func WithLoopMetrics(m *metrics.Metrics) LoopOption {
	return func(l *MacroLoop) { l.metrics = m }
}

// WithPhases lets the loop scale each item's elasticity by its market phase.
func WithPhases(p *PhaseClassifier) LoopOption {
	return func(l *MacroLoop) { l.phases = p }
}

// MacroLoop drives the controller and republishes the price snapshot every interval.
type MacroLoop struct {
	cfg      LoopConfig
	kernel   Kernel
	signals  Signals
	catalog  domain.Catalog
	online   domain.OnlineCounter
	averages AnchorSource
	phases   *PhaseClassifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	localTrades  atomic.Int64
	remoteTrades atomic.Int64
	snapshot     atomic.Pointer[Snapshot]

	// mu guards the controller state and the tick bookkeeping.
	mu       sync.Mutex
	pid      kernel.PidState
	lastTick time.Time
}

// NewMacroLoop creates the loop with a freshly reset controller.
func NewMacroLoop(cfg LoopConfig, k Kernel, signals Signals, catalog domain.Catalog, online domain.OnlineCounter, averages AnchorSource, logger *zap.Logger, opts ...LoopOption) *MacroLoop {
	cfg.applyDefaults()
	l := &MacroLoop{
		cfg:      cfg,
		kernel:   k,
		signals:  signals,
		catalog:  catalog,
		online:   online,
		averages: averages,
		logger:   logger.Named("macro"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.pid = kernel.DefaultPidState()
	l.kernel.ResetPid(&l.pid)
	l.lastTick = l.now()
	l.snapshot.Store(&Snapshot{Prices: map[string]float64{}, Adjustment: 1})
	return l
}

// RecordLocalTrade counts one local trade toward the next cycle's heat.
func (l *MacroLoop) RecordLocalTrade() { l.localTrades.Add(1) }

// RecordRemoteTrade counts one peer trade toward the next cycle's heat.
func (l *MacroLoop) RecordRemoteTrade() { l.remoteTrades.Add(1) }

// Snapshot returns the latest published snapshot. Never nil.
func (l *MacroLoop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Controller returns a copy of the controller state.
func (l *MacroLoop) Controller() kernel.PidState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid
}

// ResetController clears the integral and derivative memory of the controller.
func (l *MacroLoop) ResetController() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pid = kernel.DefaultPidState()
	l.kernel.ResetPid(&l.pid)
	l.lastTick = l.now()
	l.logger.Info("Macro controller reset")
}

// Run ticks until ctx is cancelled.
func (l *MacroLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.lastTick = l.now()
	l.mu.Unlock()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("Macro loop started", zap.Duration("interval", l.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Macro loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one controller step and one batch pricing pass. It is skipped
// while the kernel is unavailable; trade counters keep accumulating.
func (l *MacroLoop) Tick(ctx context.Context) {
	if !l.kernel.IsRunning() {
		l.logger.Debug("Kernel unavailable, skipping macro cycle")
		return
	}

	l.mu.Lock()
	now := l.now()
	elapsed := now.Sub(l.lastTick)
	l.lastTick = now
	dt := elapsed.Seconds()
	if elapsed < minDt || elapsed > maxDt {
		dt = nominalDt
	}

	trades := l.localTrades.Swap(0) + l.remoteTrades.Swap(0)
	current := float64(trades) / dt
	target := math.Max(minTarget, float64(l.online.Online())*l.cfg.TargetRatePerUser)
	adjustment := l.kernel.PidStep(&l.pid, target, current, dt, l.signals.Inflation(), current)
	l.mu.Unlock()

	l.metrics.Adjustment(adjustment)

	prices := l.computePrices(ctx, now, adjustment)
	l.snapshot.Store(&Snapshot{Prices: prices, Adjustment: adjustment, ComputedAt: now})

	l.logger.Debug("Macro cycle complete",
		zap.Float64("dt", dt),
		zap.Int64("trades", trades),
		zap.Float64("target", target),
		zap.Float64("adjustment", adjustment),
		zap.Int("items", len(prices)))
}

func (l *MacroLoop) computePrices(ctx context.Context, now time.Time, adjustment float64) map[string]float64 {
	items := l.catalog.Items()
	prices := make(map[string]float64, len(items))
	if len(items) == 0 {
		return prices
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	var avgs map[string]float64
	if l.averages != nil {
		var err error
		avgs, err = l.averages.AverageAmounts(ctx, ids, now.Add(-defaultAverageWindow))
		if err != nil {
			l.logger.Warn("Failed to load history averages", zap.Error(err))
		}
	}

	volatility := 1.0 + (1.0-l.signals.Stability())*2.0
	inflation := l.signals.Inflation()
	heat := l.signals.MarketHeat()
	saturation := l.signals.Saturation()
	_, offset := now.Zone()
	neff := l.kernel.QueryNeff(now, l.cfg.TauDays)

	ctxs := make([]kernel.TradeContext, len(items))
	cfgs := make([]kernel.MarketConfig, len(items))
	hist := make([]float64, len(items))
	lambdas := make([]float64, len(items))
	for i, it := range items {
		lambda := it.Lambda
		if lambda <= 0 {
			lambda = l.cfg.DefaultLambda
		}
		lambda *= adjustment
		if l.phases != nil {
			lambda *= LambdaModifier(l.phases.Phase(it.ProductID))
		}

		ctxs[i] = kernel.TradeContext{
			BasePriceMicros:  int64(domain.FromFloat(it.BasePrice)),
			CurrentAmount:    domain.MicrosPerUnit,
			InflationRate:    inflation,
			CurrentTimestamp: now.UnixMilli(),
			TimezoneOffset:   int32(offset),
			MarketHeat:       heat,
			EcoSaturation:    saturation,
		}
		cfg := l.cfg.Market
		cfg.BaseLambda = lambda
		cfg.VolatilityFactor = volatility
		cfgs[i] = cfg

		hist[i] = it.BasePrice
		if avg, ok := avgs[it.ProductID]; ok && avg > 0 {
			hist[i] = avg
		}
		lambdas[i] = lambda
	}

	for start := 0; start < len(items); start += l.cfg.BatchChunk {
		end := min(start+l.cfg.BatchChunk, len(items))
		out, err := l.kernel.BatchPrices(neff, ctxs[start:end], cfgs[start:end], hist[start:end], lambdas[start:end])
		if err != nil {
			l.logger.Warn("Batch pricing fell back to base prices",
				zap.Int("from", start), zap.Int("to", end), zap.Error(err))
		}
		for j, it := range items[start:end] {
			p := it.BasePrice
			if j < len(out) && !math.IsNaN(out[j]) && !math.IsInf(out[j], 0) && out[j] > 0 {
				p = out[j]
			}
			prices[it.ProductID] = p
		}
	}
	return prices
}
