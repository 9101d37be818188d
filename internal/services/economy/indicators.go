// Package economy tracks the macro signals of the economy: money supply,
// circulation heat, short term market heat, saturation and inflation.
package economy

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

const (
	defaultM1Supply            = 10_000_000 * domain.MicrosPerUnit
	defaultVolatilityThreshold = 50_000.0
	defaultDailyDecayRate      = 0.05
	defaultCapacityPerUser     = 5000.0
	defaultAnalyticsInterval   = time.Second
	defaultDecayInterval       = 30 * time.Minute

	minAnalyticsDt = 100 * time.Millisecond
	// decay steps below this are noise
	minDecay = 0.01
	// decay steps above this are saved right away
	saveDecay = 100.0
)

// Kernel is the part of the compute bridge the indicators depend on.
type Kernel interface {
	Inflation(heat, m1 float64) float64
	Stability(lastVolatile, now time.Time) float64
	Decay(heat, rate float64) float64
	IsRunning() bool
}

// StateStore persists circulation heat.
type StateStore interface {
	Load() (domain.Micros, error)
	Save(heat domain.Micros) error
}

// Config indicator parameters.
type Config struct {
	M1Supply            domain.Micros
	VolatilityThreshold float64
	DailyDecayRate      float64
	CapacityPerUser     float64
	AnalyticsInterval   time.Duration
	DecayInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.M1Supply == 0 {
		c.M1Supply = defaultM1Supply
	}
	if c.VolatilityThreshold <= 0 {
		c.VolatilityThreshold = defaultVolatilityThreshold
	}
	if c.DailyDecayRate <= 0 {
		c.DailyDecayRate = defaultDailyDecayRate
	}
	if c.CapacityPerUser <= 0 {
		c.CapacityPerUser = defaultCapacityPerUser
	}
	if c.AnalyticsInterval <= 0 {
		c.AnalyticsInterval = defaultAnalyticsInterval
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = defaultDecayInterval
	}
}

// Snapshot derived indicators of the last analytics tick.
type Snapshot struct {
	MarketHeat float64
	Saturation float64
	Inflation  float64
}

// Indicators accumulates transactions and derives the macro signals.
type Indicators struct {
	cfg    Config
	kernel Kernel
	online domain.OnlineCounter
	state  StateStore
	logger *zap.Logger
	now    func() time.Time

	m1           atomic.Int64
	circulation  atomic.Int64
	window       atomic.Int64
	lastVolatile atomic.Int64
	lastTick     time.Time

	snapshot atomic.Pointer[Snapshot]
}

// Option configures Indicators.
type Option func(*Indicators)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Indicators) { i.now = now }
}

// New creates the indicators and restores circulation heat from the state store.
func New(cfg Config, k Kernel, online domain.OnlineCounter, state StateStore, logger *zap.Logger, opts ...Option) *Indicators {
	cfg.applyDefaults()

	i := &Indicators{
		cfg:    cfg,
		kernel: k,
		online: online,
		state:  state,
		logger: logger.Named("economy"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	now := i.now()
	i.lastTick = now
	i.lastVolatile.Store(now.UnixMilli())
	i.m1.Store(int64(cfg.M1Supply))

	var heat domain.Micros
	if state != nil {
		saved, err := state.Load()
		if err != nil {
			i.logger.Warn("Failed to load economy state, starting cold", zap.Error(err))
		} else {
			heat = saved
		}
	}
	i.circulation.Store(int64(heat))
	i.snapshot.Store(&Snapshot{MarketHeat: heat.Float() / 100})

	i.logger.Info("Economy indicators loaded",
		zap.String("m1", cfg.M1Supply.String()),
		zap.String("heat", heat.String()))

	return i
}

// OnBalanceChange observes individual balance writes. Every write moves money
// supply; writes flagged as market activity also count as traded volume.
// Settlement flags only the debit leg so a transfer is counted once.
func (i *Indicators) OnBalanceChange(delta domain.Micros, market bool) {
	i.m1.Add(int64(delta))
	if market {
		i.recordVolume(delta)
	}
}

func (i *Indicators) recordVolume(amount domain.Micros) {
	abs := int64(amount.Abs())
	i.window.Add(abs)
	i.circulation.Add(abs)

	if amount.Abs().Float() >= i.cfg.VolatilityThreshold {
		i.lastVolatile.Store(i.now().UnixMilli())
	}
}

// Tick recomputes market heat, saturation and inflation from the volume
// accumulated since the previous tick.
func (i *Indicators) Tick() {
	now := i.now()
	dt := now.Sub(i.lastTick)
	if dt < minAnalyticsDt {
		return
	}

	window := domain.Micros(i.window.Swap(0)).Float()
	heat := window / dt.Seconds()

	online := 0
	if i.online != nil {
		online = i.online.Online()
	}
	capacity := float64(max(1, online)) * i.cfg.CapacityPerUser
	saturation := math.Min(1, heat/capacity)

	prev := i.snapshot.Load()
	inflation := prev.Inflation
	if i.kernel.IsRunning() {
		inflation = i.kernel.Inflation(heat, i.M1().Float())
	}

	i.snapshot.Store(&Snapshot{MarketHeat: heat, Saturation: saturation, Inflation: inflation})
	i.lastTick = now
}

// Decay applies one step of natural heat decay through the kernel.
func (i *Indicators) Decay() {
	if !i.kernel.IsRunning() {
		return
	}

	total := domain.Micros(i.circulation.Load()).Float()
	reduction := i.kernel.Decay(total, i.cfg.DailyDecayRate)
	if math.Abs(reduction) <= minDecay {
		return
	}

	i.circulation.Add(-int64(domain.FromFloat(reduction)))
	i.logger.Debug("Circulation heat decayed", zap.Float64("reduction", reduction))

	if reduction > saveDecay {
		i.save()
	}
}

func (i *Indicators) save() {
	if i.state == nil {
		return
	}
	if err := i.state.Save(i.CirculationHeat()); err != nil {
		i.logger.Error("Failed to save economy state", zap.Error(err))
	}
}

// Run drives the analytics and decay tickers until ctx is done, then saves state.
func (i *Indicators) Run(ctx context.Context) error {
	analytics := time.NewTicker(i.cfg.AnalyticsInterval)
	defer analytics.Stop()
	decay := time.NewTicker(i.cfg.DecayInterval)
	defer decay.Stop()

	i.logger.Info("Starting economy analytics",
		zap.Duration("interval", i.cfg.AnalyticsInterval),
		zap.Duration("decay_interval", i.cfg.DecayInterval))

	for {
		select {
		case <-ctx.Done():
			i.save()
			return nil
		case <-analytics.C:
			i.Tick()
		case <-decay.C:
			i.Decay()
		}
	}
}

// Snapshot returns the indicators of the last tick.
func (i *Indicators) Snapshot() Snapshot {
	return *i.snapshot.Load()
}

// Inflation current inflation rate.
func (i *Indicators) Inflation() float64 {
	return i.snapshot.Load().Inflation
}

// MarketHeat current trade volume per second.
func (i *Indicators) MarketHeat() float64 {
	return i.snapshot.Load().MarketHeat
}

// Saturation market heat relative to the online capacity, in [0, 1].
func (i *Indicators) Saturation() float64 {
	return i.snapshot.Load().Saturation
}

// M1 current money supply.
func (i *Indicators) M1() domain.Micros {
	return domain.Micros(i.m1.Load())
}

// CirculationHeat long term accumulated market volume.
func (i *Indicators) CirculationHeat() domain.Micros {
	return domain.Micros(i.circulation.Load())
}

// Stability is 1 when no volatile trade happened within the recovery window.
func (i *Indicators) Stability() float64 {
	if !i.kernel.IsRunning() {
		return 1
	}
	return i.kernel.Stability(time.UnixMilli(i.lastVolatile.Load()), i.now())
}
