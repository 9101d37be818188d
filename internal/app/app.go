// Package app assembles the engine: ledger, journal, kernel bridge, hot
// cache, indicators, settlement, the macro pricing loop and cross-node sync.
package app

import (
	"context"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ecocore/config"
	"github.com/vadiminshakov/ecocore/internal/bridge"
	"github.com/vadiminshakov/ecocore/internal/cache"
	"github.com/vadiminshakov/ecocore/internal/crossnode"
	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/events"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/metrics"
	"github.com/vadiminshakov/ecocore/internal/services/economy"
	"github.com/vadiminshakov/ecocore/internal/services/pricing"
	"github.com/vadiminshakov/ecocore/internal/services/settlement"
	"github.com/vadiminshakov/ecocore/internal/storage/econstate"
	"github.com/vadiminshakov/ecocore/internal/storage/journal"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
)

const (
	eventBuffer   = 64
	hydrateLimit  = 200_000
	hydrateWindow = 24 * time.Hour
)

// App is one running node.
type App struct {
	Config     config.Config
	Metrics    *metrics.Metrics
	Bus        *events.Bus
	Ledger     *ledger.Store
	Journal    *journal.Journal
	Bridge     *bridge.Bridge
	Cache      *cache.HotCache
	Indicators *economy.Indicators
	Settlement *settlement.Service
	Sweeper    *settlement.Sweeper
	Macro      *pricing.MacroLoop
	Phases     *pricing.PhaseClassifier
	Pricing    *pricing.Manager
	Catalog    *domain.StaticCatalog
	// Syncer is nil when cross-node sync is disabled.
	Syncer *crossnode.Syncer

	pool      gopool.Pool
	transport crossnode.Transport
	logger    *zap.Logger
	now       func() time.Time

	closers []func(context.Context) error
}

// Option configures New.
type Option func(*App)

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithRegisterer exports metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.Metrics = metrics.New(reg) }
}

// WithTransport replaces the transport named by sync.transport. Sync must
// still be enabled in the configuration.
func WithTransport(t crossnode.Transport) Option {
	return func(a *App) { a.transport = t }
}

// New opens storage and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	a := &App{
		Config: cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Metrics == nil {
		a.Metrics = metrics.NewNop()
	}

	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Bus = events.NewBus(eventBuffer)
	a.onClose(func(context.Context) error { a.Bus.Close(); return nil })
	a.pool = gopool.NewPool("ecocore-io", int32(cfg.Node.IOWorkers), gopool.NewConfig())
	a.Catalog = domain.NewStaticCatalog(catalogItems(cfg.Catalog))

	a.Ledger, err = ledger.Open(ledger.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Postgres: ledger.PostgresOption{
			Host:     cfg.Database.Postgres.Host,
			Port:     cfg.Database.Postgres.Port,
			User:     cfg.Database.Postgres.User,
			Password: cfg.Database.Postgres.Password,
			Database: cfg.Database.Postgres.Database,
			SSLMode:  cfg.Database.Postgres.SSLMode,
		},
	}, logger, a.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	a.onClose(func(context.Context) error { return a.Ledger.Close() })

	a.Journal, err = journal.Open(journal.Config{
		Dir:              cfg.Journal.Dir,
		SegmentThreshold: cfg.Journal.SegmentThreshold,
		MaxSegments:      cfg.Journal.MaxSegments,
	}, a.Ledger, logger, journal.WithClock(a.now))
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	a.onClose(func(context.Context) error { return a.Journal.Close() })

	a.Bridge = bridge.New(kernel.NewLocal(), logger,
		bridge.WithCooldown(cfg.Bridge.WarnCooldown),
		bridge.WithClock(a.now),
		bridge.WithMetrics(a.Metrics))
	if err = a.Bridge.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start kernel bridge")
	}
	a.onClose(func(context.Context) error { return a.Bridge.Shutdown() })

	state, err := econstate.NewStore(cfg.Economy.StateFile)
	if err != nil {
		return nil, err
	}
	a.Indicators = economy.New(economy.Config{
		M1Supply:            cfg.Economy.M1Supply.Micros(),
		VolatilityThreshold: cfg.Economy.VolatilityThreshold.Micros().Float(),
		DailyDecayRate:      cfg.Economy.DailyDecayRate,
		CapacityPerUser:     cfg.Economy.CapacityPerUser,
		AnalyticsInterval:   cfg.Economy.AnalyticsInterval,
		DecayInterval:       cfg.Economy.DecayInterval,
	}, a.Bridge, domain.FixedOnline(cfg.Node.Online), state, logger, economy.WithClock(a.now))

	a.Cache, err = cache.New(cache.Config{
		Capacity:     cfg.Cache.Capacity,
		IdleExpiry:   cfg.Cache.IdleExpiry,
		JanitorEvery: cfg.Cache.JanitorEvery,
	}, a.Ledger, a.pool, logger,
		cache.WithObserver(a.Indicators),
		cache.WithClock(a.now),
		cache.WithMetrics(a.Metrics))
	if err != nil {
		return nil, errors.Wrap(err, "create hot cache")
	}
	a.onClose(a.Cache.Close)

	if cfg.Sync.Enabled {
		transport := a.transport
		if transport == nil {
			if transport, err = newTransport(ctx, cfg.Sync); err != nil {
				return nil, errors.Wrap(err, "create sync transport")
			}
		}
		a.Syncer = crossnode.NewSyncer(crossnode.Config{
			NodeID:     cfg.Node.ID,
			QueueSize:  cfg.Sync.QueueSize,
			FlushBatch: cfg.Sync.FlushBatch,
		}, transport, a.pool, logger,
			crossnode.WithMetrics(a.Metrics),
			crossnode.WithClock(a.now))
		a.onClose(a.Syncer.Close)
	}

	a.Phases = pricing.NewPhaseClassifier(a.Ledger, a.Bus.Phases, a.Metrics, logger, a.now)
	a.Macro = pricing.NewMacroLoop(pricing.LoopConfig{
		Interval:          cfg.Pricing.Interval,
		DefaultLambda:     cfg.Pricing.DefaultLambda,
		TauDays:           cfg.Pricing.TauDays,
		TargetRatePerUser: cfg.Pricing.TargetRatePerUser,
		BatchChunk:        cfg.Pricing.BatchChunk,
		Market:            marketConfig(cfg.Market),
	}, a.Bridge, a.Indicators, a.Catalog, domain.FixedOnline(cfg.Node.Online), a.Ledger, logger,
		pricing.WithLoopClock(a.now),
		pricing.WithLoopMetrics(a.Metrics),
		pricing.WithPhases(a.Phases))

	deps := pricing.ManagerDeps{
		Loop:    a.Macro,
		Catalog: a.Catalog,
		History: pricing.NewHistory(a.Ledger, cfg.Pricing.HistoryCapacity, cfg.Pricing.HistoryDays, a.now, logger),
		Phases:  a.Phases,
		Kernel:  a.Bridge,
		Sales:   a.Ledger,
		Pool:    a.pool,
	}
	sdeps := settlement.Deps{
		Balances:   a.Cache,
		Journal:    a.Journal,
		Auditor:    a.Bridge,
		Indicators: a.Indicators,
		Activity:   domain.NoActivity{},
		Sales:      a.Ledger,
		Incidents:  a.Bus.Incidents,
		Pool:       a.pool,
		Metrics:    a.Metrics,
	}
	// a nil *Syncer must not end up inside the interfaces
	if a.Syncer != nil {
		deps.Publisher = a.Syncer
		sdeps.Publisher = a.Syncer
	}
	a.Pricing = pricing.NewManager(pricing.ManagerConfig{SellRatio: cfg.Pricing.SellRatio}, deps, logger, a.now)
	a.onClose(a.Pricing.Close)

	a.Settlement = settlement.NewService(settlement.Config{
		FallbackMode:     settlement.FallbackMode(cfg.Settlement.FallbackMode),
		FallbackTaxRate:  cfg.Settlement.FallbackTaxRate,
		ShadowMode:       cfg.Settlement.ShadowMode,
		VelocityHalfLife: cfg.Settlement.VelocityHalfLife,
		VelocityIdle:     cfg.Settlement.VelocityIdle,
		Regulator:        regulatorConfig(cfg.Regulator),
	}, sdeps, logger, settlement.WithClock(a.now))
	a.onClose(a.Settlement.Close)

	a.Sweeper = settlement.NewSweeper(settlement.SweeperConfig{
		Interval:     cfg.Settlement.ReconcileInterval,
		InitialDelay: cfg.Settlement.ReconcileInitialDelay,
		Timeout:      cfg.Settlement.ReconcileTimeout,
	}, a.Journal, logger, a.now)

	if err = a.hydrate(ctx); err != nil {
		return nil, err
	}

	logger.Info("Node assembled",
		zap.String("node", cfg.Node.ID),
		zap.String("kernel", a.Bridge.Version()),
		zap.Int("products", len(cfg.Catalog)),
		zap.Bool("sync", a.Syncer != nil),
		zap.Bool("shadow", cfg.Settlement.ShadowMode))
	return a, nil
}

// hydrate replays the recent sales log into the kernel trade window so
// effective volume survives a restart.
func (a *App) hydrate(ctx context.Context) error {
	window := time.Duration(a.Config.Pricing.TauDays * float64(hydrateWindow))
	samples, err := a.Ledger.RecentSales(ctx, a.now().Add(-window), hydrateLimit)
	if err != nil {
		return errors.Wrap(err, "load recent sales")
	}
	for _, s := range samples {
		a.Bridge.RecordTrade(s.Timestamp, s.Amount)
	}
	if len(samples) > 0 {
		a.logger.Info("Kernel trade window hydrated", zap.Int("samples", len(samples)))
	}
	return nil
}

// Run drives the background loops until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Macro.Run(ctx) })
	g.Go(func() error { return a.Indicators.Run(ctx) })
	g.Go(func() error { return a.Sweeper.Run(ctx) })
	g.Go(func() error { return a.Cache.Run(ctx) })
	if a.Syncer != nil {
		g.Go(func() error { return a.Syncer.Run(ctx, a.Pricing) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RecordTrade books a local catalog trade. Positive amounts are sales.
func (a *App) RecordTrade(ctx context.Context, productID string, amount float64) {
	a.Pricing.OnLocalTrade(ctx, productID, amount)
}

// Close stops components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func catalogItems(in []config.CatalogItem) []domain.CatalogItem {
	out := make([]domain.CatalogItem, 0, len(in))
	for _, it := range in {
		out = append(out, domain.CatalogItem{
			ProductID: it.ProductID,
			BasePrice: it.BasePrice.Micros().Float(),
			Lambda:    it.Lambda,
		})
	}
	return out
}

func marketConfig(m config.Market) kernel.MarketConfig {
	out := kernel.DefaultMarketConfig()
	out.SeasonalAmplitude = m.SeasonalAmplitude
	out.WeekendMultiplier = m.WeekendMultiplier
	out.NewbieProtectionRate = m.NewbieProtectionRate
	out.SeasonalWeight = m.SeasonalWeight
	out.WeekendWeight = m.WeekendWeight
	out.NewbieWeight = m.NewbieWeight
	out.InflationWeight = m.InflationWeight
	return out
}

func regulatorConfig(r config.Regulator) kernel.RegulatorConfig {
	return kernel.RegulatorConfig{
		BaseTaxRate:       r.BaseTaxRate,
		LuxuryThreshold:   int64(r.LuxuryThreshold),
		LuxuryTaxRate:     r.LuxuryTaxRate,
		WealthGapTaxRate:  r.WealthGapTaxRate,
		PoorThreshold:     int64(r.PoorThreshold),
		RichThreshold:     int64(r.RichThreshold),
		WarningRatio:      r.WarningRatio,
		WarningMinAmount:  int64(r.WarningMinAmount),
		NewbieHours:       r.NewbieHours,
		VeteranHours:      r.VeteranHours,
		VelocityThreshold: r.VelocityThreshold,
	}
}
