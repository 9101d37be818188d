package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
)

const (
	defaultSellRatio = 0.5
	fallbackPrice    = 100.0
	saleWriteTimeout = 5 * time.Second
)

// TradeKernel is the bridge surface used for quotes and trade bookkeeping.
type TradeKernel interface {
	TierPrice(base, qty float64, isSell bool) float64
	RecordTrade(at time.Time, amount float64)
	InjectRemoteTrade(amount float64)
}

// SalesLog persists trades.
type SalesLog interface {
	AppendSale(ctx context.Context, sale ledger.Sale) error
}

// TradePublisher shares local trades with peer nodes.
type TradePublisher interface {
	Publish(productID string, amount float64)
}

// ManagerConfig quote policy.
type ManagerConfig struct {
	SellRatio float64
}

// ManagerDeps collaborators of the manager. Phases, Sales, Publisher and Pool may be nil.
type ManagerDeps struct {
	Loop      *MacroLoop
	Catalog   domain.Catalog
	History   *History
	Phases    *PhaseClassifier
	Kernel    TradeKernel
	Sales     SalesLog
	Publisher TradePublisher
	Pool      gopool.Pool
}

// Manager answers price quotes and folds local and remote trades into the
// pricing state.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	logger *zap.Logger
	now    func() time.Time

	inflight sync.WaitGroup
}

// NewManager creates the pricing manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps, logger *zap.Logger, now func() time.Time) *Manager {
	if cfg.SellRatio <= 0 {
		cfg.SellRatio = defaultSellRatio
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, deps: deps, logger: logger.Named("pricing"), now: now}
}

// BuyPrice returns the macro price of productID without slippage. It prefers
// the latest snapshot, then the catalog base price, then a flat fallback.
func (m *Manager) BuyPrice(productID string) float64 {
	if p, ok := m.deps.Loop.Snapshot().Price(productID); ok && p > 0 {
		return p
	}
	if it, ok := m.deps.Catalog.Item(productID); ok && it.BasePrice > 0 {
		return it.BasePrice
	}
	return fallbackPrice
}

// SellPrice returns what the market pays for one unit of productID.
func (m *Manager) SellPrice(productID string) float64 {
	return m.BuyPrice(productID) * m.cfg.SellRatio
}

// TradePrice returns the average unit price for a trade of amount units.
// Positive amounts are sales into the market and get bulk tiering.
func (m *Manager) TradePrice(productID string, amount float64) float64 {
	base := m.BuyPrice(productID)
	qty := amount
	if qty < 0 {
		qty = -qty
	}
	return m.deps.Kernel.TierPrice(base, qty, amount > 0)
}

// Samples returns the in-memory trade history of productID, newest first.
func (m *Manager) Samples(ctx context.Context, productID string) []domain.TradeSample {
	return m.deps.History.Samples(ctx, productID)
}

// Phase returns the last classified market phase of productID.
func (m *Manager) Phase(productID string) domain.MarketPhase {
	if m.deps.Phases == nil {
		return domain.PhaseStable
	}
	return m.deps.Phases.Phase(productID)
}

// OnLocalTrade records a trade settled on this node and publishes it to peers.
func (m *Manager) OnLocalTrade(ctx context.Context, productID string, amount float64) {
	now := m.now()
	m.deps.History.Add(ctx, domain.TradeSample{ProductID: productID, Timestamp: now, Amount: amount})
	m.deps.Loop.RecordLocalTrade()
	m.deps.Kernel.RecordTrade(now, amount)

	m.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), saleWriteTimeout)
		defer cancel()
		if m.deps.Sales != nil {
			sale := ledger.Sale{ProductID: productID, Amount: amount, At: now}
			if err := m.deps.Sales.AppendSale(ctx, sale); err != nil {
				m.logger.Error("Failed to persist trade", zap.String("product", productID), zap.Error(err))
			}
		}
		if m.deps.Phases != nil {
			m.deps.Phases.Classify(ctx, productID, amount)
		}
	})

	if m.deps.Publisher != nil {
		m.deps.Publisher.Publish(productID, amount)
	}
}

// OnRemoteTrade folds a peer trade into local heat and history. Remote
// trades are never republished.
func (m *Manager) OnRemoteTrade(productID string, amount float64, at time.Time) {
	m.deps.Loop.RecordRemoteTrade()
	m.deps.History.Add(context.Background(), domain.TradeSample{ProductID: productID, Timestamp: at, Amount: amount})
	m.deps.Kernel.InjectRemoteTrade(amount)
}

// Close waits for background trade writes to finish.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) background(fn func()) {
	m.inflight.Add(1)
	run := func() {
		defer m.inflight.Done()
		fn()
	}
	if m.deps.Pool == nil {
		run()
		return
	}
	m.deps.Pool.Go(run)
}
