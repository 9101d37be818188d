// Package cache keeps the in-process view of account balances. Mutations are
// written through to the ledger with optimistic versioning and entries are
// written back when they leave the cache.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/metrics"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
	"github.com/vadiminshakov/ecocore/pkg/retrier"
)

const (
	defaultCapacity     = 2000
	defaultIdleExpiry   = 2 * time.Hour
	defaultJanitorEvery = time.Minute
	applyAttempts       = 5
	applyBackoff        = 5 * time.Millisecond
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrClosed            = errors.New("cache is closed")
)

// Store is the durable side of the cache.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (domain.Account, bool, error)
	Insert(ctx context.Context, acc domain.Account) (bool, error)
	CompareAndSwap(ctx context.Context, id uuid.UUID, expect int64, newBalance domain.Micros) (bool, error)
}

// BalanceObserver is told about every applied balance change.
type BalanceObserver interface {
	OnBalanceChange(delta domain.Micros, market bool)
}

// Config cache sizing.
type Config struct {
	Capacity     int
	IdleExpiry   time.Duration
	JanitorEvery time.Duration
}

type state struct {
	balance domain.Micros
	version int64
	dirty   bool
}

type entry struct {
	id uuid.UUID
	// mu serializes local writers; the versioned store write catches everyone else.
	mu         sync.Mutex
	state      atomic.Pointer[state]
	lastAccess atomic.Int64
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// advance stores next unless a newer version is already visible.
func (e *entry) advance(next *state) {
	for {
		cur := e.state.Load()
		if cur != nil && cur.version > next.version {
			return
		}
		if e.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// HotCache bounded LRU of accounts.
type HotCache struct {
	cfg      Config
	store    Store
	pool     gopool.Pool
	logger   *zap.Logger
	metrics  *metrics.Metrics
	observer BalanceObserver
	retrier  *retrier.Retrier
	now      func() time.Time

	lru   *lru.Cache[uuid.UUID, *entry]
	loads singleflight.Group

	// closeMu orders inflight.Add in onEvict against the Wait in Close.
	closeMu  sync.Mutex
	closing  atomic.Bool
	inflight sync.WaitGroup
}

// Option configures the HotCache.
type Option func(*HotCache)

// WithObserver registers the balance change observer.
func WithObserver(o BalanceObserver) Option {
	return func(c *HotCache) { c.observer = o }
}

// WithClock overrides the time source used for idle expiry.
func WithClock(now func() time.Time) Option {
	return func(c *HotCache) { c.now = now }
}

// WithMetrics records cache metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *HotCache) { c.metrics = m }
}

// New creates the cache. Write-backs triggered by eviction run on pool.
func New(cfg Config, store Store, pool gopool.Pool, logger *zap.Logger, opts ...Option) (*HotCache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = defaultIdleExpiry
	}
	if cfg.JanitorEvery <= 0 {
		cfg.JanitorEvery = defaultJanitorEvery
	}

	c := &HotCache{
		cfg:    cfg,
		store:  store,
		pool:   pool,
		logger: logger.Named("cache"),
		retrier: retrier.New(
			retrier.WithMaxRetries(applyAttempts-1),
			retrier.WithInitialInterval(applyBackoff),
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	l, err := lru.NewWithEvict[uuid.UUID, *entry](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	c.lru = l

	return c, nil
}

func (c *HotCache) onEvict(_ uuid.UUID, e *entry) {
	c.closeMu.Lock()
	if c.closing.Load() {
		c.closeMu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.closeMu.Unlock()

	c.pool.Go(func() {
		defer c.inflight.Done()
		c.writeBack(context.Background(), e)
	})
}

// writeBack persists a dirty entry if the stored version still matches.
// Entries written through by Apply are already durable and are skipped.
func (c *HotCache) writeBack(ctx context.Context, e *entry) {
	st := e.state.Load()
	if st == nil || !st.dirty {
		return
	}

	ok, err := c.store.CompareAndSwap(ctx, e.id, st.version, st.balance)
	switch {
	case err != nil:
		c.metrics.WriteBack(false)
		c.logger.Error("Failed to write back account", zap.String("account", e.id.String()), zap.Error(err))
	case !ok:
		c.metrics.WriteBack(false)
		c.logger.Error("Dropped cached balance, stored version moved on",
			zap.String("account", e.id.String()),
			zap.Int64("version", st.version),
			zap.String("balance", st.balance.String()))
	default:
		c.metrics.WriteBack(true)
		// a concurrent Set keeps its own dirty state
		e.state.CompareAndSwap(st, &state{balance: st.balance, version: st.version + 1})
	}
}

// entry returns the cached entry, loading it from the store on a miss.
// Accounts that do not exist yet are created with a zero balance.
func (c *HotCache) entry(ctx context.Context, id uuid.UUID) (*entry, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}
	if e, ok := c.lru.Get(id); ok {
		e.touch(c.now())
		return e, nil
	}

	v, err, _ := c.loads.Do(id.String(), func() (any, error) {
		if e, ok := c.lru.Get(id); ok {
			return e, nil
		}

		acc, found, err := c.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			if _, err := c.store.Insert(ctx, domain.Account{ID: id}); err != nil {
				return nil, err
			}
			if acc, _, err = c.store.Load(ctx, id); err != nil {
				return nil, err
			}
		}

		e := &entry{id: id}
		e.state.Store(&state{balance: acc.Balance, version: acc.Version})
		if prev, ok, _ := c.lru.PeekOrAdd(id, e); ok {
			return prev, nil
		}
		c.metrics.CacheSize(c.lru.Len())
		return e, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load account %s", id)
	}

	e := v.(*entry)
	e.touch(c.now())
	return e, nil
}

// Get returns the account as seen by the cache.
func (c *HotCache) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	st := e.state.Load()
	return domain.Account{ID: id, Balance: st.balance, Version: st.version, LastUpdated: time.Unix(0, e.lastAccess.Load())}, nil
}

// Peek returns the account without loading it into the cache or creating it.
// Unknown accounts read as a zero balance at version 0.
func (c *HotCache) Peek(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if c.closing.Load() {
		return domain.Account{}, ErrClosed
	}
	if e, ok := c.lru.Peek(id); ok {
		st := e.state.Load()
		return domain.Account{ID: id, Balance: st.balance, Version: st.version, LastUpdated: time.Unix(0, e.lastAccess.Load())}, nil
	}
	acc, _, err := c.store.Load(ctx, id)
	if err != nil {
		return domain.Account{}, errors.Wrapf(err, "peek account %s", id)
	}
	return acc, nil
}

// Apply adds delta to the balance and writes it through to the store.
// A result below zero returns ErrInsufficientFunds and changes nothing.
func (c *HotCache) Apply(ctx context.Context, id uuid.UUID, delta domain.Micros, market bool) (domain.Account, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var next *state
	_, err = retrier.CompareAndSwap(c.retrier, ctx,
		func(ctx context.Context) (*state, error) {
			return e.state.Load(), nil
		},
		func(ctx context.Context, cur *state) (bool, error) {
			bal, err := cur.balance.Add(delta)
			if err != nil {
				return false, err
			}
			if bal < 0 {
				return false, ErrInsufficientFunds
			}

			ok, err := c.store.CompareAndSwap(ctx, id, cur.version, bal)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, c.refresh(ctx, e)
			}

			next = &state{balance: bal, version: cur.version + 1}
			e.advance(next)
			return true, nil
		})
	if errors.Is(err, retrier.ErrExhausted) {
		c.metrics.CASExhausted()
		c.logger.Error("Balance update exhausted retries",
			zap.String("account", id.String()),
			zap.String("delta", delta.String()))
		return domain.Account{}, errors.Wrapf(ledger.ErrVersionConflict, "account %s", id)
	}
	if err != nil {
		return domain.Account{}, err
	}

	if c.observer != nil {
		c.observer.OnBalanceChange(delta, market)
	}
	return domain.Account{ID: id, Balance: next.balance, Version: next.version, LastUpdated: c.now()}, nil
}

// refresh reloads the authoritative row into the entry, balance and version together.
func (c *HotCache) refresh(ctx context.Context, e *entry) error {
	acc, _, err := c.store.Load(ctx, e.id)
	if err != nil {
		return err
	}
	e.state.Store(&state{balance: acc.Balance, version: acc.Version})
	return nil
}

// Set replaces the cached balance without touching the store. The value is
// persisted by the next write-back or Apply.
func (c *HotCache) Set(ctx context.Context, id uuid.UUID, balance domain.Micros) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	var prev domain.Micros
	for {
		cur := e.state.Load()
		if e.state.CompareAndSwap(cur, &state{balance: balance, version: cur.version, dirty: true}) {
			prev = cur.balance
			break
		}
	}
	if c.observer != nil && balance != prev {
		// direct edits change money supply
		c.observer.OnBalanceChange(balance-prev, false)
	}
	return nil
}

// Invalidate drops the entry and schedules its write-back if it is dirty.
func (c *HotCache) Invalidate(id uuid.UUID) {
	c.lru.Remove(id)
	c.metrics.CacheSize(c.lru.Len())
}

// Len returns the number of resident entries.
func (c *HotCache) Len() int {
	return c.lru.Len()
}

// Sweep evicts entries idle for longer than the configured expiry.
func (c *HotCache) Sweep() int {
	cutoff := c.now().Add(-c.cfg.IdleExpiry).UnixNano()
	evicted := 0
	for _, id := range c.lru.Keys() {
		e, ok := c.lru.Peek(id)
		if !ok || e.lastAccess.Load() > cutoff {
			continue
		}
		if c.lru.Remove(id) {
			evicted++
		}
	}
	if evicted > 0 {
		c.metrics.CacheSize(c.lru.Len())
		c.logger.Debug("Expired idle accounts", zap.Int("count", evicted))
	}
	return evicted
}

// Run is the idle expiry janitor.
func (c *HotCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.JanitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close waits for pending write-backs, then writes every dirty entry synchronously and empties the cache.
func (c *HotCache) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if !c.closing.CompareAndSwap(false, true) {
		c.closeMu.Unlock()
		return nil
	}
	c.closeMu.Unlock()
	c.inflight.Wait()

	keys := c.lru.Keys()
	for _, id := range keys {
		if e, ok := c.lru.Peek(id); ok {
			c.writeBack(ctx, e)
		}
	}
	c.lru.Purge()

	c.logger.Info("Hot cache flushed", zap.Int("accounts", len(keys)))
	return nil
}
