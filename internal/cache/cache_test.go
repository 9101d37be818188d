package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/metrics"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
)

type recordingObserver struct {
	mu     sync.Mutex
	market domain.Micros
	direct domain.Micros
}

func (o *recordingObserver) OnBalanceChange(delta domain.Micros, market bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if market {
		o.market += delta
	} else {
		o.direct += delta
	}
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*HotCache, *ledger.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	store, err := ledger.Open(ledger.Options{Driver: ledger.DriverSQLite, DSN: dsn}, zap.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := gopool.NewPool("cache-test", 4, gopool.NewConfig())
	c, err := New(cfg, store, pool, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c, store
}

func stored(t *testing.T, s *ledger.Store, id uuid.UUID) domain.Account {
	t.Helper()
	acc, found, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return acc
}

func TestGetCreatesAccount(t *testing.T) {
	c, store := newTestCache(t, Config{})
	id := uuid.New()

	acc, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)
	assert.Zero(t, acc.Version)
	assert.Equal(t, 1, c.Len())

	assert.Zero(t, stored(t, store, id).Balance)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	c, store := newTestCache(t, Config{}, WithObserver(obs))
	id := uuid.New()

	t.Run("writes through", func(t *testing.T) {
		acc, err := c.Apply(ctx, id, 100_000_000, true)
		require.NoError(t, err)
		assert.Equal(t, domain.Micros(100_000_000), acc.Balance)
		assert.Equal(t, int64(1), acc.Version)

		row := stored(t, store, id)
		assert.Equal(t, domain.Micros(100_000_000), row.Balance)
		assert.Equal(t, int64(1), row.Version)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := c.Apply(ctx, id, -100_000_001, true)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, domain.Micros(100_000_000), stored(t, store, id).Balance)
	})

	t.Run("refreshes after external write", func(t *testing.T) {
		ok, err := store.CompareAndSwap(ctx, id, 1, 40_000_000)
		require.NoError(t, err)
		require.True(t, ok)

		acc, err := c.Apply(ctx, id, 10_000_000, true)
		require.NoError(t, err)
		assert.Equal(t, domain.Micros(50_000_000), acc.Balance)
		assert.Equal(t, int64(3), acc.Version)
		assert.Equal(t, domain.Micros(50_000_000), stored(t, store, id).Balance)
	})

	t.Run("observer sees market deltas", func(t *testing.T) {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		assert.Equal(t, domain.Micros(110_000_000), obs.market)
		assert.Zero(t, obs.direct)
	})
}

func TestConcurrentApplyConservesBalance(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	id := uuid.New()

	_, err := c.Apply(ctx, id, 100_000_000, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 60; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.Apply(ctx, id, 1_000_000, true); err != nil {
				failed.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := c.Apply(ctx, id, -1_000_000, true); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	acc, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Micros(100_000_000), acc.Balance)
	assert.Equal(t, domain.Micros(100_000_000), stored(t, store, id).Balance)
	assert.Equal(t, int64(121), stored(t, store, id).Version)
}

func TestSetIsNotWrittenUntilEviction(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	c, store := newTestCache(t, Config{Capacity: 1}, WithObserver(obs))
	first, second := uuid.New(), uuid.New()

	require.NoError(t, c.Set(ctx, first, 7_000_000))
	require.NoError(t, c.Set(ctx, first, 9_000_000))
	assert.Zero(t, stored(t, store, first).Balance)

	obs.mu.Lock()
	assert.Equal(t, domain.Micros(9_000_000), obs.direct)
	obs.mu.Unlock()

	// capacity eviction writes the dirty entry back
	_, err := c.Get(ctx, second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		acc, _, err := store.Load(ctx, first)
		return err == nil && acc.Balance == 9_000_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidateWritesBack(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	id := uuid.New()

	require.NoError(t, c.Set(ctx, id, 3_000_000))
	c.Invalidate(id)
	assert.Zero(t, c.Len())

	require.Eventually(t, func() bool {
		acc, _, err := store.Load(ctx, id)
		return err == nil && acc.Balance == 3_000_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleEntryDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	id := uuid.New()

	_, err := c.Apply(ctx, id, 5_000_000, false)
	require.NoError(t, err)

	ok, err := store.CompareAndSwap(ctx, id, 1, 8_000_000)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, domain.Micros(8_000_000), stored(t, store, id).Balance)
}

func TestSweepExpiresIdleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	c, store := newTestCache(t, Config{IdleExpiry: time.Hour}, WithClock(clock))
	idle, busy := uuid.New(), uuid.New()

	require.NoError(t, c.Set(ctx, idle, 2_000_000))
	now = now.Add(30 * time.Minute)
	_, err := c.Get(ctx, busy)
	require.NoError(t, err)

	now = now.Add(45 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	require.Eventually(t, func() bool {
		acc, _, err := store.Load(ctx, idle)
		return err == nil && acc.Balance == 2_000_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseFlushesSynchronously(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	for i, id := range ids {
		require.NoError(t, c.Set(ctx, id, domain.Micros(i+1)*1_000_000))
	}
	require.NoError(t, c.Close(ctx))

	for i, id := range ids {
		assert.Equal(t, domain.Micros(i+1)*1_000_000, stored(t, store, id).Balance)
	}
	assert.Zero(t, c.Len())

	_, err := c.Get(ctx, ids[0])
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close(ctx))
}

func TestCleanEntriesAreNotRewritten(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	applied, evicted := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		_, err := c.Apply(ctx, applied, 1_000_000, false)
		require.NoError(t, err)
	}
	_, err := c.Apply(ctx, evicted, 1_000_000, false)
	require.NoError(t, err)
	c.Invalidate(evicted)

	require.NoError(t, c.Close(ctx))

	acc := stored(t, store, applied)
	assert.Equal(t, domain.Micros(3_000_000), acc.Balance)
	assert.Equal(t, int64(3), acc.Version, "one version per successful write")
	assert.Equal(t, int64(1), stored(t, store, evicted).Version)
}

func TestWriteBackClearsDirty(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	id := uuid.New()

	require.NoError(t, c.Set(ctx, id, 4_000_000))
	e, ok := c.lru.Peek(id)
	require.True(t, ok)

	c.writeBack(ctx, e)
	c.writeBack(ctx, e)

	acc := stored(t, store, id)
	assert.Equal(t, domain.Micros(4_000_000), acc.Balance)
	assert.Equal(t, int64(1), acc.Version)
	assert.False(t, e.state.Load().dirty)
}

func TestPeekIsReadOnly(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Config{})
	unknown, known := uuid.New(), uuid.New()

	acc, err := c.Peek(ctx, unknown)
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)
	_, found, err := store.Load(ctx, unknown)
	require.NoError(t, err)
	assert.False(t, found, "peek must not create the account")

	_, err = c.Apply(ctx, known, 6_000_000, false)
	require.NoError(t, err)
	acc, err = c.Peek(ctx, known)
	require.NoError(t, err)
	assert.Equal(t, domain.Micros(6_000_000), acc.Balance)
	assert.Equal(t, 1, c.Len())
}

func TestCloseRacesEvictions(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Config{Capacity: 4})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := uuid.New()
				if err := c.Set(ctx, id, 1_000_000); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				c.Invalidate(id)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Close(ctx))
	wg.Wait()

	_, err := c.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrClosed)
}
