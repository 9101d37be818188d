package economy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/bridge"
	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/storage/econstate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startedBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b := bridge.New(kernel.NewLocal(), zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func newIndicators(t *testing.T, state StateStore, online int) (*Indicators, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ind := New(Config{}, startedBridge(t), domain.FixedOnline(online), state, zap.NewNop(), WithClock(clock.Now))
	return ind, clock
}

func TestOnBalanceChange(t *testing.T) {
	ind, _ := newIndicators(t, nil, 1)
	assert.Equal(t, domain.Micros(10_000_000_000_000), ind.M1())

	t.Run("direct edits change supply only", func(t *testing.T) {
		ind.OnBalanceChange(domain.FromFloat(500), false)
		ind.OnBalanceChange(domain.FromFloat(-200), false)
		assert.Equal(t, domain.FromFloat(10_000_300), ind.M1())
		assert.Zero(t, ind.CirculationHeat())
	})

	t.Run("market transfer legs", func(t *testing.T) {
		// debit flagged as market, credit of the net amount is not
		ind.OnBalanceChange(domain.FromFloat(-1_000), true)
		ind.OnBalanceChange(domain.FromFloat(950), false)
		assert.Equal(t, domain.FromFloat(10_000_250), ind.M1(), "only the tax leaves circulation")
		assert.Equal(t, domain.FromFloat(1_000), ind.CirculationHeat(), "volume counted once")
	})

	t.Run("heat counts both directions", func(t *testing.T) {
		ind.OnBalanceChange(domain.FromFloat(2_000), true)
		assert.Equal(t, domain.FromFloat(3_000), ind.CirculationHeat())
	})
}

func TestTick(t *testing.T) {
	ind, clock := newIndicators(t, nil, 1)

	t.Run("too soon", func(t *testing.T) {
		ind.OnBalanceChange(domain.FromFloat(10_000), true)
		clock.Advance(50 * time.Millisecond)
		ind.Tick()
		assert.Zero(t, ind.MarketHeat())
	})

	t.Run("heat saturation inflation", func(t *testing.T) {
		clock.Advance(1950 * time.Millisecond)
		ind.Tick()

		snap := ind.Snapshot()
		assert.InDelta(t, 5000, snap.MarketHeat, 1e-9)
		assert.InDelta(t, 1.0, snap.Saturation, 1e-9)
		assert.InDelta(t, 0.0005, snap.Inflation, 1e-12)
	})

	t.Run("window drained", func(t *testing.T) {
		clock.Advance(time.Second)
		ind.Tick()
		assert.Zero(t, ind.MarketHeat())
		assert.Zero(t, ind.Saturation())
		assert.Zero(t, ind.Inflation())
	})
}

func TestSaturationScalesWithOnline(t *testing.T) {
	ind, clock := newIndicators(t, nil, 4)
	ind.OnBalanceChange(domain.FromFloat(5_000), true)
	clock.Advance(time.Second)
	ind.Tick()
	assert.InDelta(t, 0.25, ind.Saturation(), 1e-9)
}

func TestStability(t *testing.T) {
	ind, clock := newIndicators(t, nil, 1)

	clock.Advance(time.Hour)
	assert.Equal(t, 1.0, ind.Stability())

	ind.OnBalanceChange(domain.FromFloat(49_999), true)
	assert.Equal(t, 1.0, ind.Stability())

	ind.OnBalanceChange(domain.FromFloat(-60_000), true)
	assert.Zero(t, ind.Stability())

	clock.Advance(450 * time.Second)
	assert.InDelta(t, 0.5, ind.Stability(), 1e-9)
}

func TestDecay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yml")
	store, err := econstate.NewStore(path)
	require.NoError(t, err)

	ind, _ := newIndicators(t, store, 1)
	ind.OnBalanceChange(domain.FromFloat(100_000), true)

	ind.Decay()
	assert.Equal(t, domain.Micros(99_895_833_334), ind.CirculationHeat())

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, ind.CirculationHeat(), saved)

	t.Run("restored on start", func(t *testing.T) {
		restored, _ := newIndicators(t, store, 1)
		assert.Equal(t, saved, restored.CirculationHeat())
		assert.InDelta(t, saved.Float()/100, restored.MarketHeat(), 1e-9)
	})
}

func TestKernelDown(t *testing.T) {
	b := bridge.New(kernel.NewLocal(), zap.NewNop())
	ind := New(Config{}, b, domain.FixedOnline(1), nil, zap.NewNop())

	ind.OnBalanceChange(domain.FromFloat(100_000), true)
	ind.Decay()
	assert.Equal(t, domain.FromFloat(100_000), ind.CirculationHeat())
	assert.Equal(t, 1.0, ind.Stability())
}

func TestRunSavesOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yml")
	store, err := econstate.NewStore(path)
	require.NoError(t, err)

	ind := New(Config{AnalyticsInterval: 10 * time.Millisecond}, startedBridge(t), domain.FixedOnline(1), store, zap.NewNop())
	ind.OnBalanceChange(domain.FromFloat(42), true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ind.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, domain.FromFloat(42), saved)
}
