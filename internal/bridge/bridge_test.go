package bridge

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

type wrongAbi struct{ *kernel.Local }

func (wrongAbi) AbiVersion() uint32 { return 0x0008_0000 }

type panicky struct{ *kernel.Local }

func (panicky) ComputePrice(_, _, _, _, _ float64) (float64, kernel.Status) {
	panic("kernel exploded")
}

func (panicky) CheckTransfer(_, _, _ []byte) kernel.Status {
	return kernel.StatusPanic
}

type slowKernel struct {
	*kernel.Local
	entered chan struct{}
	release chan struct{}
}

func (s slowKernel) ComputePrice(base, neff, amount, lambda, eps float64) (float64, kernel.Status) {
	close(s.entered)
	<-s.release
	return s.Local.ComputePrice(base, neff, amount, lambda, eps)
}

func started(t *testing.T, k kernel.Kernel, opts ...Option) *Bridge {
	t.Helper()
	b := New(k, zap.NewNop(), opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func TestLifecycle(t *testing.T) {
	t.Run("start and shutdown", func(t *testing.T) {
		b := New(kernel.NewLocal(), zap.NewNop())
		assert.Equal(t, StateUninitialized, b.State())

		require.NoError(t, b.Start(context.Background()))
		assert.True(t, b.IsRunning())
		assert.NotEmpty(t, b.Version())
		assert.ErrorIs(t, b.Start(context.Background()), ErrNotStartable)

		require.NoError(t, b.Shutdown())
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Shutdown())
	})

	t.Run("version mismatch closes", func(t *testing.T) {
		b := New(wrongAbi{kernel.NewLocal()}, zap.NewNop())
		err := b.Start(context.Background())
		assert.ErrorIs(t, err, ErrVersionMismatch)
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, 42.0, b.Price(42, 0, 0, 0.1, 1))
	})

	t.Run("calls before start fall back", func(t *testing.T) {
		b := New(kernel.NewLocal(), zap.NewNop())
		assert.Equal(t, 1.0, b.Epsilon(kernel.TradeContext{}, kernel.DefaultMarketConfig()))
		assert.Zero(t, b.QueryNeff(time.Now(), 7))
	})
}

func TestFallbacks(t *testing.T) {
	b := New(kernel.NewLocal(), zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Shutdown())

	now := time.Now()
	assert.Equal(t, 10.0, b.Price(10, 5, 0, 0.1, 1))
	assert.Equal(t, 10.0, b.PriceBounded(10, 5, 0, 0.1, 1, 100))
	assert.Equal(t, 10.0, b.TierPrice(10, 1000, true))
	assert.Equal(t, 1.0, b.Epsilon(kernel.TradeContext{}, kernel.MarketConfig{}))
	assert.Equal(t, domain.AuditDecision{Blocked: true, Code: domain.CodeFault},
		b.AuditTransfer(kernel.TransferContext{}, kernel.DefaultRegulatorConfig()))
	assert.Zero(t, b.Inflation(100, 1000))
	assert.Equal(t, 1.0, b.Stability(now.Add(-time.Second), now))
	assert.Zero(t, b.Decay(1000, 0.05))
	assert.Equal(t, 5.0, b.DynamicLimit(time.Hour, 5, 1, 100))
	assert.Zero(t, b.QueryNeff(now, 7))

	state := kernel.DefaultPidState()
	state.Integral = 3
	assert.Equal(t, 1.0, b.PidStep(&state, 10, 0, 1, 0, 0))
	assert.Equal(t, 3.0, state.Integral)
	b.ResetPid(&state)
	assert.Equal(t, 3.0, state.Integral)

	ctxs := []kernel.TradeContext{{BasePriceMicros: 7_000_000}, {BasePriceMicros: 9_500_000}}
	prices, err := b.BatchPrices(0, ctxs, make([]kernel.MarketConfig, 2), []float64{0, 0}, []float64{0.1, 0.1})
	assert.ErrorIs(t, err, ErrFallback)
	assert.Equal(t, []float64{7, 9.5}, prices)
}

func TestTypedCalls(t *testing.T) {
	b := started(t, kernel.NewLocal())
	now := time.UnixMilli(1_700_000_000_000)

	assert.InDelta(t, 100, b.Price(100, 0, 0, 0.1, 1), 1e-9)
	assert.InDelta(t, 0.1, b.Inflation(100, 1000), 1e-12)

	d := b.AuditTransfer(kernel.TransferContext{
		AmountMicros:        100_000_000,
		SenderBalance:       1_000_000_000,
		ItemBaseLimit:       1_000_000_000,
		ItemMaxLimit:        1_000_000_000,
		SenderActivityScore: 1,
	}, kernel.DefaultRegulatorConfig())
	assert.Equal(t, domain.AuditDecision{Tax: 5_000_000, Code: domain.CodeNormal}, d)

	state := kernel.DefaultPidState()
	out := b.PidStep(&state, 10, 5, 1, 0, 1)
	assert.GreaterOrEqual(t, out, 0.5)
	assert.Equal(t, 5.0, state.PrevPV)
	b.ResetPid(&state)
	assert.Equal(t, kernel.DefaultPidState(), state)

	b.RecordTrade(now, 10)
	b.InjectRemoteTrade(-4)
	assert.InDelta(t, 14, b.QueryNeff(now, 7), 1e-9)
	assert.InDelta(t, 10, b.QueryNeff(now, 7), 1e-9)

	ctxs := []kernel.TradeContext{{BasePriceMicros: 7_000_000}, {BasePriceMicros: 9_500_000}}
	cfgs := []kernel.MarketConfig{{VolatilityFactor: 1}, {VolatilityFactor: 1}}
	prices, err := b.BatchPrices(0, ctxs, cfgs, []float64{0, 0}, []float64{0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{7, 9.5}, prices, 1e-9)

	_, err = b.BatchPrices(0, ctxs, cfgs[:1], nil, nil)
	assert.Error(t, err)
}

func TestPanicIsContained(t *testing.T) {
	m := metrics.NewNop()
	b := started(t, panicky{kernel.NewLocal()}, WithMetrics(m))

	assert.Equal(t, 25.0, b.Price(25, 0, 0, 0.1, 1))
	assert.Equal(t, domain.CodeFault, b.AuditTransfer(kernel.TransferContext{}, kernel.RegulatorConfig{}).Code)
	assert.True(t, b.IsRunning())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeFallbacks.WithLabelValues("price", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeFallbacks.WithLabelValues("audit_transfer", "panic")))
}

func TestWarnOnceCooldown(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	b := New(panicky{kernel.NewLocal()}, zap.New(core), WithClock(clock), WithCooldown(30*time.Second))
	require.NoError(t, b.Start(context.Background()))
	defer b.Shutdown()

	for i := 0; i < 5; i++ {
		b.Price(1, 0, 0, 0, 1)
	}
	assert.Equal(t, 1, logs.FilterMessage("Kernel call failed, using fallback").Len())

	b.Inflation(1, 0) // different class and call
	assert.Equal(t, 2, logs.FilterMessage("Kernel call failed, using fallback").Len())

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()
	b.Price(1, 0, 0, 0, 1)
	assert.Equal(t, 3, logs.FilterMessage("Kernel call failed, using fallback").Len())
}

func TestShutdownDrainsInFlight(t *testing.T) {
	k := slowKernel{Local: kernel.NewLocal(), entered: make(chan struct{}), release: make(chan struct{})}
	b := New(k, zap.NewNop())
	require.NoError(t, b.Start(context.Background()))

	result := make(chan float64)
	go func() { result <- b.Price(100, 0, 0, 0.1, 1) }()
	<-k.entered

	done := make(chan struct{})
	go func() {
		_ = b.Shutdown()
		close(done)
	}()

	require.Eventually(t, func() bool { return b.State() == StateShuttingDown }, time.Second, time.Millisecond)
	assert.Equal(t, 3.0, b.Price(3, 0, 0, 0.1, 1), "new calls fall back while draining")

	close(k.release)
	assert.InDelta(t, 100, <-result, 1e-9)
	<-done
	assert.Equal(t, StateClosed, b.State())
}

func TestNonFiniteKernelInputIsNotAFault(t *testing.T) {
	b := started(t, kernel.NewLocal())
	assert.Equal(t, 0.01, b.Price(100, math.NaN(), 0, 0.1, 1))
}
