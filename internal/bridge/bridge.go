// Package bridge is the only entry point to the numeric kernel. It owns the
// kernel lifecycle and turns every kernel fault into a documented fallback value.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

const defaultCooldown = 30 * time.Second

var (
	ErrVersionMismatch = errors.New("kernel abi version mismatch")
	ErrNotStartable    = errors.New("bridge is not in UNINITIALIZED state")
	// ErrFallback is returned by calls that report fallback use to the caller.
	ErrFallback = errors.New("kernel unavailable, fallback used")
)

// Bridge guards a kernel behind a lifecycle state machine and a read/write barrier.
type Bridge struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	warn    *warnOnce

	mu     sync.RWMutex
	kernel kernel.Kernel
	state  atomic.Int32
}

// Option configures the Bridge.
type Option func(*options)

type options struct {
	cooldown time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
}

// WithCooldown sets the per fault class log cooldown.
func WithCooldown(d time.Duration) Option {
	return func(o *options) { o.cooldown = d }
}

// WithClock overrides the clock used by the log limiter.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records fallbacks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a bridge in UNINITIALIZED state.
func New(k kernel.Kernel, logger *zap.Logger, opts ...Option) *Bridge {
	o := options{cooldown: defaultCooldown, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cooldown <= 0 {
		o.cooldown = defaultCooldown
	}

	return &Bridge{
		logger:  logger.Named("bridge"),
		metrics: o.metrics,
		warn:    newWarnOnce(o.cooldown, o.now),
		kernel:  k,
	}
}

// Start verifies the kernel ABI and moves the bridge to RUNNING.
// On a version mismatch the bridge goes straight to CLOSED.
func (b *Bridge) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) != StateUninitialized {
		return ErrNotStartable
	}

	got := b.kernel.AbiVersion()
	if got != kernel.AbiVersion {
		b.state.Store(int32(StateClosed))
		b.logger.Error("Kernel ABI mismatch, running on fallbacks",
			zap.Uint32("expected", kernel.AbiVersion),
			zap.Uint32("actual", got))
		return errors.Wrapf(ErrVersionMismatch, "expected %#x, got %#x", kernel.AbiVersion, got)
	}

	b.state.Store(int32(StateRunning))
	b.logger.Info("Kernel bridge started", zap.String("kernel", b.kernel.Version()))
	return nil
}

// Shutdown drains in-flight calls, closes the kernel and moves to CLOSED. It is idempotent.
func (b *Bridge) Shutdown() error {
	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		b.state.CompareAndSwap(int32(StateUninitialized), int32(StateClosed))
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.kernel.Close()
	b.state.Store(int32(StateClosed))
	if err != nil {
		return errors.Wrap(err, "close kernel")
	}
	b.logger.Info("Kernel bridge closed")
	return nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// IsRunning reports whether kernel calls are being served.
func (b *Bridge) IsRunning() bool {
	return b.State() == StateRunning
}

// acquire enters the read side of the barrier. Callers must release on success.
func (b *Bridge) acquire() (kernel.Kernel, bool) {
	if !b.IsRunning() {
		return nil, false
	}
	if !b.mu.TryRLock() {
		return nil, false
	}
	if !b.IsRunning() {
		b.mu.RUnlock()
		return nil, false
	}
	return b.kernel, true
}

func (b *Bridge) release() {
	b.mu.RUnlock()
}

func classify(st kernel.Status) string {
	switch st {
	case kernel.StatusPanic:
		return classPanic
	case kernel.StatusFatal:
		return classFatal
	case kernel.StatusInternal:
		return classInternal
	default:
		return classRejected
	}
}

func (b *Bridge) fallback(call, class string, st kernel.Status) {
	b.metrics.Fallback(call, class)

	if !b.warn.allow(class + ":" + call) {
		return
	}
	fields := []zap.Field{
		zap.String("call", call),
		zap.String("class", class),
		zap.String("status", st.String()),
		zap.String("state", b.State().String()),
	}
	if class == classPanic || class == classFatal {
		b.logger.Error("Kernel call failed, using fallback", fields...)
		return
	}
	b.logger.Warn("Kernel call failed, using fallback", fields...)
}

// invoke runs fn against the kernel and substitutes fallback on any fault.
func invoke[T any](b *Bridge, call string, fallback T, fn func(k kernel.Kernel) (T, kernel.Status)) (T, bool) {
	k, ok := b.acquire()
	if !ok {
		b.fallback(call, classUnavailable, kernel.StatusOK)
		return fallback, false
	}
	defer b.release()

	out, st := protect(k, fn)
	if st != kernel.StatusOK {
		b.fallback(call, classify(st), st)
		return fallback, false
	}
	return out, true
}

func protect[T any](k kernel.Kernel, fn func(k kernel.Kernel) (T, kernel.Status)) (out T, st kernel.Status) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out, st = zero, kernel.StatusPanic
		}
	}()
	return fn(k)
}

// Version returns the kernel version string, or empty when not running.
func (b *Bridge) Version() string {
	v, _ := invoke(b, "version", "", func(k kernel.Kernel) (string, kernel.Status) {
		return k.Version(), kernel.StatusOK
	})
	return v
}

// Price returns the instantaneous price. Falls back to base.
func (b *Bridge) Price(base, neff, amount, lambda, epsilon float64) float64 {
	v, _ := invoke(b, "price", base, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.ComputePrice(base, neff, amount, lambda, epsilon)
	})
	return v
}

// PriceBounded returns the price with the historical floor applied. Falls back to base.
func (b *Bridge) PriceBounded(base, neff, amount, lambda, epsilon, histAvg float64) float64 {
	v, _ := invoke(b, "price_bounded", base, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.ComputePriceBounded(base, neff, amount, lambda, epsilon, histAvg)
	})
	return v
}

// TierPrice returns the average unit price of a bulk trade. Falls back to base.
func (b *Bridge) TierPrice(base, qty float64, isSell bool) float64 {
	v, _ := invoke(b, "tier_price", base, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.ComputeTierPrice(base, qty, isSell)
	})
	return v
}

// Epsilon returns the environment multiplier. Falls back to 1.
func (b *Bridge) Epsilon(ctx kernel.TradeContext, cfg kernel.MarketConfig) float64 {
	var cb [kernel.TradeContextSize]byte
	var mb [kernel.MarketConfigSize]byte
	v, _ := invoke(b, "epsilon", 1.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.CalculateEpsilon(kernel.EncodeTradeContext(cb[:0], ctx), kernel.EncodeMarketConfig(mb[:0], cfg))
	})
	return v
}

var faultDecision = domain.AuditDecision{Blocked: true, Code: domain.CodeFault}

// AuditTransfer runs the regulator. Falls back to a blocked decision with CodeFault.
func (b *Bridge) AuditTransfer(ctx kernel.TransferContext, cfg kernel.RegulatorConfig) domain.AuditDecision {
	var cb [kernel.TransferContextSize]byte
	var rb [kernel.RegulatorConfigSize]byte
	var out [kernel.TransferResultSize]byte
	v, _ := invoke(b, "audit_transfer", faultDecision, func(k kernel.Kernel) (domain.AuditDecision, kernel.Status) {
		st := k.CheckTransfer(out[:],
			kernel.EncodeTransferContext(cb[:0], ctx),
			kernel.EncodeRegulatorConfig(rb[:0], cfg))
		if st != kernel.StatusOK {
			return domain.AuditDecision{}, st
		}
		res, ok := kernel.DecodeTransferResult(out[:])
		if !ok {
			return domain.AuditDecision{}, kernel.StatusInternal
		}
		return domain.AuditDecision{
			Tax:     domain.Micros(res.FinalTaxMicros),
			Blocked: res.IsBlocked != 0,
			Code:    domain.TransferCode(res.WarningCode),
		}, kernel.StatusOK
	})
	return v
}

// PidStep advances the controller. Falls back to the neutral 1.0 and leaves state untouched.
func (b *Bridge) PidStep(state *kernel.PidState, target, current, dt, inflation, heat float64) float64 {
	var buf [kernel.PidStateSize]byte
	v, ok := invoke(b, "pid_step", 1.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.ComputePid(kernel.EncodePidState(buf[:0], *state), target, current, dt, inflation, heat)
	})
	if ok {
		if next, decoded := kernel.DecodePidState(buf[:]); decoded {
			*state = next
		}
	}
	return v
}

// ResetPid restores default controller state. No-op when the kernel is unavailable.
func (b *Bridge) ResetPid(state *kernel.PidState) {
	var buf [kernel.PidStateSize]byte
	_, ok := invoke(b, "reset_pid", struct{}{}, func(k kernel.Kernel) (struct{}, kernel.Status) {
		return struct{}{}, k.ResetPid(buf[:])
	})
	if ok {
		if next, decoded := kernel.DecodePidState(buf[:]); decoded {
			*state = next
		}
	}
}

// BatchPrices prices a slice of items in one kernel call. On fault it returns
// each item's base price together with ErrFallback.
func (b *Bridge) BatchPrices(neff float64, ctxs []kernel.TradeContext, cfgs []kernel.MarketConfig, hist, lambdas []float64) ([]float64, error) {
	n := len(ctxs)
	if len(cfgs) != n || len(hist) != n || len(lambdas) != n {
		return nil, errors.Errorf("batch length mismatch: ctx=%d cfg=%d hist=%d lambda=%d", n, len(cfgs), len(hist), len(lambdas))
	}

	bases := make([]float64, n)
	for i, c := range ctxs {
		bases[i] = domain.Micros(c.BasePriceMicros).Float()
	}
	if n == 0 {
		return bases, nil
	}

	out, ok := invoke(b, "batch_prices", bases, func(k kernel.Kernel) ([]float64, kernel.Status) {
		ctxBuf := make([]byte, 0, n*kernel.TradeContextSize)
		cfgBuf := make([]byte, 0, n*kernel.MarketConfigSize)
		var cb [kernel.TradeContextSize]byte
		var mb [kernel.MarketConfigSize]byte
		for i := range ctxs {
			ctxBuf = append(ctxBuf, kernel.EncodeTradeContext(cb[:0], ctxs[i])...)
			cfgBuf = append(cfgBuf, kernel.EncodeMarketConfig(mb[:0], cfgs[i])...)
		}
		res := make([]float64, n)
		return res, k.ComputeBatchPrices(n, neff, ctxBuf, cfgBuf, hist, lambdas, res)
	})
	if !ok {
		return out, ErrFallback
	}
	return out, nil
}

// Inflation returns the inflation rate. Falls back to 0.
func (b *Bridge) Inflation(heat, m1 float64) float64 {
	v, _ := invoke(b, "inflation", 0.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.CalcInflation(heat, m1)
	})
	return v
}

// Stability returns market stability in [0, 1]. Falls back to 1.
func (b *Bridge) Stability(lastVolatile, now time.Time) float64 {
	var last int64
	if !lastVolatile.IsZero() {
		last = lastVolatile.UnixMilli()
	}
	v, _ := invoke(b, "stability", 1.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.CalcStability(last, now.UnixMilli())
	})
	return v
}

// Decay returns the heat to subtract this cycle. Falls back to 0.
func (b *Bridge) Decay(heat, rate float64) float64 {
	v, _ := invoke(b, "decay", 0.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.CalcDecay(heat, rate)
	})
	return v
}

// DynamicLimit returns the play-time scaled limit. Falls back to base.
func (b *Bridge) DynamicLimit(playTime time.Duration, base, rate, max float64) float64 {
	v, _ := invoke(b, "dynamic_limit", base, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.DynamicLimit(int64(playTime/time.Second), base, rate, max)
	})
	return v
}

// RecordTrade appends a local trade to the kernel history. No-op on fault.
func (b *Bridge) RecordTrade(at time.Time, amount float64) {
	invoke(b, "record_trade", struct{}{}, func(k kernel.Kernel) (struct{}, kernel.Status) {
		return struct{}{}, k.RecordTrade(at.UnixMilli(), int64(domain.FromFloat(amount)))
	})
}

// InjectRemoteTrade folds remote volume into the next neff query. No-op on fault.
func (b *Bridge) InjectRemoteTrade(amount float64) {
	invoke(b, "inject_remote_trade", struct{}{}, func(k kernel.Kernel) (struct{}, kernel.Status) {
		return struct{}{}, k.InjectRemoteTrade(int64(domain.FromFloat(amount)))
	})
}

// QueryNeff returns effective supply including drained remote flow. Falls back to 0.
func (b *Bridge) QueryNeff(now time.Time, tauDays float64) float64 {
	v, _ := invoke(b, "query_neff", 0.0, func(k kernel.Kernel) (float64, kernel.Status) {
		return k.QueryNeff(now.UnixMilli(), tauDays)
	})
	return v
}
