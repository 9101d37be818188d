// Package kernel implements the numeric core of the economy: pricing, environment
// factors, the macro controller and the transfer regulator. Structured arguments
// cross the boundary as fixed little-endian payloads (see layout.go) so that an
// out-of-process kernel can be swapped in behind the same interface.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AbiVersion binary contract version exposed by this kernel.
const AbiVersion uint32 = 0x0009_0000

const (
	version     = "ecocore-kernel 0.9.0"
	microsScale = 1_000_000.0

	// MaxBatch upper bound on items per batch call.
	MaxBatch = 1_000_000
)

// Status result code of every kernel call.
type Status int32

const (
	StatusOK            Status = 0
	StatusNullPointer   Status = 1
	StatusInvalidLength Status = 2
	StatusInvalidValue  Status = 3
	StatusOverflow      Status = 10
	StatusInternal      Status = 100
	StatusPanic         Status = 101
	StatusFatal         Status = 255
)

// String returns the string representation.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNullPointer:
		return "null_pointer"
	case StatusInvalidLength:
		return "invalid_length"
	case StatusInvalidValue:
		return "invalid_value"
	case StatusOverflow:
		return "overflow"
	case StatusInternal:
		return "internal"
	case StatusPanic:
		return "panic"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status_%d", int32(s))
	}
}

// Kernel is the call surface of the numeric kernel.
// Struct arguments are encoded payloads; outputs are written in place.
type Kernel interface {
	AbiVersion() uint32
	Version() string

	ComputePrice(base, neff, amount, lambda, epsilon float64) (float64, Status)
	ComputePriceBounded(base, neff, amount, lambda, epsilon, histAvg float64) (float64, Status)
	ComputeTierPrice(base, qty float64, isSell bool) (float64, Status)
	CalculateEpsilon(ctx, cfg []byte) (float64, Status)
	ComputeBatchPrices(count int, neff float64, ctxs, cfgs []byte, hist, lambdas, out []float64) Status

	CheckTransfer(out, ctx, cfg []byte) Status
	DynamicLimit(playTimeSecs int64, base, rate, max float64) (float64, Status)

	ComputePid(state []byte, target, current, dt, inflation, heat float64) (float64, Status)
	ResetPid(state []byte) Status

	CalcInflation(heat, m1 float64) (float64, Status)
	CalcStability(lastVolatileMillis, nowMillis int64) (float64, Status)
	CalcDecay(heat, rate float64) (float64, Status)

	RecordTrade(tsMillis, amountMicros int64) Status
	InjectRemoteTrade(amountMicros int64) Status
	QueryNeff(nowMillis int64, tau float64) (float64, Status)

	Close() error
}

// Local in-process kernel.
type Local struct {
	history      *tradeHistory
	remoteMicros atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

var _ Kernel = (*Local)(nil)

// NewLocal creates an in-process kernel with an empty trade history.
func NewLocal() *Local {
	return &Local{history: newTradeHistory()}
}

// guard converts panics into StatusPanic so a faulty computation never unwinds into callers.
func guard(fn func() Status) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			st = StatusPanic
		}
	}()
	return fn()
}

func (k *Local) alive() bool {
	return !k.closed.Load()
}

// AbiVersion returns the binary contract version.
func (k *Local) AbiVersion() uint32 { return AbiVersion }

// Version returns a human readable version string.
func (k *Local) Version() string { return version }

func (k *Local) ComputePrice(base, neff, amount, lambda, epsilon float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = priceCore(toMicros(base), neff, toMicros(amount), lambda, epsilon)
		return StatusOK
	})
	return out, st
}

func (k *Local) ComputePriceBounded(base, neff, amount, lambda, epsilon, histAvg float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = priceBounded(toMicros(base), neff, toMicros(amount), lambda, epsilon, histAvg)
		return StatusOK
	})
	return out, st
}

func (k *Local) ComputeTierPrice(base, qty float64, isSell bool) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = tierPrice(base, qty, isSell)
		return StatusOK
	})
	return out, st
}

func (k *Local) CalculateEpsilon(ctxBuf, cfgBuf []byte) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		ctx, ok := DecodeTradeContext(ctxBuf)
		if !ok {
			return StatusNullPointer
		}
		cfg, ok := DecodeMarketConfig(cfgBuf)
		if !ok {
			return StatusNullPointer
		}
		out = epsilon(ctx, cfg)
		return StatusOK
	})
	return out, st
}

func (k *Local) ComputeBatchPrices(count int, neff float64, ctxs, cfgs []byte, hist, lambdas, out []float64) Status {
	return guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if count == 0 {
			return StatusOK
		}
		if count < 0 || count > MaxBatch {
			return StatusInvalidLength
		}
		if len(ctxs) < count*TradeContextSize || len(cfgs) < count*MarketConfigSize ||
			len(hist) < count || len(lambdas) < count || len(out) < count {
			return StatusInvalidLength
		}
		for i := 0; i < count; i++ {
			ctx, _ := DecodeTradeContext(ctxs[i*TradeContextSize:])
			cfg, _ := DecodeMarketConfig(cfgs[i*MarketConfigSize:])
			eps := epsilon(ctx, cfg)
			out[i] = priceBounded(ctx.BasePriceMicros, neff, 0, lambdas[i], eps, hist[i])
		}
		return StatusOK
	})
}

func (k *Local) CheckTransfer(outBuf, ctxBuf, cfgBuf []byte) Status {
	return guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if len(outBuf) < TransferResultSize {
			return StatusNullPointer
		}
		ctx, ok := DecodeTransferContext(ctxBuf)
		if !ok {
			return StatusNullPointer
		}
		cfg, ok := DecodeRegulatorConfig(cfgBuf)
		if !ok {
			return StatusNullPointer
		}
		EncodeTransferResult(outBuf[:0], checkTransfer(ctx, cfg))
		return StatusOK
	})
}

func (k *Local) DynamicLimit(playTimeSecs int64, base, rate, max float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = dynamicLimit(playTimeSecs, base, rate, max)
		return StatusOK
	})
	return out, st
}

func (k *Local) ComputePid(stateBuf []byte, target, current, dt, inflation, heat float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		state, ok := DecodePidState(stateBuf)
		if !ok {
			return StatusNullPointer
		}
		out = pidStep(&state, target, current, dt, inflation, heat)
		EncodePidState(stateBuf[:0], state)
		return StatusOK
	})
	return out, st
}

func (k *Local) ResetPid(stateBuf []byte) Status {
	return guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if len(stateBuf) < PidStateSize {
			return StatusNullPointer
		}
		EncodePidState(stateBuf[:0], DefaultPidState())
		return StatusOK
	})
}

func (k *Local) CalcInflation(heat, m1 float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if m1 <= 0 {
			return StatusInvalidValue
		}
		out = inflationRate(heat, m1)
		return StatusOK
	})
	return out, st
}

func (k *Local) CalcStability(lastVolatileMillis, nowMillis int64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = stability(lastVolatileMillis, nowMillis, stabilityRecoveryWindowMs)
		return StatusOK
	})
	return out, st
}

func (k *Local) CalcDecay(heat, rate float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		out = decay(heat, rate, decayCyclesPerDay)
		return StatusOK
	})
	return out, st
}

func (k *Local) RecordTrade(tsMillis, amountMicros int64) Status {
	return guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		k.history.add(tsMillis, amountMicros)
		return StatusOK
	})
}

func (k *Local) InjectRemoteTrade(amountMicros int64) Status {
	return guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if amountMicros < 0 {
			amountMicros = -amountMicros
		}
		k.remoteMicros.Add(amountMicros)
		return StatusOK
	})
}

func (k *Local) QueryNeff(nowMillis int64, tau float64) (float64, Status) {
	var out float64
	st := guard(func() Status {
		if !k.alive() {
			return StatusFatal
		}
		if tau <= 0 {
			return StatusInvalidValue
		}
		local := k.history.neff(nowMillis, tau)
		remote := float64(k.remoteMicros.Swap(0)) / microsScale
		out = local + remote
		return StatusOK
	})
	return out, st
}

// Close releases the kernel. Calls after Close report StatusFatal.
func (k *Local) Close() error {
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		k.history.reset()
	})
	return nil
}

func toMicros(v float64) int64 {
	return int64(v * microsScale)
}
