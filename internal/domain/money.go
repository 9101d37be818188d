// Package domain defines core data structures shared by the economy engine.
package domain

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed-point scale of every monetary value.
const MicrosPerUnit = 1_000_000

var (
	// ErrMoneyOverflow is returned when fixed-point arithmetic leaves the int64 range.
	ErrMoneyOverflow = errors.New("money overflow")
	// ErrNotFinite is returned when a float cannot be represented as money.
	ErrNotFinite = errors.New("money value is not finite")
)

var microsScale = decimal.NewFromInt(MicrosPerUnit)

// Micros monetary amount scaled by 10^6.
type Micros int64

// FromFloat converts units to micros, truncating toward zero like the kernel contract does.
func FromFloat(v float64) Micros {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scaled := v * MicrosPerUnit
	if scaled >= math.MaxInt64 {
		return Micros(math.MaxInt64)
	}
	if scaled <= math.MinInt64 {
		return Micros(math.MinInt64)
	}
	return Micros(int64(scaled))
}

// FromDecimal converts an exact decimal amount to micros.
func FromDecimal(d decimal.Decimal) (Micros, error) {
	scaled := d.Mul(microsScale).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return 0, errors.Wrapf(ErrMoneyOverflow, "amount %s", d.String())
	}
	return Micros(scaled.IntPart()), nil
}

// ParseMicros parses a decimal string such as "100.25" into micros.
func ParseMicros(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d)
}

// Float returns the amount in units.
func (m Micros) Float() float64 {
	return float64(m) / MicrosPerUnit
}

// Decimal returns the exact decimal representation in units.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// String formats the amount with two decimal places.
func (m Micros) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns m+o or ErrMoneyOverflow.
func (m Micros) Add(o Micros) (Micros, error) {
	sum := m + o
	if (o > 0 && sum < m) || (o < 0 && sum > m) {
		return 0, ErrMoneyOverflow
	}
	return sum, nil
}

// Sub returns m-o or ErrMoneyOverflow.
func (m Micros) Sub(o Micros) (Micros, error) {
	if o == math.MinInt64 {
		return 0, ErrMoneyOverflow
	}
	return m.Add(-o)
}

// MulRate applies a fractional rate, truncating toward zero.
func (m Micros) MulRate(rate float64) Micros {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	out, err := FromDecimal(m.Decimal().Mul(decimal.NewFromFloat(rate)))
	if err != nil {
		return FromFloat(m.Float() * rate)
	}
	return out
}

// Abs returns the absolute value.
func (m Micros) Abs() Micros {
	if m < 0 {
		return -m
	}
	return m
}
