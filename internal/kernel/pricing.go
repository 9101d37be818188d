package kernel

import "math"

const (
	minPrice        = 0.01
	sellSensitivity = 0.6
	exponentBound   = 100.0
	floorRatio      = 0.2

	tierOneQty    = 500.0
	tierTwoQty    = 1500.0
	tierTwoRatio  = 0.85
	tierRestRatio = 0.60
)

// priceCore prices an item given the effective supply and the pending trade.
// A positive amount is a sale; sales move the price with reduced sensitivity.
func priceCore(baseMicros int64, neff float64, amountMicros int64, lambda, eps float64) float64 {
	base := float64(baseMicros) / microsScale
	amount := float64(amountMicros) / microsScale

	if !finite(base) || !finite(neff) || !finite(lambda) || !finite(eps) {
		return minPrice
	}

	adj := lambda
	if amountMicros > 0 {
		adj *= sellSensitivity
	}

	raw := clamp(-adj*(neff+amount), -exponentBound, exponentBound)
	soft := 10 * math.Tanh(raw/10)

	return math.Max(base*eps*math.Exp(soft), minPrice)
}

// priceBounded applies the historical floor on top of priceCore.
func priceBounded(baseMicros int64, neff float64, amountMicros int64, lambda, eps, histAvg float64) float64 {
	raw := priceCore(baseMicros, neff, amountMicros, lambda, eps)
	floor := math.Max(histAvg*floorRatio, minPrice)
	if raw < floor {
		return floor
	}
	return raw
}

// tierPrice returns the average unit price of a bulk sale.
func tierPrice(base, qty float64, isSell bool) float64 {
	if !isSell || qty <= tierOneQty {
		return base
	}

	remaining := qty
	t1 := math.Min(remaining, tierOneQty)
	total := t1 * base
	remaining -= t1

	if remaining > 0 {
		t2 := math.Min(remaining, tierTwoQty)
		total += t2 * base * tierTwoRatio
		remaining -= t2
	}
	if remaining > 0 {
		total += remaining * base * tierRestRatio
	}

	return total / qty
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
