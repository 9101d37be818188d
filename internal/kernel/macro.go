package kernel

import "math"

const (
	stabilityRecoveryWindowMs = 900_000.0
	decayCyclesPerDay         = 48.0

	minInflation = -0.15
	maxInflation = 0.45
)

func inflationRate(heat, m1 float64) float64 {
	if m1 <= 1 {
		return 0
	}
	return clamp(heat/m1, minInflation, maxInflation)
}

// stability recovers linearly from 0 to 1 over the window after a volatile trade.
func stability(lastVolatileMs, nowMs int64, windowMs float64) float64 {
	if lastVolatileMs <= 0 {
		return 1
	}
	diff := float64(nowMs - lastVolatileMs)
	if diff < 0 {
		return 1
	}
	return clamp(diff/windowMs, 0, 1)
}

// decay returns the amount to subtract this cycle; residue below one unit is removed entirely.
func decay(heat, dailyRate, cyclesPerDay float64) float64 {
	if math.Abs(heat) < 1 {
		return heat
	}
	return heat * dailyRate / cyclesPerDay
}

func dynamicLimit(playTimeSecs int64, base, rate, max float64) float64 {
	hours := float64(playTimeSecs) / 3600
	return math.Min(base+rate*math.Sqrt(hours), max)
}
