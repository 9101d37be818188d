package kernel

import "math"

const (
	secondsPerDay   = 86400.0
	secondsPerWeek  = 604800.0
	secondsPerMonth = 2592000.0

	festivalBoost      = 1.15
	newbieHorizonHours = 100.0
	inflationKnee      = 0.05

	minEpsilon = 0.1
	maxEpsilon = 10.0
)

// epsilon combines seasonal, weekend, newbie and inflation factors into one multiplier.
func epsilon(ctx TradeContext, cfg MarketConfig) float64 {
	local := float64(ctx.CurrentTimestamp)/1000 + float64(ctx.TimezoneOffset)

	seasonal := 0.6*math.Sin(local*2*math.Pi/secondsPerDay) +
		0.3*math.Sin(local*2*math.Pi/secondsPerWeek) +
		0.1*math.Sin(local*2*math.Pi/secondsPerMonth)
	fSea := 1 + cfg.SeasonalAmplitude*seasonal
	if (ctx.NewbieMask>>1)&1 == 1 {
		fSea *= festivalBoost
	}

	// 1970-01-01 was a Thursday; 0 is Monday.
	day := int64(math.Floor(local / secondsPerDay))
	dow := ((day+4)%7 + 7) % 7
	fWk := 1.0
	if dow >= 5 {
		fWk = cfg.WeekendMultiplier
	}

	hours := float64(ctx.PlayTimeSeconds) / 3600
	protection := clamp(1-hours/newbieHorizonHours, 0, 1)
	fNb := 1 - cfg.NewbieProtectionRate*protection

	fInf := 1 + ctx.InflationRate*0.2*steepSigmoid(ctx.InflationRate-inflationKnee)

	logEps := cfg.SeasonalWeight*safeLn(fSea) +
		cfg.WeekendWeight*safeLn(fWk) +
		cfg.NewbieWeight*safeLn(fNb) +
		cfg.InflationWeight*safeLn(fInf)

	eps := math.Exp(logEps)
	if cfg.VolatilityFactor > 1.001 {
		eps = 1 + (eps-1)*cfg.VolatilityFactor
	}

	return clamp(eps, minEpsilon, maxEpsilon)
}

func steepSigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-10*x))
}

func safeLn(f float64) float64 {
	return math.Log(math.Max(f, 0.01))
}
