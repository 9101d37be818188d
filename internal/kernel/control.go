package kernel

import "math"

// Controller constants.
const (
	DefaultIntegrationLimit = 30.0

	maxSafeDt      = 1.0
	minTimeStep    = 1e-6
	outputMin      = 0.5
	outputMax      = 5.0
	outputBaseline = 1.0

	integralDecay   = 0.99999
	backCalcGain    = 0.2
	derivativeAlpha = 0.3

	panicThreshold  = 50.0
	panicDamping    = 1.8
	heatSensitivity = 0.5
)

// adaptiveGains scales kp up and ki down as the market heats.
func adaptiveGains(s *PidState, heat float64) (kp, ki float64) {
	sens := math.Tanh(heat * heatSensitivity)
	return s.Kp * (1 + sens), s.Ki * (1 - sens*0.5)
}

// pidStep advances the controller one tick and returns the clamped adjustment.
// Invalid inputs return the neutral baseline and leave the state untouched.
func pidStep(s *PidState, target, current, dt, inflation, heat float64) float64 {
	if !finite(target) || !finite(current) || !finite(dt) || dt < 0 ||
		!finite(inflation) || !finite(heat) {
		return outputBaseline
	}

	errv := target - current
	dtSafe := clamp(dt, 0, maxSafeDt)

	kp, ki := adaptiveGains(s, heat)
	gamma := 1 + sigmoid((inflation-inflationKnee)*20)
	kp *= gamma
	ki *= gamma

	leak := (1 - clamp(s.Lambda, 0, 1)) * integralDecay
	if s.IsSaturated != 0 {
		s.Integral = s.Integral*leak + errv*backCalcGain*dtSafe
	} else {
		s.Integral = s.Integral*leak + errv*dtSafe
	}

	limit := s.IntegrationLimit
	if limit <= 0 {
		limit = DefaultIntegrationLimit
	}
	s.Integral = clamp(s.Integral, -limit, limit)

	var rawD float64
	if dtSafe > minTimeStep {
		rawD = (current - s.PrevPV) / dtSafe
	}
	s.FilteredD = derivativeAlpha*rawD + (1-derivativeAlpha)*s.FilteredD
	s.PrevPV = current

	dMul := 1.0
	if math.Abs(s.FilteredD) > panicThreshold {
		dMul = panicDamping
	}

	raw := outputBaseline + kp*errv + ki*s.Integral - s.Kd*s.FilteredD*dMul
	out := clamp(raw, outputMin, outputMax)

	s.IsSaturated = 0
	if math.Abs(raw-out) > 1e-6 {
		s.IsSaturated = 1
	}

	if !finite(out) {
		return outputBaseline
	}
	return out
}

// ValidPidParams reports whether the gains are usable.
func ValidPidParams(s PidState) bool {
	return finite(s.Kp) && s.Kp >= 0 &&
		finite(s.Ki) && s.Ki >= 0 &&
		finite(s.Kd) && s.Kd >= 0 &&
		finite(s.Lambda) && s.Lambda >= 0 && s.Lambda <= 1
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
