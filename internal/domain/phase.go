package domain

// MarketPhase derived classification of current trade impact against the historical norm.
type MarketPhase string

const (
	PhaseStable    MarketPhase = "STABLE"
	PhaseSaturated MarketPhase = "SATURATED"
	PhaseEmergency MarketPhase = "EMERGENCY"
	PhaseHealing   MarketPhase = "HEALING"
)

// String returns the string representation.
func (p MarketPhase) String() string {
	return string(p)
}

// IsValid checks if the MarketPhase value is valid.
func (p MarketPhase) IsValid() bool {
	switch p {
	case PhaseStable, PhaseSaturated, PhaseEmergency, PhaseHealing:
		return true
	}
	return false
}
