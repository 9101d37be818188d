// Package events carries in-process notifications: market phase changes,
// operator incidents and, for single node deployments, trade telemetry.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

// PhaseChanged is emitted when the market phase classifier moves to a new phase.
type PhaseChanged struct {
	ProductID string             `json:"product_id"`
	From      domain.MarketPhase `json:"from"`
	To        domain.MarketPhase `json:"to"`
	Impact    float64            `json:"impact"`
	At        time.Time          `json:"at"`
}

// Incident is an operator alert for money that needs manual reconciliation.
type Incident struct {
	IntentID string        `json:"intent_id"`
	Account  uuid.UUID     `json:"account"`
	Amount   domain.Micros `json:"amount"`
	Reason   string        `json:"reason"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Bus groups the broadcasters owned by one application instance.
type Bus struct {
	Phases    *Broadcaster[PhaseChanged]
	Incidents *Broadcaster[Incident]
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	return &Bus{
		Phases:    NewBroadcaster[PhaseChanged](buffer),
		Incidents: NewBroadcaster[Incident](buffer),
	}
}

// Close closes every broadcaster.
func (b *Bus) Close() {
	b.Phases.Close()
	b.Incidents.Close()
}
