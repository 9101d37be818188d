package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account durable per-account balance record.
type Account struct {
	// ID account identifier.
	ID uuid.UUID
	// Balance current balance in micros.
	Balance Micros
	// Version optimistic concurrency counter, incremented on every durable write.
	Version int64
	// LastUpdated time of the last durable write.
	LastUpdated time.Time
}

// Actor is the party initiating an operation together with its privileges.
type Actor struct {
	ID          uuid.UUID
	Name        string
	BypassBlock bool
	BypassTax   bool
}
