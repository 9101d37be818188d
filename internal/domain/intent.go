package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntentState state of a transfer intent record.
type IntentState int8

const (
	// IntentPending intent is written, funds may be in flight.
	IntentPending IntentState = 0
	// IntentCommitted both legs of the transfer succeeded.
	IntentCommitted IntentState = 1
	// IntentRolledBack transfer was abandoned or compensated.
	IntentRolledBack IntentState = 2
)

// String returns the string representation.
func (s IntentState) String() string {
	switch s {
	case IntentPending:
		return "PENDING"
	case IntentCommitted:
		return "COMMITTED"
	case IntentRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int8(s))
	}
}

// IsFinal reports whether the state accepts no further transitions.
func (s IntentState) IsFinal() bool {
	return s == IntentCommitted || s == IntentRolledBack
}

// CanTransition reports whether moving from s to next is allowed.
// Only PENDING may move, and only to a final state.
func (s IntentState) CanTransition(next IntentState) bool {
	return s == IntentPending && next.IsFinal()
}

// Rollback reasons recorded on intents.
const (
	ReasonBalanceChanged = "balance_changed"
	ReasonDebitFailed    = "debit_failed"
	ReasonCreditRefunded = "credit_failed_refunded"
	ReasonRefundFailed   = "credit_failed_refund_failed"
	ReasonTimeoutSwept   = "auto_repair_timeout"
	// ReasonCommitUnrecorded both legs settled but the COMMITTED record was
	// not written at the time.
	ReasonCommitUnrecorded = "commit_unrecorded"
)

// TransferIntent write-ahead record of one money movement.
type TransferIntent struct {
	ID       string     `json:"id"`
	Sender   uuid.UUID  `json:"sender"`
	Receiver *uuid.UUID `json:"receiver,omitempty"`
	// Amount gross amount debited from the sender.
	Amount Micros `json:"amount"`
	// Tax part of Amount that is not credited to the receiver.
	Tax                 Micros      `json:"tax"`
	State               IntentState `json:"state"`
	Reason              string      `json:"reason,omitempty"`
	NeedsReconciliation bool        `json:"needs_reconciliation,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Net amount credited to the receiver.
func (t TransferIntent) Net() Micros {
	return t.Amount - t.Tax
}

// ReceiverString returns the receiver id or SYSTEM for sinks.
func (t TransferIntent) ReceiverString() string {
	if t.Receiver == nil {
		return "SYSTEM"
	}
	return t.Receiver.String()
}
