package bridge

import "fmt"

// State lifecycle of the bridge.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateShuttingDown
	StateClosed
)

// String returns the string representation.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// fault classes used for logging and metrics
const (
	classUnavailable = "unavailable"
	classRejected    = "rejected"
	classInternal    = "internal"
	classPanic       = "panic"
	classFatal       = "fatal"
)
