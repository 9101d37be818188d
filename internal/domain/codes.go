package domain

import "fmt"

// TransferCode audit outcome code returned by the regulator.
type TransferCode int32

const (
	// CodeFault synthetic code used when the kernel could not be reached.
	CodeFault             TransferCode = -1
	CodeNormal            TransferCode = 0
	CodeWarningHighRisk   TransferCode = 1
	CodeBlockReverseFlow  TransferCode = 2
	CodeBlockInjection    TransferCode = 3
	CodeInsufficientFunds TransferCode = 4
	CodeVelocityLimit     TransferCode = 5
	CodeQuantityLimit     TransferCode = 6
	CodeKernelPanic       TransferCode = 101
	CodeKernelFatal       TransferCode = 255
)

// String returns the string representation.
func (c TransferCode) String() string {
	switch c {
	case CodeFault:
		return "fault"
	case CodeNormal:
		return "normal"
	case CodeWarningHighRisk:
		return "high_risk_warning"
	case CodeBlockReverseFlow:
		return "reverse_flow_block"
	case CodeBlockInjection:
		return "injection_block"
	case CodeInsufficientFunds:
		return "insufficient_funds"
	case CodeVelocityLimit:
		return "velocity_limit"
	case CodeQuantityLimit:
		return "quantity_limit"
	case CodeKernelPanic:
		return "kernel_panic"
	case CodeKernelFatal:
		return "kernel_fatal"
	default:
		return fmt.Sprintf("code_%d", int32(c))
	}
}

// AuditDecision result of a transfer audit as seen by settlement.
type AuditDecision struct {
	Tax     Micros
	Blocked bool
	Code    TransferCode
}

// IsFault reports whether the decision must be treated as kernel unavailability.
// A block without a reason code is also a fault.
func (d AuditDecision) IsFault() bool {
	return d.Code == CodeFault || d.Code == CodeKernelPanic || d.Code == CodeKernelFatal ||
		(d.Blocked && d.Code == CodeNormal)
}
