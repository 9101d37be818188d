package settlement

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

var (
	ErrInvalidAmount          = errors.New("transfer amount must be positive")
	ErrSelfTransfer           = errors.New("sender and receiver are the same account")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrCoreMaintenance        = errors.New("core under maintenance")
	ErrJournalUnavailable     = errors.New("transfer journal unavailable")
	ErrConcurrentModification = errors.New("balance changed concurrently")
	ErrCreditFailed           = errors.New("credit failed, sender refunded")
	ErrRefundFailed           = errors.New("credit failed and refund failed")
)

// BlockedError is returned when the regulator blocks a transfer.
type BlockedError struct {
	Code domain.TransferCode
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("transfer blocked: %s (code %d)", e.Code, int32(e.Code))
}
