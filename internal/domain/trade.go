package domain

import (
	"fmt"
	"time"
)

// SystemTransferProduct product id under which plain currency transfers are recorded.
const SystemTransferProduct = "SYSTEM_TRANSFER"

// TradeSample one signed trade observation for a product.
// Positive amounts are sales into the market, negative amounts are purchases.
type TradeSample struct {
	ProductID string
	Timestamp time.Time
	Amount    float64
}

// TradeEvent cross-node trade telemetry message.
type TradeEvent struct {
	SourceNode string  `json:"source_node"`
	ProductID  string  `json:"product_id"`
	Amount     float64 `json:"amount"`
	// Timestamp unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks that the event is usable.
func (e TradeEvent) Validate() error {
	if e.SourceNode == "" {
		return fmt.Errorf("trade event without source node")
	}
	if e.ProductID == "" {
		return fmt.Errorf("trade event without product id")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("trade event with invalid timestamp %d", e.Timestamp)
	}
	return nil
}

// Sample converts the event to a history sample.
func (e TradeEvent) Sample() TradeSample {
	return TradeSample{
		ProductID: e.ProductID,
		Timestamp: time.UnixMilli(e.Timestamp),
		Amount:    e.Amount,
	}
}
