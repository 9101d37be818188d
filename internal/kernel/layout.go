package kernel

import (
	"encoding/binary"
	"math"
)

// Fixed payload sizes of the kernel binary contract.
const (
	TradeContextSize    = 64
	MarketConfigSize    = 72
	TransferContextSize = 96
	RegulatorConfigSize = 96
	TransferResultSize  = 16
	PidStateSize        = 72
)

// TradeContext per-item pricing context.
type TradeContext struct {
	BasePriceMicros int64
	CurrentAmount   int64
	InflationRate   float64
	// CurrentTimestamp unix milliseconds.
	CurrentTimestamp int64
	PlayTimeSeconds  int64
	// TimezoneOffset seconds east of UTC.
	TimezoneOffset int32
	// NewbieMask bit 1 marks a festival day.
	NewbieMask    int32
	MarketHeat    float64
	EcoSaturation float64
}

// MarketConfig per-item environment weights.
type MarketConfig struct {
	BaseLambda           float64
	VolatilityFactor     float64
	SeasonalAmplitude    float64
	WeekendMultiplier    float64
	NewbieProtectionRate float64
	SeasonalWeight       float64
	WeekendWeight        float64
	NewbieWeight         float64
	InflationWeight      float64
}

// DefaultMarketConfig returns the kernel defaults.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		BaseLambda:           0.1,
		VolatilityFactor:     1.0,
		SeasonalAmplitude:    0.15,
		WeekendMultiplier:    1.2,
		NewbieProtectionRate: 0.2,
		SeasonalWeight:       0.25,
		WeekendWeight:        0.25,
		NewbieWeight:         0.25,
		InflationWeight:      0.25,
	}
}

// TransferContext audit input for one transfer. Monetary fields are micros.
type TransferContext struct {
	AmountMicros        int64
	SenderBalance       int64
	ReceiverBalance     int64
	InflationRate       float64
	ItemBaseLimit       int64
	ItemGrowthRate      float64
	ItemMaxLimit        int64
	SenderPlayTime      int64
	ReceiverPlayTime    int64
	SenderActivityScore float64
	SenderVelocity      float64
}

// RegulatorConfig audit parameters. Monetary fields are micros.
type RegulatorConfig struct {
	BaseTaxRate       float64
	LuxuryThreshold   int64
	LuxuryTaxRate     float64
	WealthGapTaxRate  float64
	PoorThreshold     int64
	RichThreshold     int64
	WarningRatio      float64
	WarningMinAmount  int64
	NewbieHours       float64
	VeteranHours      float64
	VelocityThreshold float64
}

// DefaultRegulatorConfig returns the kernel defaults.
func DefaultRegulatorConfig() RegulatorConfig {
	return RegulatorConfig{
		BaseTaxRate:       0.05,
		LuxuryThreshold:   100_000_000_000,
		LuxuryTaxRate:     0.10,
		WealthGapTaxRate:  0.20,
		PoorThreshold:     10_000_000_000,
		RichThreshold:     1_000_000_000_000,
		WarningRatio:      0.9,
		WarningMinAmount:  50_000_000_000,
		NewbieHours:       10,
		VeteranHours:      100,
		VelocityThreshold: 20,
	}
}

// TransferResult audit output.
type TransferResult struct {
	FinalTaxMicros int64
	IsBlocked      int32
	WarningCode    int32
}

// PidState controller gains and accumulators.
type PidState struct {
	Kp               float64
	Ki               float64
	Kd               float64
	Lambda           float64
	Integral         float64
	PrevPV           float64
	FilteredD        float64
	IntegrationLimit float64
	IsSaturated      int32
}

// DefaultPidState returns a freshly reset controller.
func DefaultPidState() PidState {
	return PidState{
		Kp:               0.5,
		Ki:               0.1,
		Kd:               0.05,
		Lambda:           0.01,
		IntegrationLimit: DefaultIntegrationLimit,
	}
}

func putF64(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}

func getF64(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

func putI64(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

func getI64(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

func putI32(dst []byte, v int32) {
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

func getI32(src []byte) int32 {
	return int32(binary.LittleEndian.Uint32(src))
}

func sized(dst []byte, size int) []byte {
	if cap(dst) < size {
		return make([]byte, size)
	}
	dst = dst[:size]
	clear(dst)
	return dst
}

// EncodeTradeContext serializes a trade context into a fixed-size payload.
func EncodeTradeContext(dst []byte, c TradeContext) []byte {
	dst = sized(dst, TradeContextSize)
	putI64(dst[0:8], c.BasePriceMicros)
	putI64(dst[8:16], c.CurrentAmount)
	putF64(dst[16:24], c.InflationRate)
	putI64(dst[24:32], c.CurrentTimestamp)
	putI64(dst[32:40], c.PlayTimeSeconds)
	putI32(dst[40:44], c.TimezoneOffset)
	putI32(dst[44:48], c.NewbieMask)
	putF64(dst[48:56], c.MarketHeat)
	putF64(dst[56:64], c.EcoSaturation)
	return dst
}

// DecodeTradeContext parses a fixed-size trade context payload.
func DecodeTradeContext(src []byte) (TradeContext, bool) {
	if len(src) < TradeContextSize {
		return TradeContext{}, false
	}
	return TradeContext{
		BasePriceMicros:  getI64(src[0:8]),
		CurrentAmount:    getI64(src[8:16]),
		InflationRate:    getF64(src[16:24]),
		CurrentTimestamp: getI64(src[24:32]),
		PlayTimeSeconds:  getI64(src[32:40]),
		TimezoneOffset:   getI32(src[40:44]),
		NewbieMask:       getI32(src[44:48]),
		MarketHeat:       getF64(src[48:56]),
		EcoSaturation:    getF64(src[56:64]),
	}, true
}

// EncodeMarketConfig serializes a market config into a fixed-size payload.
func EncodeMarketConfig(dst []byte, c MarketConfig) []byte {
	dst = sized(dst, MarketConfigSize)
	putF64(dst[0:8], c.BaseLambda)
	putF64(dst[8:16], c.VolatilityFactor)
	putF64(dst[16:24], c.SeasonalAmplitude)
	putF64(dst[24:32], c.WeekendMultiplier)
	putF64(dst[32:40], c.NewbieProtectionRate)
	putF64(dst[40:48], c.SeasonalWeight)
	putF64(dst[48:56], c.WeekendWeight)
	putF64(dst[56:64], c.NewbieWeight)
	putF64(dst[64:72], c.InflationWeight)
	return dst
}

// DecodeMarketConfig parses a fixed-size market config payload.
func DecodeMarketConfig(src []byte) (MarketConfig, bool) {
	if len(src) < MarketConfigSize {
		return MarketConfig{}, false
	}
	return MarketConfig{
		BaseLambda:           getF64(src[0:8]),
		VolatilityFactor:     getF64(src[8:16]),
		SeasonalAmplitude:    getF64(src[16:24]),
		WeekendMultiplier:    getF64(src[24:32]),
		NewbieProtectionRate: getF64(src[32:40]),
		SeasonalWeight:       getF64(src[40:48]),
		WeekendWeight:        getF64(src[48:56]),
		NewbieWeight:         getF64(src[56:64]),
		InflationWeight:      getF64(src[64:72]),
	}, true
}

// EncodeTransferContext serializes a transfer context into a fixed-size payload.
func EncodeTransferContext(dst []byte, c TransferContext) []byte {
	dst = sized(dst, TransferContextSize)
	putI64(dst[0:8], c.AmountMicros)
	putI64(dst[8:16], c.SenderBalance)
	putI64(dst[16:24], c.ReceiverBalance)
	putF64(dst[24:32], c.InflationRate)
	putI64(dst[32:40], c.ItemBaseLimit)
	putF64(dst[40:48], c.ItemGrowthRate)
	putI64(dst[48:56], c.ItemMaxLimit)
	putI64(dst[56:64], c.SenderPlayTime)
	putI64(dst[64:72], c.ReceiverPlayTime)
	putF64(dst[72:80], c.SenderActivityScore)
	putF64(dst[80:88], c.SenderVelocity)
	// 88:96 padding
	return dst
}

// DecodeTransferContext parses a fixed-size transfer context payload.
func DecodeTransferContext(src []byte) (TransferContext, bool) {
	if len(src) < TransferContextSize {
		return TransferContext{}, false
	}
	return TransferContext{
		AmountMicros:        getI64(src[0:8]),
		SenderBalance:       getI64(src[8:16]),
		ReceiverBalance:     getI64(src[16:24]),
		InflationRate:       getF64(src[24:32]),
		ItemBaseLimit:       getI64(src[32:40]),
		ItemGrowthRate:      getF64(src[40:48]),
		ItemMaxLimit:        getI64(src[48:56]),
		SenderPlayTime:      getI64(src[56:64]),
		ReceiverPlayTime:    getI64(src[64:72]),
		SenderActivityScore: getF64(src[72:80]),
		SenderVelocity:      getF64(src[80:88]),
	}, true
}

// EncodeRegulatorConfig serializes a regulator config into a fixed-size payload.
func EncodeRegulatorConfig(dst []byte, c RegulatorConfig) []byte {
	dst = sized(dst, RegulatorConfigSize)
	putF64(dst[0:8], c.BaseTaxRate)
	putI64(dst[8:16], c.LuxuryThreshold)
	putF64(dst[16:24], c.LuxuryTaxRate)
	putF64(dst[24:32], c.WealthGapTaxRate)
	putI64(dst[32:40], c.PoorThreshold)
	putI64(dst[40:48], c.RichThreshold)
	// 48:56 reserved
	putF64(dst[56:64], c.WarningRatio)
	putI64(dst[64:72], c.WarningMinAmount)
	putF64(dst[72:80], c.NewbieHours)
	putF64(dst[80:88], c.VeteranHours)
	putF64(dst[88:96], c.VelocityThreshold)
	return dst
}

// DecodeRegulatorConfig parses a fixed-size regulator config payload.
func DecodeRegulatorConfig(src []byte) (RegulatorConfig, bool) {
	if len(src) < RegulatorConfigSize {
		return RegulatorConfig{}, false
	}
	return RegulatorConfig{
		BaseTaxRate:       getF64(src[0:8]),
		LuxuryThreshold:   getI64(src[8:16]),
		LuxuryTaxRate:     getF64(src[16:24]),
		WealthGapTaxRate:  getF64(src[24:32]),
		PoorThreshold:     getI64(src[32:40]),
		RichThreshold:     getI64(src[40:48]),
		WarningRatio:      getF64(src[56:64]),
		WarningMinAmount:  getI64(src[64:72]),
		NewbieHours:       getF64(src[72:80]),
		VeteranHours:      getF64(src[80:88]),
		VelocityThreshold: getF64(src[88:96]),
	}, true
}

// EncodeTransferResult serializes a transfer result into a fixed-size payload.
func EncodeTransferResult(dst []byte, r TransferResult) []byte {
	dst = sized(dst, TransferResultSize)
	putI64(dst[0:8], r.FinalTaxMicros)
	putI32(dst[8:12], r.IsBlocked)
	putI32(dst[12:16], r.WarningCode)
	return dst
}

// DecodeTransferResult parses a fixed-size transfer result payload.
func DecodeTransferResult(src []byte) (TransferResult, bool) {
	if len(src) < TransferResultSize {
		return TransferResult{}, false
	}
	return TransferResult{
		FinalTaxMicros: getI64(src[0:8]),
		IsBlocked:      getI32(src[8:12]),
		WarningCode:    getI32(src[12:16]),
	}, true
}

// EncodePidState serializes controller state into a fixed-size payload.
func EncodePidState(dst []byte, s PidState) []byte {
	dst = sized(dst, PidStateSize)
	putF64(dst[0:8], s.Kp)
	putF64(dst[8:16], s.Ki)
	putF64(dst[16:24], s.Kd)
	putF64(dst[24:32], s.Lambda)
	putF64(dst[32:40], s.Integral)
	putF64(dst[40:48], s.PrevPV)
	putF64(dst[48:56], s.FilteredD)
	putF64(dst[56:64], s.IntegrationLimit)
	putI32(dst[64:68], s.IsSaturated)
	// 68:72 padding
	return dst
}

// DecodePidState parses a fixed-size controller state payload.
func DecodePidState(src []byte) (PidState, bool) {
	if len(src) < PidStateSize {
		return PidState{}, false
	}
	return PidState{
		Kp:               getF64(src[0:8]),
		Ki:               getF64(src[8:16]),
		Kd:               getF64(src[16:24]),
		Lambda:           getF64(src[24:32]),
		Integral:         getF64(src[32:40]),
		PrevPV:           getF64(src[40:48]),
		FilteredD:        getF64(src[48:56]),
		IntegrationLimit: getF64(src[56:64]),
		IsSaturated:      getI32(src[64:68]),
	}, true
}
