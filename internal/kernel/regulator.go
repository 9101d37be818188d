package kernel

import "math"

// Transfer audit codes.
const (
	CodeNormal            int32 = 0
	CodeWarningHighRisk   int32 = 1
	CodeBlockReverseFlow  int32 = 2
	CodeBlockInjection    int32 = 3
	CodeBlockInsufficient int32 = 4
	CodeBlockVelocity     int32 = 5
	CodeBlockQuantity     int32 = 6
)

const maxTaxShare = 0.8

func checkTransfer(ctx TransferContext, cfg RegulatorConfig) TransferResult {
	amount := float64(ctx.AmountMicros) / microsScale
	senderBal := float64(ctx.SenderBalance) / microsScale
	receiverBal := float64(ctx.ReceiverBalance) / microsScale

	hours := float64(ctx.SenderPlayTime) / 3600
	limit := math.Min(
		float64(ctx.ItemBaseLimit)/microsScale+ctx.ItemGrowthRate*math.Sqrt(hours),
		float64(ctx.ItemMaxLimit)/microsScale,
	)
	limitMicros := int64(limit * microsScale)
	if limitMicros > 0 && ctx.AmountMicros > limitMicros {
		return TransferResult{IsBlocked: 1, WarningCode: CodeBlockQuantity}
	}

	var puppet float64
	if ctx.SenderActivityScore < 0.1 {
		puppet = ctx.SenderVelocity * 2
	} else {
		puppet = ctx.SenderVelocity / math.Max(ctx.SenderActivityScore, 0.1)
	}
	if puppet > cfg.VelocityThreshold {
		return TransferResult{IsBlocked: 1, WarningCode: CodeBlockVelocity}
	}

	code := CodeNormal
	// With no limit configured every positive amount is flagged.
	if ctx.AmountMicros > limitMicros*85/100 || puppet > cfg.VelocityThreshold*0.7 {
		code = CodeWarningHighRisk
	}

	tax := amount * cfg.BaseTaxRate * (1 + math.Max(ctx.InflationRate, 0))
	tax *= math.Exp(ctx.SenderVelocity * 0.05)

	luxury := float64(cfg.LuxuryThreshold) / microsScale
	if amount > luxury {
		tax += (amount - luxury) * cfg.LuxuryTaxRate
	}

	poor := float64(cfg.PoorThreshold) / microsScale
	rich := float64(cfg.RichThreshold) / microsScale
	if senderBal < poor && receiverBal > rich {
		tax = math.Max(tax, amount*cfg.WealthGapTaxRate)
	}

	tax = math.Min(tax, amount*maxTaxShare)

	return TransferResult{
		FinalTaxMicros: int64(tax * microsScale),
		WarningCode:    code,
	}
}
