package rules

import (
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// ItRule implements Italian treatment: only explicit sells are taxable,
// and the aggregate gain is gated by an annual threshold.
type ItRule struct{}

func (ItRule) IsTaxableDisposal(tx models.Transaction) bool {
	return tx.Kind == models.KindSell
}

func (ItRule) ApplyExemptions(ev models.Realization, ctx RunContext) decimal.Decimal {
	return ev.Gain
}

// FinalizeTaxableGain gates the aggregate gain: below the annual threshold
// nothing is taxable. The proper annual-average-balance check needs daily
// balance tracking the engine does not produce yet.
func (ItRule) FinalizeTaxableGain(gainEUR decimal.Decimal, ctx RunContext) decimal.Decimal {
	threshold := ctx.Params.ItThresholdEUR
	if threshold.Sign() > 0 && gainEUR.LessThan(threshold) {
		return decimal.Zero
	}
	return gainEUR
}
