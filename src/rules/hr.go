package rules

import (
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// DefaultHoldingExemptionDays is the Croatian two-year holding period
// after which a disposal is exempt.
const DefaultHoldingExemptionDays = 730

// HrRule implements Croatian treatment: disposals are taxable, but gains
// on lots held past the holding-period threshold are exempt.
type HrRule struct{}

func (HrRule) IsTaxableDisposal(tx models.Transaction) bool {
	if tx.Kind == models.KindSell {
		return true
	}
	return tx.Kind != models.KindTransfer && tx.QuoteAsset != ""
}

// ApplyExemptions zeroes the gain attributable to matches whose lots were
// held at least the exemption threshold at disposal time. Gain is
// attributed per match by prorating proceeds over quantity sold.
func (HrRule) ApplyExemptions(ev models.Realization, ctx RunContext) decimal.Decimal {
	days := ctx.Params.HoldingExemptionDays
	if days <= 0 {
		days = DefaultHoldingExemptionDays
	}
	if ev.QuantitySold.Sign() <= 0 {
		return ev.Gain
	}

	taxable := decimal.Zero
	for _, m := range ev.Matches {
		// Shortfall matches carry no acquisition time; they are never exempt.
		if !m.AcquiredAt.IsZero() {
			heldDays := int(ev.Timestamp.Sub(m.AcquiredAt).Hours() / 24)
			if heldDays >= days {
				continue
			}
		}
		matchProceeds := ev.Proceeds.Mul(m.QuantityTaken).Div(ev.QuantitySold)
		taxable = taxable.Add(matchProceeds.Sub(m.TotalCost))
	}
	return taxable
}

func (HrRule) FinalizeTaxableGain(gainEUR decimal.Decimal, ctx RunContext) decimal.Decimal {
	return gainEUR
}
