package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// RunContext carries the frozen run parameters into rule decisions.
type RunContext struct {
	Params  models.RunParams
	TaxYear int
}

// TaxRule is the per-jurisdiction strategy point. The ledger and the
// disposal calculator never branch on jurisdiction; everything
// jurisdiction-specific goes through this interface, selected once at run
// configuration time.
type TaxRule interface {
	// IsTaxableDisposal reports whether a transaction is a disposal this
	// jurisdiction taxes.
	IsTaxableDisposal(tx models.Transaction) bool
	// ApplyExemptions returns the taxable portion of a realized event's
	// gain after per-lot exemptions (e.g. holding-period relief).
	ApplyExemptions(ev models.Realization, ctx RunContext) decimal.Decimal
	// FinalizeTaxableGain post-processes the aggregate EUR gain
	// (e.g. annual thresholds).
	FinalizeTaxableGain(gainEUR decimal.Decimal, ctx RunContext) decimal.Decimal
}

// RuleFor selects the rule for a jurisdiction code. An unknown code is a
// configuration error and aborts the run before any ledger mutation.
func RuleFor(jurisdiction string) (TaxRule, error) {
	switch strings.ToUpper(strings.TrimSpace(jurisdiction)) {
	case "HR":
		return HrRule{}, nil
	case "IT":
		return ItRule{}, nil
	default:
		return nil, fmt.Errorf("unsupported jurisdiction %q", jurisdiction)
	}
}
