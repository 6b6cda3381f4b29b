package processors

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// DisposalCalculator drives the FIFO ledger over a full transaction
// snapshot. Each run owns a fresh ledger, so concurrent runs never share
// state and a run is a pure function of its snapshot.
type DisposalCalculator struct{}

func NewDisposalCalculator() *DisposalCalculator {
	return &DisposalCalculator{}
}

// Calculate replays the whole ordered history and produces realized
// events, a per-quote-asset summary and the accumulated warnings.
//
// Ordering: timestamp ascending, ties broken by the stable input sequence
// number. Timestamps alone are not always unique, and determinism of the
// output (and therefore of the digests) depends on a total order.
func (c *DisposalCalculator) Calculate(transactions []models.Transaction) *CalcResult {
	txs := make([]models.Transaction, len(transactions))
	copy(txs, transactions)
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].Seq < txs[j].Seq
	})

	ledger := NewFifoLedger()
	var events []models.Realization
	var warnings []string

	for _, t := range txs {
		switch t.Kind {
		case models.KindTransfer:
			// Tax-neutral: no ledger effect, no realized event.

		case models.KindIncome:
			warnings = append(warnings, c.processIncome(ledger, t)...)

		case models.KindBuy:
			warnings = append(warnings, c.processBuy(ledger, t)...)

		case models.KindSell:
			event, w := c.processSell(ledger, t)
			warnings = append(warnings, w...)
			if event != nil {
				events = append(events, *event)
			}

		default:
			warnings = append(warnings, fmt.Sprintf(
				"Unknown transaction type %q at %s; skipping.", t.Type, formatTs(t.Timestamp)))
		}
	}

	return &CalcResult{
		Events:   events,
		Summary:  summarize(events),
		Warnings: warnings,
	}
}

// processIncome adds a lot for received value. Unit basis priority:
// quote_amount/base_amount when a quote pair is present, else fair_value,
// else zero with a warning. A missing receipt value is a data gap, not a
// computation error.
func (c *DisposalCalculator) processIncome(ledger *FifoLedger, t models.Transaction) []string {
	var warnings []string
	unitCost := decimal.Zero
	switch {
	case t.QuoteAmount != nil && t.BaseAmount.Sign() > 0:
		unitCost = t.QuoteAmount.Div(t.BaseAmount)
	case t.FairValue != nil:
		unitCost = *t.FairValue
	default:
		warnings = append(warnings, fmt.Sprintf(
			"Income at %s: no fair value provided; using basis=0.", formatTs(t.Timestamp)))
	}
	ledger.AddLot(t.BaseAsset, t.BaseAmount, unitCost, t.Timestamp)
	return warnings
}

// processBuy creates a lot with basis from the quote fields. A fee paid in
// the quote asset is part of the acquisition cost; fees in any other asset
// are excluded (flagged simplification). Never guesses a buy price: missing
// quote fields or a non-positive base amount skip the row with a warning.
func (c *DisposalCalculator) processBuy(ledger *FifoLedger, t models.Transaction) []string {
	if t.QuoteAsset == "" || t.QuoteAmount == nil {
		return []string{fmt.Sprintf("Buy at %s missing quote fields; skipping.", formatTs(t.Timestamp))}
	}
	if t.BaseAmount.Sign() <= 0 {
		return []string{fmt.Sprintf("Buy at %s has non-positive base_amount; skipping.", formatTs(t.Timestamp))}
	}

	var warnings []string
	feeInQuote := decimal.Zero
	if t.FeeAsset != "" && t.FeeAmount != nil {
		if t.FeeAsset == t.QuoteAsset {
			feeInQuote = *t.FeeAmount
		} else {
			warnings = append(warnings, fmt.Sprintf(
				"Buy at %s has fee in %s but quote in %s; fee excluded from cost basis.",
				formatTs(t.Timestamp), t.FeeAsset, t.QuoteAsset))
		}
	}

	effectiveCost := t.QuoteAmount.Add(feeInQuote)
	unitCost := effectiveCost.Div(t.BaseAmount)
	ledger.AddLot(t.BaseAsset, t.BaseAmount, unitCost, t.Timestamp)
	return warnings
}

// processSell consumes lots FIFO and emits a realization. Proceeds are the
// quote amount minus the fee when the fee is denominated in the quote
// asset, clamped at zero if the fee exceeds gross proceeds.
func (c *DisposalCalculator) processSell(ledger *FifoLedger, t models.Transaction) (*models.Realization, []string) {
	var warnings []string
	if t.QuoteAsset == "" || t.QuoteAmount == nil {
		return nil, []string{fmt.Sprintf("Sell at %s missing quote fields; skipping.", formatTs(t.Timestamp))}
	}

	fee := decimal.Zero
	if t.FeeAsset != "" && t.FeeAmount != nil {
		if t.FeeAsset == t.QuoteAsset {
			fee = *t.FeeAmount
		} else {
			warnings = append(warnings, fmt.Sprintf(
				"Sell at %s has fee in %s but quote in %s; fee not converted, proceeds unadjusted.",
				formatTs(t.Timestamp), t.FeeAsset, t.QuoteAsset))
		}
	}

	proceeds := t.QuoteAmount.Sub(fee)
	if proceeds.Sign() < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"Sell at %s has fee > proceeds; clamping to 0.", formatTs(t.Timestamp)))
		proceeds = decimal.Zero
	}

	costTotal, matches, consumeWarnings := ledger.Consume(t.BaseAsset, t.BaseAmount)
	warnings = append(warnings, consumeWarnings...)

	return &models.Realization{
		TxHash:       t.Hash,
		Timestamp:    t.Timestamp,
		Asset:        t.BaseAsset,
		QuantitySold: t.BaseAmount,
		Proceeds:     proceeds,
		CostBasis:    costTotal,
		Gain:         proceeds.Sub(costTotal),
		QuoteAsset:   t.QuoteAsset,
		FeeApplied:   fee,
		Matches:      matches,
	}, warnings
}

func summarize(events []models.Realization) models.Summary {
	summary := models.Summary{
		ByQuoteAsset: make(map[string]models.QuoteTotals),
		Totals: models.QuoteTotals{
			Proceeds:  decimal.Zero,
			CostBasis: decimal.Zero,
			Gain:      decimal.Zero,
		},
	}
	for _, ev := range events {
		agg, ok := summary.ByQuoteAsset[ev.QuoteAsset]
		if !ok {
			agg = models.QuoteTotals{Proceeds: decimal.Zero, CostBasis: decimal.Zero, Gain: decimal.Zero}
		}
		agg.Proceeds = agg.Proceeds.Add(ev.Proceeds)
		agg.CostBasis = agg.CostBasis.Add(ev.CostBasis)
		agg.Gain = agg.Gain.Add(ev.Gain)
		summary.ByQuoteAsset[ev.QuoteAsset] = agg

		summary.Totals.Proceeds = summary.Totals.Proceeds.Add(ev.Proceeds)
		summary.Totals.CostBasis = summary.Totals.CostBasis.Add(ev.CostBasis)
		summary.Totals.Gain = summary.Totals.Gain.Add(ev.Gain)
	}
	return summary
}

func formatTs(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
