package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Match records a disposal's partial consumption of one acquisition lot.
// Read-only once produced.
type Match struct {
	QuantityTaken decimal.Decimal `json:"from_qty"`
	UnitCost      decimal.Decimal `json:"lot_cost_per_unit"`
	TotalCost     decimal.Decimal `json:"lot_cost_total"`
	AcquiredAt    time.Time       `json:"acquired_at"`
}

// Realization is the tax-relevant outcome of one disposal event: what was
// sold, for how much, against which lots, and the resulting gain.
// Immutable once produced. TxHash links back to the disposing transaction
// for rule decisions; it is not part of the event's serialized identity.
type Realization struct {
	TxHash       string          `json:"-"`
	Timestamp    time.Time       `json:"timestamp"`
	Asset        string          `json:"asset"`
	QuantitySold decimal.Decimal `json:"qty_sold"`
	Proceeds     decimal.Decimal `json:"proceeds"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	Gain         decimal.Decimal `json:"gain"`
	QuoteAsset   string          `json:"quote_asset"`
	FeeApplied   decimal.Decimal `json:"fee_applied"`
	Matches      []Match         `json:"matches"`
}

// QuoteTotals aggregates proceeds, cost basis and gain for one quote asset.
type QuoteTotals struct {
	Proceeds  decimal.Decimal `json:"proceeds"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Gain      decimal.Decimal `json:"gain"`
}

// Summary groups realized totals by quote asset, plus grand totals.
type Summary struct {
	ByQuoteAsset map[string]QuoteTotals `json:"by_quote_asset"`
	Totals       QuoteTotals            `json:"totals"`
}

// EurSummary holds EUR-converted totals across all realized events, plus
// notes for events that could not be converted (missing rate, unsupported
// quote asset). Notes are data gaps, never dropped.
type EurSummary struct {
	Totals QuoteTotals `json:"totals_eur"`
	Notes  []string    `json:"notes"`
}
