package processors

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// CalcResult is everything one calculation pass produces: the ordered
// realized events, the per-quote-asset summary and the full warnings list.
// Warnings are never discarded; every anomaly must be visible to the caller.
type CalcResult struct {
	Events   []models.Realization
	Summary  models.Summary
	Warnings []string
}

// Calculator turns a transaction snapshot into realized gain/loss events.
type Calculator interface {
	Calculate(transactions []models.Transaction) *CalcResult
}

// RateSource resolves a daily EURUSD rate for a date. The second return
// is false when no rate exists on or before the date; callers must treat
// that as a recorded note, never fabricate a rate.
type RateSource interface {
	RateFor(day time.Time) (decimal.Decimal, bool)
}
