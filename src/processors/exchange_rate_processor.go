package processors

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// RateObservation is one daily EURUSD observation (USD per EUR).
type RateObservation struct {
	Date time.Time
	Rate decimal.Decimal
}

// RateStore answers historical rate lookups with last-known-value
// carry-forward: an exact-date match first, otherwise the most recent
// observation on or before the date. Appropriate for non-trading-day gaps
// (weekends, holidays).
type RateStore struct {
	observations []RateObservation // sorted by date ascending
}

// NewRateStore builds a store from observations in any order. Duplicate
// dates keep the last value given.
func NewRateStore(observations []RateObservation) *RateStore {
	byDate := make(map[string]RateObservation, len(observations))
	for _, obs := range observations {
		day := obs.Date.UTC().Truncate(24 * time.Hour)
		byDate[day.Format("2006-01-02")] = RateObservation{Date: day, Rate: obs.Rate}
	}
	sorted := make([]RateObservation, 0, len(byDate))
	for _, obs := range byDate {
		sorted = append(sorted, obs)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	return &RateStore{observations: sorted}
}

// RateFor returns the rate for the given day, falling back to the latest
// earlier observation. Returns false when no observation exists on or
// before the day; never a default rate.
func (s *RateStore) RateFor(day time.Time) (decimal.Decimal, bool) {
	day = day.UTC().Truncate(24 * time.Hour)
	// First observation strictly after day.
	idx := sort.Search(len(s.observations), func(i int) bool {
		return s.observations[i].Date.After(day)
	})
	if idx == 0 {
		return decimal.Zero, false
	}
	return s.observations[idx-1].Rate, true
}

// Len reports the number of distinct observation dates.
func (s *RateStore) Len() int { return len(s.observations) }

// UsdToEur converts a USD amount to EUR given a daily EURUSD rate
// (USD per EUR), rounded to the fixed conversion precision. A non-positive
// rate is unusable and converts to zero; callers surface that as a note.
func UsdToEur(amount, usdPerEur decimal.Decimal) decimal.Decimal {
	if usdPerEur.Sign() <= 0 {
		return decimal.Zero
	}
	return amount.DivRound(usdPerEur, utils.EurPrecision)
}

// EurSummarize values realized events in EUR. EUR-quoted events pass
// through; USD/USDT-quoted events convert at the event date's rate; other
// quote assets, and dates without a usable rate, are recorded as notes and
// left out of the totals.
func EurSummarize(events []models.Realization, rates RateSource) models.EurSummary {
	totals := models.QuoteTotals{
		Proceeds:  decimal.Zero,
		CostBasis: decimal.Zero,
		Gain:      decimal.Zero,
	}
	var notes []string

	for _, ev := range events {
		switch ev.QuoteAsset {
		case "EUR":
			totals.Proceeds = totals.Proceeds.Add(ev.Proceeds)
			totals.CostBasis = totals.CostBasis.Add(ev.CostBasis)
			totals.Gain = totals.Gain.Add(ev.Gain)
		case "USD", "USDT":
			rate, ok := rates.RateFor(ev.Timestamp)
			if !ok {
				notes = append(notes, fmt.Sprintf(
					"No EURUSD rate for %s; skipping conversion for event at %s.",
					ev.Timestamp.UTC().Format("2006-01-02"), formatTs(ev.Timestamp)))
				continue
			}
			if rate.Sign() <= 0 {
				notes = append(notes, fmt.Sprintf(
					"Non-positive EURUSD rate for %s; converting event at %s to zero.",
					ev.Timestamp.UTC().Format("2006-01-02"), formatTs(ev.Timestamp)))
			}
			totals.Proceeds = totals.Proceeds.Add(UsdToEur(ev.Proceeds, rate))
			totals.CostBasis = totals.CostBasis.Add(UsdToEur(ev.CostBasis, rate))
			totals.Gain = totals.Gain.Add(UsdToEur(ev.Gain, rate))
		default:
			notes = append(notes, fmt.Sprintf(
				"Unsupported quote asset %s for event at %s; no EUR conversion.",
				ev.QuoteAsset, formatTs(ev.Timestamp)))
		}
	}

	return models.EurSummary{Totals: totals, Notes: notes}
}
