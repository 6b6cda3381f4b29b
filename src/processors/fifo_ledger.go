package processors

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// lot is one acquisition still (partially) available for disposal. Owned
// exclusively by the ledger; callers only ever see Matches.
type lot struct {
	quantityRemaining decimal.Decimal
	unitCost          decimal.Decimal
	acquiredAt        time.Time
}

// FifoLedger keeps per-asset ordered queues of acquisition lots, oldest
// first. Insertion order defines FIFO precedence; lots are never re-sorted,
// so same-timestamp acquisitions tie-break by the order they were added.
type FifoLedger struct {
	lots map[string][]*lot
}

func NewFifoLedger() *FifoLedger {
	return &FifoLedger{lots: make(map[string][]*lot)}
}

// AddLot appends a new acquisition lot for the asset. No-op for
// non-positive quantities.
func (l *FifoLedger) AddLot(asset string, quantity, unitCost decimal.Decimal, acquiredAt time.Time) {
	if quantity.Sign() <= 0 {
		return
	}
	l.lots[asset] = append(l.lots[asset], &lot{
		quantityRemaining: quantity,
		unitCost:          unitCost,
		acquiredAt:        acquiredAt,
	})
}

// Consume walks the asset's lots oldest-first, taking min(lot remaining,
// still needed) from each until the requested quantity is satisfied.
// Exhausted lots are pruned. If the lots run out first (a short position),
// the shortfall becomes a zero-cost-basis match plus a warning. Real-world
// histories are frequently incomplete, and that must be visible rather
// than fatal.
//
// The quantities of the returned matches always sum to exactly the
// requested quantity.
func (l *FifoLedger) Consume(asset string, quantity decimal.Decimal) (decimal.Decimal, []models.Match, []string) {
	costTotal := decimal.Zero
	var matches []models.Match
	var warnings []string

	remaining := quantity
	assetLots := l.lots[asset]

	i := 0
	for remaining.Sign() > 0 && i < len(assetLots) {
		current := assetLots[i]
		take := decimal.Min(current.quantityRemaining, remaining)
		if take.Sign() > 0 {
			lotCost := current.unitCost.Mul(take)
			matches = append(matches, models.Match{
				QuantityTaken: take,
				UnitCost:      current.unitCost,
				TotalCost:     lotCost,
				AcquiredAt:    current.acquiredAt,
			})
			costTotal = costTotal.Add(lotCost)
			current.quantityRemaining = current.quantityRemaining.Sub(take)
			remaining = remaining.Sub(take)
		}
		if current.quantityRemaining.IsZero() {
			i++
		}
	}

	if remaining.Sign() > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"Selling %s %s but only %s available in lots. Assuming zero basis for %s %s.",
			utils.DecString(quantity), asset,
			utils.DecString(quantity.Sub(remaining)),
			utils.DecString(remaining), asset))
		matches = append(matches, models.Match{
			QuantityTaken: remaining,
			UnitCost:      decimal.Zero,
			TotalCost:     decimal.Zero,
		})
	}

	// Prune exhausted lots, preserving order.
	kept := assetLots[:0]
	for _, candidate := range assetLots {
		if candidate.quantityRemaining.Sign() > 0 {
			kept = append(kept, candidate)
		}
	}
	l.lots[asset] = kept

	return costTotal, matches, warnings
}

// OpenQuantity reports the total quantity still held for an asset.
func (l *FifoLedger) OpenQuantity(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, current := range l.lots[asset] {
		total = total.Add(current.quantityRemaining)
	}
	return total
}
