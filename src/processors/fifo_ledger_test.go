package processors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return ts.UTC()
}

func TestConsumeOldestFirst(t *testing.T) {
	ledger := NewFifoLedger()
	ledger.AddLot("BTC", d("1"), d("100"), day("2024-01-01"))
	ledger.AddLot("BTC", d("1"), d("300"), day("2024-02-01"))

	cost, matches, warnings := ledger.Consume("BTC", d("1.5"))

	require.Empty(t, warnings)
	require.Len(t, matches, 2)
	// Full oldest lot, then half of the newer one: 100 + 150.
	assert.True(t, cost.Equal(d("250")), "cost = %s", cost)
	assert.True(t, matches[0].QuantityTaken.Equal(d("1")))
	assert.True(t, matches[0].UnitCost.Equal(d("100")))
	assert.Equal(t, day("2024-01-01"), matches[0].AcquiredAt)
	assert.True(t, matches[1].QuantityTaken.Equal(d("0.5")))
	assert.True(t, matches[1].UnitCost.Equal(d("300")))
	assert.True(t, ledger.OpenQuantity("BTC").Equal(d("0.5")))
}

func TestConsumeExhaustedLotsArePruned(t *testing.T) {
	ledger := NewFifoLedger()
	ledger.AddLot("ETH", d("2"), d("10"), day("2024-01-01"))
	ledger.AddLot("ETH", d("3"), d("20"), day("2024-01-02"))

	_, _, warnings := ledger.Consume("ETH", d("2"))
	require.Empty(t, warnings)
	assert.True(t, ledger.OpenQuantity("ETH").Equal(d("3")))

	// The next consume must start from the second lot's price.
	cost, matches, warnings := ledger.Consume("ETH", d("1"))
	require.Empty(t, warnings)
	require.Len(t, matches, 1)
	assert.True(t, cost.Equal(d("20")))
}

func TestConsumeShortfallGetsZeroBasis(t *testing.T) {
	ledger := NewFifoLedger()
	ledger.AddLot("BTC", d("0.4"), d("1000"), day("2024-01-01"))

	cost, matches, warnings := ledger.Consume("BTC", d("1"))

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "only 0.4 available")
	assert.Contains(t, warnings[0], "zero basis for 0.6 BTC")

	require.Len(t, matches, 2)
	assert.True(t, matches[1].QuantityTaken.Equal(d("0.6")))
	assert.True(t, matches[1].UnitCost.IsZero())
	assert.True(t, matches[1].TotalCost.IsZero())
	assert.True(t, matches[1].AcquiredAt.IsZero())
	assert.True(t, cost.Equal(d("400")))
	assert.True(t, ledger.OpenQuantity("BTC").IsZero())
}

func TestConsumeFullyShortPosition(t *testing.T) {
	ledger := NewFifoLedger()

	cost, matches, warnings := ledger.Consume("ETH", d("1"))

	require.Len(t, warnings, 1)
	require.Len(t, matches, 1)
	assert.True(t, cost.IsZero())
	assert.True(t, matches[0].QuantityTaken.Equal(d("1")))
}

func TestConsumeMatchQuantitiesSumToRequested(t *testing.T) {
	cases := []struct {
		name string
		lots []string
		sell string
	}{
		{"single lot covers", []string{"5"}, "3"},
		{"exact multi-lot", []string{"1", "2"}, "3"},
		{"partial shortfall", []string{"0.1", "0.2"}, "1"},
		{"no lots at all", nil, "2.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewFifoLedger()
			for i, q := range tc.lots {
				ledger.AddLot("X", d(q), d("1"), day("2024-01-01").AddDate(0, 0, i))
			}
			_, matches, _ := ledger.Consume("X", d(tc.sell))
			total := decimal.Zero
			for _, m := range matches {
				total = total.Add(m.QuantityTaken)
			}
			assert.True(t, total.Equal(d(tc.sell)), "sum = %s, want %s", total, tc.sell)
		})
	}
}

func TestAddLotIgnoresNonPositiveQuantity(t *testing.T) {
	ledger := NewFifoLedger()
	ledger.AddLot("BTC", decimal.Zero, d("100"), day("2024-01-01"))
	ledger.AddLot("BTC", d("-1"), d("100"), day("2024-01-01"))
	assert.True(t, ledger.OpenQuantity("BTC").IsZero())
}
