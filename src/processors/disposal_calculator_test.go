package processors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

func decPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func tx(seq int64, ts, typ, base, baseAmt string) models.Transaction {
	return models.Transaction{
		Seq:        seq,
		Timestamp:  day(ts),
		Type:       typ,
		Kind:       models.ParseKind(typ),
		BaseAsset:  base,
		BaseAmount: d(baseAmt),
	}
}

func withQuote(t models.Transaction, asset, amount string) models.Transaction {
	t.QuoteAsset = asset
	t.QuoteAmount = decPtr(amount)
	return t
}

func withFee(t models.Transaction, asset, amount string) models.Transaction {
	t.FeeAsset = asset
	t.FeeAmount = decPtr(amount)
	return t
}

func TestIncomeThenSellUsesFairValueBasis(t *testing.T) {
	income := tx(0, "2024-01-01", "income", "BTC", "2")
	income.FairValue = decPtr("1000")
	sell := withQuote(tx(1, "2024-06-01", "sell", "BTC", "1"), "USD", "1200")

	result := NewDisposalCalculator().Calculate([]models.Transaction{income, sell})

	require.Empty(t, result.Warnings)
	require.Len(t, result.Events, 1)
	ev := result.Events[0]
	assert.True(t, ev.Proceeds.Equal(d("1200")))
	assert.True(t, ev.CostBasis.Equal(d("1000")))
	assert.True(t, ev.Gain.Equal(d("200")))
	require.Len(t, ev.Matches, 1)
	assert.Equal(t, day("2024-01-01"), ev.Matches[0].AcquiredAt)
}

func TestIncomeWithoutFairValueWarnsAndUsesZeroBasis(t *testing.T) {
	income := tx(0, "2024-01-01", "income", "SOL", "10")
	sell := withQuote(tx(1, "2024-02-01", "sell", "SOL", "10"), "USD", "500")

	result := NewDisposalCalculator().Calculate([]models.Transaction{income, sell})

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "no fair value provided")
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.IsZero())
	assert.True(t, result.Events[0].Gain.Equal(d("500")))
}

func TestIncomeQuotePairBeatsFairValue(t *testing.T) {
	income := withQuote(tx(0, "2024-01-01", "income", "BTC", "2"), "USD", "3000")
	income.FairValue = decPtr("9999")
	sell := withQuote(tx(1, "2024-02-01", "sell", "BTC", "1"), "USD", "2000")

	result := NewDisposalCalculator().Calculate([]models.Transaction{income, sell})

	require.Len(t, result.Events, 1)
	// Unit basis 3000/2 = 1500, not the fair value.
	assert.True(t, result.Events[0].CostBasis.Equal(d("1500")))
}

func TestShortSaleAssumesZeroBasis(t *testing.T) {
	sell := withQuote(tx(0, "2024-03-01", "sell", "ETH", "1"), "USD", "50")

	result := NewDisposalCalculator().Calculate([]models.Transaction{sell})

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "zero basis")
	require.Len(t, result.Events, 1)
	ev := result.Events[0]
	assert.True(t, ev.CostBasis.IsZero())
	assert.True(t, ev.Gain.Equal(d("50")))
	require.Len(t, ev.Matches, 1)
	assert.True(t, ev.Matches[0].UnitCost.IsZero())
}

func TestBuyFeeInQuoteAssetAddsToCostBasis(t *testing.T) {
	buy := withFee(withQuote(tx(0, "2024-01-01", "buy", "BTC", "2"), "USD", "2000"), "USD", "10")
	sell := withQuote(tx(1, "2024-02-01", "sell", "BTC", "2"), "USD", "2500")

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, sell})

	require.Empty(t, result.Warnings)
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.Equal(d("2010")))
	assert.True(t, result.Events[0].Gain.Equal(d("490")))
}

func TestBuyFeeInOtherAssetIsExcludedWithWarning(t *testing.T) {
	buy := withFee(withQuote(tx(0, "2024-01-01", "buy", "BTC", "1"), "USD", "1000"), "BNB", "0.01")
	sell := withQuote(tx(1, "2024-02-01", "sell", "BTC", "1"), "USD", "1100")

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, sell})

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "fee excluded from cost basis")
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.Equal(d("1000")))
}

func TestSellFeeReducesProceedsAndClampsAtZero(t *testing.T) {
	buy := withQuote(tx(0, "2024-01-01", "buy", "BTC", "1"), "USD", "100")
	sell := withFee(withQuote(tx(1, "2024-02-01", "sell", "BTC", "1"), "USD", "5"), "USD", "8")

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, sell})

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "clamping to 0")
	require.Len(t, result.Events, 1)
	ev := result.Events[0]
	assert.True(t, ev.Proceeds.IsZero())
	assert.True(t, ev.Gain.Equal(d("-100")))
}

func TestTransferIsTaxNeutral(t *testing.T) {
	buy := withQuote(tx(0, "2024-01-01", "buy", "BTC", "1"), "USD", "100")
	transfer := tx(1, "2024-01-15", "transfer_out", "BTC", "1")
	sell := withQuote(tx(2, "2024-02-01", "sell", "BTC", "1"), "USD", "150")

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, transfer, sell})

	// The transfer neither consumed the lot nor realized anything.
	require.Empty(t, result.Warnings)
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.Equal(d("100")))
}

func TestUnknownTypeWarnsAndSkips(t *testing.T) {
	weird := tx(0, "2024-01-01", "staking_airdrop_v2", "BTC", "1")

	result := NewDisposalCalculator().Calculate([]models.Transaction{weird})

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], `Unknown transaction type "staking_airdrop_v2"`)
	assert.Empty(t, result.Events)
}

func TestBuyMissingQuoteFieldsIsSkipped(t *testing.T) {
	buy := tx(0, "2024-01-01", "buy", "BTC", "1")
	sell := withQuote(tx(1, "2024-02-01", "sell", "BTC", "1"), "USD", "100")

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, sell})

	// The buy produced no lot, so the sell is fully short.
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "missing quote fields")
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.IsZero())
}

func TestOrderingTimestampThenSequence(t *testing.T) {
	sameTime := day("2024-01-01")
	// Presented out of order; the sell at the same instant as the cheap buy
	// must still see the cheap buy first via the sequence tie-break.
	sell := models.Transaction{
		Seq: 2, Timestamp: sameTime, Type: "sell", Kind: models.KindSell,
		BaseAsset: "BTC", BaseAmount: d("1"),
		QuoteAsset: "USD", QuoteAmount: decPtr("200"),
	}
	buyCheap := models.Transaction{
		Seq: 1, Timestamp: sameTime, Type: "buy", Kind: models.KindBuy,
		BaseAsset: "BTC", BaseAmount: d("1"),
		QuoteAsset: "USD", QuoteAmount: decPtr("100"),
	}

	result := NewDisposalCalculator().Calculate([]models.Transaction{sell, buyCheap})

	require.Empty(t, result.Warnings)
	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].CostBasis.Equal(d("100")))
}

func TestCalculateIsDeterministicAndDoesNotMutateInput(t *testing.T) {
	txs := []models.Transaction{
		withQuote(tx(1, "2024-02-01", "sell", "BTC", "0.5"), "USD", "600"),
		withQuote(tx(0, "2024-01-01", "buy", "BTC", "1"), "USD", "1000"),
	}
	snapshot := make([]models.Transaction, len(txs))
	copy(snapshot, txs)

	calc := NewDisposalCalculator()
	first := calc.Calculate(txs)
	second := calc.Calculate(txs)

	assert.Equal(t, snapshot, txs, "input slice must not be reordered")
	require.Len(t, first.Events, 1)
	require.Len(t, second.Events, 1)
	assert.True(t, first.Events[0].Gain.Equal(second.Events[0].Gain))
	assert.Equal(t, first.Warnings, second.Warnings)
}

func TestSummaryGroupsByQuoteAsset(t *testing.T) {
	history := []models.Transaction{
		withQuote(tx(0, "2024-01-01", "buy", "BTC", "2"), "USD", "2000"),
		withQuote(tx(1, "2024-01-02", "buy", "ETH", "10"), "EUR", "1000"),
		withQuote(tx(2, "2024-02-01", "sell", "BTC", "1"), "USD", "1500"),
		withQuote(tx(3, "2024-02-02", "sell", "ETH", "5"), "EUR", "700"),
	}

	result := NewDisposalCalculator().Calculate(history)

	require.Len(t, result.Events, 2)
	usd := result.Summary.ByQuoteAsset["USD"]
	eur := result.Summary.ByQuoteAsset["EUR"]
	assert.True(t, usd.Gain.Equal(d("500")))
	assert.True(t, eur.Gain.Equal(d("200")))
	assert.True(t, result.Summary.Totals.Proceeds.Equal(d("2200")))
	assert.True(t, result.Summary.Totals.Gain.Equal(d("700")))
}

func TestSellTimestampPreservedOnEvent(t *testing.T) {
	ts := time.Date(2024, 5, 17, 9, 30, 0, 123456000, time.UTC)
	buy := withQuote(tx(0, "2024-01-01", "buy", "BTC", "1"), "USD", "100")
	sell := models.Transaction{
		Seq: 1, Timestamp: ts, Type: "sell", Kind: models.KindSell,
		BaseAsset: "BTC", BaseAmount: d("1"),
		QuoteAsset: "USD", QuoteAmount: decPtr("150"),
	}

	result := NewDisposalCalculator().Calculate([]models.Transaction{buy, sell})

	require.Len(t, result.Events, 1)
	assert.True(t, result.Events[0].Timestamp.Equal(ts))
}
