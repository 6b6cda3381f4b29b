package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/parsers"
	"github.com/username/cryptotaxcalc/backend/src/processors"
	"github.com/username/cryptotaxcalc/backend/src/rules"
	"github.com/username/cryptotaxcalc/backend/src/security"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	config.LoadConfig()

	dir, err := os.MkdirTemp("", "cryptotaxcalc-test-")
	if err != nil {
		panic(err)
	}
	database.InitDB(filepath.Join(dir, "test.db"))

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func resetTables(t *testing.T) {
	t.Helper()
	for _, table := range []string{"realized_events", "run_digests", "calc_runs", "fx_rates", "fx_batches", "transactions", "audit_log"} {
		_, err := database.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

func newTestCalcService() CalcService {
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	attestation := security.NewAttestationService(strings.Repeat("s", 32), time.Hour)
	return NewCalcService(
		uploadService,
		NewFxService(),
		processors.NewDisposalCalculator(),
		attestation,
		&MockRunNotifier{},
		cache.New(time.Minute, time.Minute),
	)
}

const historyCSV = `timestamp,type,base_asset,base_amount,quote_asset,quote_amount,fee_asset,fee_amount,fair_value,exchange,memo
2024-01-02T10:00:00Z,buy,BTC,1,USD,1000,USD,10,,Kraken,
2024-01-10T12:00:00Z,sell,BTC,0.5,USD,900,USD,5,,Kraken,
`

const ratesCSV = `date,rate
2024-01-02,1.1000
2024-01-09,1.0950
`

func TestImportCSVSkipsDuplicates(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())

	first, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, first.SkippedDuplicates)

	second, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.SkippedDuplicates)

	txs, err := uploadService.GetTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].BaseAmount.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, txs[1].FeeAmount)
	assert.True(t, txs[1].FeeAmount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(0), txs[0].Seq)
	assert.Equal(t, int64(1), txs[1].Seq)
}

func TestRunCalculationEndToEnd(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	_, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)

	fxService := NewFxService()
	fxResult, err := fxService.ImportRates(strings.NewReader(ratesCSV), "test rates")
	require.NoError(t, err)
	assert.Equal(t, 2, fxResult.Imported)
	assert.NotEmpty(t, fxResult.RatesHash)

	calcService := newTestCalcService()
	result, err := calcService.RunCalculation()
	require.NoError(t, err)

	// One sell: proceeds 900-5=895, cost 0.5*1010=505, gain 390 USD.
	require.Len(t, result.Events, 1)
	ev := result.Events[0]
	assert.True(t, ev.Proceeds.Equal(decimal.NewFromInt(895)))
	assert.True(t, ev.CostBasis.Equal(decimal.NewFromInt(505)))
	assert.True(t, ev.Gain.Equal(decimal.NewFromInt(390)))

	// The sell on the 10th converts at the carried-forward 01-09 rate.
	expectedGainEUR := processors.UsdToEur(decimal.NewFromInt(390), decimal.RequireFromString("1.0950"))
	assert.True(t, result.EurSummary.Totals.Gain.Equal(expectedGainEUR),
		"eur gain = %s, want %s", result.EurSummary.Totals.Gain, expectedGainEUR)

	assert.Len(t, result.Digests.InputHash, 64)
	assert.Len(t, result.Digests.OutputHash, 64)
	assert.Len(t, result.Digests.ManifestHash, 64)
	assert.NotEmpty(t, result.Attestation)

	// The cached latest result is the same run.
	cached, found := calcService.LatestResult()
	require.True(t, found)
	assert.Equal(t, result.RunID, cached.RunID)

	// The stored run carries the digest set.
	run, digests, err := calcService.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.Status)
	require.NotNil(t, digests)
	assert.Equal(t, result.Digests, *digests)
}

func TestVerifyRunDetectsTampering(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	_, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)

	calcService := newTestCalcService()
	result, err := calcService.RunCalculation()
	require.NoError(t, err)

	verification, err := calcService.VerifyRun(result.RunID)
	require.NoError(t, err)
	assert.True(t, verification.Match, "untouched run must verify clean")

	// Tamper with a stored output amount.
	_, err = database.DB.Exec(`UPDATE realized_events SET gain = '999999' WHERE run_id = ?`, result.RunID)
	require.NoError(t, err)

	verification, err = calcService.VerifyRun(result.RunID)
	require.NoError(t, err)
	assert.False(t, verification.Match)
	assert.Equal(t, verification.Stored.InputHash, verification.Recomputed.InputHash,
		"inputs were untouched; only the output digest drifts")
	assert.NotEqual(t, verification.Stored.OutputHash, verification.Recomputed.OutputHash)
}

func TestRunCalculationRerunSameInputsSameInputHash(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	_, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)

	calcService := newTestCalcService()
	first, err := calcService.RunCalculation()
	require.NoError(t, err)
	second, err := calcService.RunCalculation()
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Digests.InputHash, second.Digests.InputHash)
	assert.Equal(t, first.Digests.OutputHash, second.Digests.OutputHash)

	runs, err := calcService.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestVerifyRunUnknownRun(t *testing.T) {
	resetTables(t)
	calcService := newTestCalcService()

	_, err := calcService.VerifyRun("no-such-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDigests)

	_, _, err = calcService.GetRun("no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

const laterCSV = `timestamp,type,base_asset,base_amount,quote_asset,quote_amount
2099-01-01T00:00:00Z,buy,BTC,1,USD,500000
`

func TestVerifyRunUnaffectedByLaterImports(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	_, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)

	calcService := newTestCalcService()
	result, err := calcService.RunCalculation()
	require.NoError(t, err)

	verification, err := calcService.VerifyRun(result.RunID)
	require.NoError(t, err)
	require.True(t, verification.Match)

	// A later-dated import must not change the finished run's input set.
	_, err = uploadService.ImportCSV(strings.NewReader(laterCSV), "later.csv")
	require.NoError(t, err)

	verification, err = calcService.VerifyRun(result.RunID)
	require.NoError(t, err)
	assert.True(t, verification.Match, "finished run's inputs are unchanged; verification must stay clean")
	assert.Equal(t, result.Digests.InputHash, verification.Recomputed.InputHash)

	// The future-dated row sits past any run's finished-at cutoff, so even
	// a fresh run pins the same input set.
	second, err := calcService.RunCalculation()
	require.NoError(t, err)
	assert.Equal(t, result.Digests.InputHash, second.Digests.InputHash)
}

func TestRunMarkedFailedWhenPersistenceBreaks(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	_, err := uploadService.ImportCSV(strings.NewReader(historyCSV), "history.csv")
	require.NoError(t, err)

	calcService := newTestCalcService()

	_, err = database.DB.Exec(`ALTER TABLE realized_events RENAME TO realized_events_bak`)
	require.NoError(t, err)
	_, runErr := calcService.RunCalculation()
	_, err = database.DB.Exec(`ALTER TABLE realized_events_bak RENAME TO realized_events`)
	require.NoError(t, err)

	require.Error(t, runErr)

	runs, err := calcService.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	assert.NotEmpty(t, runs[0].FinishedAt)
}

func TestGetTransactionsSubSecondChronologicalOrder(t *testing.T) {
	resetTables(t)
	uploadService := NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())

	// The fractional-second row comes first in the file but is the later
	// instant; stored ordering must be chronological, not file order.
	csvData := `timestamp,type,base_asset,base_amount
2024-03-01T10:00:00.5Z,buy,BTC,2
2024-03-01T10:00:00Z,buy,BTC,1
`
	_, err := uploadService.ImportCSV(strings.NewReader(csvData), "subsecond.csv")
	require.NoError(t, err)

	txs, err := uploadService.GetTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].BaseAmount.Equal(decimal.NewFromInt(1)))
	assert.True(t, txs[1].BaseAmount.Equal(decimal.NewFromInt(2)))
	assert.True(t, txs[0].Timestamp.Before(txs[1].Timestamp))
	assert.Equal(t, int64(0), txs[0].Seq)
}

// exchangeVetoRule treats disposals on one exchange as out of scope.
type exchangeVetoRule struct{ veto string }

func (r exchangeVetoRule) IsTaxableDisposal(tx models.Transaction) bool {
	return tx.Exchange != r.veto
}

func (r exchangeVetoRule) ApplyExemptions(ev models.Realization, ctx rules.RunContext) decimal.Decimal {
	return ev.Gain
}

func (r exchangeVetoRule) FinalizeTaxableGain(gainEUR decimal.Decimal, ctx rules.RunContext) decimal.Decimal {
	return gainEUR
}

func TestTaxableGainSkipsRuleExcludedDisposals(t *testing.T) {
	taxed := models.Transaction{Hash: "hash-taxed", Kind: models.KindSell, Exchange: "Kraken"}
	vetoed := models.Transaction{Hash: "hash-vetoed", Kind: models.KindSell, Exchange: "otc"}

	events := []models.Realization{
		{TxHash: taxed.Hash, QuoteAsset: "EUR", Gain: decimal.NewFromInt(100)},
		{TxHash: vetoed.Hash, QuoteAsset: "EUR", Gain: decimal.NewFromInt(40)},
	}

	s := &calcServiceImpl{}
	total := s.taxableGainEUR(events, []models.Transaction{taxed, vetoed},
		exchangeVetoRule{veto: "otc"}, models.RunParams{}, nil)

	assert.True(t, total.Equal(decimal.NewFromInt(100)), "total = %s", total)
}
