package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/audit"
	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/processors"
	"github.com/username/cryptotaxcalc/backend/src/rules"
	"github.com/username/cryptotaxcalc/backend/src/security"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

const ckLatestRunResult = "res_latest_run_result"

type calcServiceImpl struct {
	uploadService UploadService
	fxService     FxService
	calculator    processors.Calculator
	attestation   *security.AttestationService
	notifier      RunNotifier
	resultCache   *cache.Cache
}

func NewCalcService(
	uploadService UploadService,
	fxService FxService,
	calculator processors.Calculator,
	attestation *security.AttestationService,
	notifier RunNotifier,
	resultCache *cache.Cache,
) CalcService {
	return &calcServiceImpl{
		uploadService: uploadService,
		fxService:     fxService,
		calculator:    calculator,
		attestation:   attestation,
		notifier:      notifier,
		resultCache:   resultCache,
	}
}

func runParamsFromConfig() models.RunParams {
	return models.RunParams{
		Jurisdiction:         config.Cfg.Jurisdiction,
		RuleVersion:          config.Cfg.RuleVersion,
		LotMethod:            config.Cfg.LotMethod,
		RoundingPolicy:       config.Cfg.RoundingPolicy,
		FeePolicy:            config.Cfg.FeePolicy,
		TzPolicy:             "UTC",
		HoldingExemptionDays: config.Cfg.HoldingExemptionDays,
		ItThresholdEUR:       config.Cfg.ItThresholdEUR,
	}
}

// validateParams rejects unsupported policies before any ledger mutation.
// Configuration errors are fatal for the run, unlike data gaps.
func validateParams(params models.RunParams) (rules.TaxRule, error) {
	if params.LotMethod != "FIFO" {
		return nil, fmt.Errorf("unsupported lot method %q", params.LotMethod)
	}
	if params.RoundingPolicy != "half_up_8dp" {
		return nil, fmt.Errorf("unsupported rounding policy %q", params.RoundingPolicy)
	}
	if params.FeePolicy != "quote_fee_reduces_proceeds" {
		return nil, fmt.Errorf("unsupported fee policy %q", params.FeePolicy)
	}
	rule, err := rules.RuleFor(params.Jurisdiction)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// RunCalculation replays the full stored history through the FIFO engine,
// values the outcome in EUR, persists the realized events and the run's
// digest set, and returns everything to the caller.
func (s *calcServiceImpl) RunCalculation() (*RunResult, error) {
	overallStartTime := time.Now()
	logger.L.Info("RunCalculation START")

	params := runParamsFromConfig()
	rule, err := validateParams(params)
	if err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}

	transactions, err := s.uploadService.GetTransactions()
	if err != nil {
		return nil, fmt.Errorf("error loading transactions: %w", err)
	}

	fxBatch, err := s.fxService.CurrentBatch()
	if err != nil {
		return nil, fmt.Errorf("error resolving fx batch: %w", err)
	}
	rateStore, err := s.fxService.RateStore()
	if err != nil {
		return nil, fmt.Errorf("error loading fx rates: %w", err)
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("error marshalling run params: %w", err)
	}

	if _, err := database.DB.Exec(
		`INSERT INTO calc_runs (id, status, started_at, jurisdiction, rule_version, lot_method, fx_set_id, params_json)
		 VALUES (?, 'running', ?, ?, ?, ?, ?, ?)`,
		runID, startedAt, params.Jurisdiction, params.RuleVersion, params.LotMethod, fxBatch.ID, string(paramsJSON),
	); err != nil {
		return nil, fmt.Errorf("error inserting calc run: %w", err)
	}

	// The run row must never stay 'running' after an aborted run.
	runCompleted := false
	defer func() {
		if !runCompleted {
			s.markRunFailed(runID)
		}
	}()

	calc := s.calculator.Calculate(transactions)
	eurSummary := processors.EurSummarize(calc.Events, rateStore)
	taxableGain := s.taxableGainEUR(calc.Events, transactions, rule, params, rateStore)

	if err := s.persistEvents(runID, calc.Events); err != nil {
		return nil, err
	}

	summaryJSON, err := json.Marshal(map[string]any{
		"summary":          calc.Summary,
		"eur_summary":      eurSummary,
		"taxable_gain_eur": taxableGain,
		"warnings":         calc.Warnings,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshalling run summary: %w", err)
	}

	finishedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if _, err := database.DB.Exec(
		`UPDATE calc_runs SET status='done', finished_at=?, summary_json=? WHERE id=?`,
		finishedAt, string(summaryJSON), runID,
	); err != nil {
		return nil, fmt.Errorf("error finalizing calc run: %w", err)
	}

	manifest, err := s.buildManifest(runID)
	if err != nil {
		return nil, fmt.Errorf("error building run manifest: %w", err)
	}
	digests, err := manifest.ComputeDigests()
	if err != nil {
		return nil, fmt.Errorf("error computing run digests: %w", err)
	}
	manifestJSON, err := manifest.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("error rendering canonical manifest: %w", err)
	}

	createdAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if _, err := database.DB.Exec(
		`INSERT INTO run_digests (run_id, input_hash, output_hash, manifest_hash, manifest_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			input_hash=excluded.input_hash,
			output_hash=excluded.output_hash,
			manifest_hash=excluded.manifest_hash,
			manifest_json=excluded.manifest_json,
			created_at=excluded.created_at`,
		runID, digests.InputHash, digests.OutputHash, digests.ManifestHash, string(manifestJSON), createdAt,
	); err != nil {
		return nil, fmt.Errorf("error persisting run digests: %w", err)
	}

	attestationToken := ""
	if s.attestation != nil {
		attestationToken, err = s.attestation.IssueRunToken(runID, digests)
		if err != nil {
			logger.L.Error("Failed to issue attestation token", "runID", runID, "error", err)
			attestationToken = ""
		}
	}

	result := &RunResult{
		RunID:          runID,
		Events:         calc.Events,
		Summary:        calc.Summary,
		EurSummary:     eurSummary,
		TaxableGainEUR: taxableGain,
		Warnings:       calc.Warnings,
		Digests:        digests,
		Attestation:    attestationToken,
	}
	s.resultCache.Set(ckLatestRunResult, result, cache.DefaultExpiration)

	Audit("local-user", "calc:run", "calc_runs", runID, map[string]any{
		"rule_version": params.RuleVersion,
		"fx_set_id":    fxBatch.ID,
		"events":       len(calc.Events),
	})

	if s.notifier != nil {
		if err := s.notifier.SendRunSummary(result); err != nil {
			logger.L.Warn("Run notification failed", "runID", runID, "error", err)
		}
	}

	runCompleted = true
	logger.L.Info("RunCalculation END", "runID", runID,
		"events", len(calc.Events), "warnings", len(calc.Warnings),
		"duration", time.Since(overallStartTime))
	return result, nil
}

func (s *calcServiceImpl) markRunFailed(runID string) {
	failedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if _, err := database.DB.Exec(
		`UPDATE calc_runs SET status='failed', finished_at=COALESCE(finished_at, ?) WHERE id=?`,
		failedAt, runID,
	); err != nil {
		logger.L.Error("Failed to mark calc run as failed", "runID", runID, "error", err)
	}
}

// taxableGainEUR applies the jurisdiction rule per event: events whose
// source transaction the rule deems non-taxable are skipped entirely,
// exemptions apply per match, and each taxable gain converts to EUR the
// same way the EUR summary does before the aggregate is finalized. Events
// that cannot be EUR-valued are left out; the EUR summary already carries
// the notes for them.
func (s *calcServiceImpl) taxableGainEUR(events []models.Realization, transactions []models.Transaction, rule rules.TaxRule, params models.RunParams, rateStore processors.RateSource) decimal.Decimal {
	txByHash := make(map[string]models.Transaction, len(transactions))
	for _, tx := range transactions {
		txByHash[tx.Hash] = tx
	}

	ctx := rules.RunContext{Params: params, TaxYear: time.Now().UTC().Year()}
	total := decimal.Zero
	for _, ev := range events {
		if src, ok := txByHash[ev.TxHash]; ok && !rule.IsTaxableDisposal(src) {
			continue
		}
		taxable := rule.ApplyExemptions(ev, ctx)
		switch ev.QuoteAsset {
		case "EUR":
			total = total.Add(taxable)
		case "USD", "USDT":
			if rate, ok := rateStore.RateFor(ev.Timestamp); ok {
				total = total.Add(processors.UsdToEur(taxable, rate))
			}
		}
	}
	return utils.RoundEur(rule.FinalizeTaxableGain(total, ctx))
}

func (s *calcServiceImpl) persistEvents(runID string, events []models.Realization) error {
	dbTx, err := database.DB.Begin()
	if err != nil {
		return fmt.Errorf("error beginning database transaction: %w", err)
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.Prepare(`INSERT INTO realized_events
		(run_id, timestamp, asset, qty_sold, proceeds, cost_basis, gain, quote_asset, fee_applied, matches_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("error preparing realized_events insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		matchesJSON, err := json.Marshal(ev.Matches)
		if err != nil {
			return fmt.Errorf("error marshalling matches: %w", err)
		}
		if _, err := stmt.Exec(
			runID,
			ev.Timestamp.UTC().Format(storedTimeLayout),
			ev.Asset,
			utils.DecString(ev.QuantitySold),
			utils.DecString(ev.Proceeds),
			utils.DecString(ev.CostBasis),
			utils.DecString(ev.Gain),
			ev.QuoteAsset,
			utils.DecString(ev.FeeApplied),
			string(matchesJSON),
		); err != nil {
			return fmt.Errorf("error inserting realized event: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("error committing realized events: %w", err)
	}
	return nil
}

// buildManifest rebuilds a run's manifest from storage. Both the original
// digest computation and later verification go through this same path, so
// any drift in stored inputs or outputs shows up as a digest mismatch.
func (s *calcServiceImpl) buildManifest(runID string) (*audit.Manifest, error) {
	run, err := s.loadRun(runID)
	if err != nil {
		return nil, err
	}

	var params models.RunParams
	if run.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(run.ParamsJSON), &params); err != nil {
			return nil, fmt.Errorf("error parsing stored run params: %w", err)
		}
	}

	fxBatch := models.FxBatch{}
	if run.FxBatchID != "" {
		err := database.DB.QueryRow(
			`SELECT id, imported_at, source, rates_hash FROM fx_batches WHERE id = ?`, run.FxBatchID,
		).Scan(&fxBatch.ID, &fxBatch.ImportedAt, &fxBatch.Source, &fxBatch.RatesHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("error loading fx batch: %w", err)
		}
	}

	inputHashes, err := s.loadInputHashes(run.FinishedAt)
	if err != nil {
		return nil, err
	}

	outputs, err := s.loadRealizedEvents(runID)
	if err != nil {
		return nil, err
	}

	runInfo := audit.RunInfo{
		ID:           run.ID,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Jurisdiction: run.Jurisdiction,
		RuleVersion:  run.RuleVersion,
		LotMethod:    run.LotMethod,
		FxBatchID:    run.FxBatchID,
		Params:       params,
	}
	return audit.NewManifest(runInfo, fxBatch, inputHashes, outputs), nil
}

// loadInputHashes returns the content identities of the run's input set,
// ordered by hash so the manifest does not depend on insertion order. The
// cutoff (the run's finish time) scopes the set to what the run could have
// seen; transactions imported later with later dates must not change a
// finished run's input identity.
func (s *calcServiceImpl) loadInputHashes(cutoff string) ([]string, error) {
	query := `SELECT hash FROM transactions ORDER BY hash`
	var args []any
	if cutoff != "" {
		if ts, err := time.Parse(time.RFC3339, cutoff); err == nil {
			cutoff = ts.UTC().Format(storedTimeLayout)
		}
		query = `SELECT hash FROM transactions WHERE timestamp <= ? ORDER BY hash`
		args = append(args, cutoff)
	}
	rows, err := database.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying transaction hashes: %w", err)
	}
	defer rows.Close()

	hashes := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("error scanning transaction hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *calcServiceImpl) loadRealizedEvents(runID string) ([]models.Realization, error) {
	rows, err := database.DB.Query(`
		SELECT timestamp, asset, qty_sold, proceeds, cost_basis, gain, quote_asset, fee_applied, matches_json
		FROM realized_events
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("error querying realized events: %w", err)
	}
	defer rows.Close()

	var events []models.Realization
	for rows.Next() {
		var ev models.Realization
		var timestamp, qtySold, proceeds, costBasis, gain, feeApplied string
		var quoteAsset, matchesJSON sql.NullString
		if err := rows.Scan(&timestamp, &ev.Asset, &qtySold, &proceeds, &costBasis, &gain,
			&quoteAsset, &feeApplied, &matchesJSON); err != nil {
			return nil, fmt.Errorf("error scanning realized event: %w", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("error parsing stored event timestamp %q: %w", timestamp, err)
		}
		ev.Timestamp = ts.UTC()
		ev.QuoteAsset = quoteAsset.String

		if ev.QuantitySold, err = decimal.NewFromString(qtySold); err != nil {
			return nil, fmt.Errorf("error parsing stored qty_sold %q: %w", qtySold, err)
		}
		if ev.Proceeds, err = decimal.NewFromString(proceeds); err != nil {
			return nil, fmt.Errorf("error parsing stored proceeds %q: %w", proceeds, err)
		}
		if ev.CostBasis, err = decimal.NewFromString(costBasis); err != nil {
			return nil, fmt.Errorf("error parsing stored cost_basis %q: %w", costBasis, err)
		}
		if ev.Gain, err = decimal.NewFromString(gain); err != nil {
			return nil, fmt.Errorf("error parsing stored gain %q: %w", gain, err)
		}
		if ev.FeeApplied, err = decimal.NewFromString(feeApplied); err != nil {
			return nil, fmt.Errorf("error parsing stored fee_applied %q: %w", feeApplied, err)
		}
		if matchesJSON.Valid && matchesJSON.String != "" {
			if err := json.Unmarshal([]byte(matchesJSON.String), &ev.Matches); err != nil {
				return nil, fmt.Errorf("error parsing stored matches: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *calcServiceImpl) loadRun(runID string) (*models.CalcRun, error) {
	var run models.CalcRun
	var finishedAt, jurisdiction, ruleVersion, lotMethod, fxSetID, paramsJSON, summaryJSON sql.NullString
	err := database.DB.QueryRow(
		`SELECT id, status, started_at, finished_at, jurisdiction, rule_version, lot_method, fx_set_id, params_json, summary_json
		 FROM calc_runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.Status, &run.StartedAt, &finishedAt, &jurisdiction, &ruleVersion, &lotMethod, &fxSetID, &paramsJSON, &summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading calc run: %w", err)
	}
	run.FinishedAt = finishedAt.String
	run.Jurisdiction = jurisdiction.String
	run.RuleVersion = ruleVersion.String
	run.LotMethod = lotMethod.String
	run.FxBatchID = fxSetID.String
	run.ParamsJSON = paramsJSON.String
	run.SummaryJSON = summaryJSON.String
	return &run, nil
}

func (s *calcServiceImpl) GetRun(runID string) (*models.CalcRun, *models.DigestSet, error) {
	run, err := s.loadRun(runID)
	if err != nil {
		return nil, nil, err
	}
	digests, err := s.loadDigests(runID)
	if err != nil {
		if errors.Is(err, ErrNoDigests) {
			return run, nil, nil
		}
		return nil, nil, err
	}
	return run, digests, nil
}

func (s *calcServiceImpl) ListRuns() ([]models.CalcRun, error) {
	rows, err := database.DB.Query(
		`SELECT id, status, started_at, finished_at, jurisdiction, rule_version, lot_method, fx_set_id, params_json, summary_json
		 FROM calc_runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("error querying calc runs: %w", err)
	}
	defer rows.Close()

	runs := []models.CalcRun{}
	for rows.Next() {
		var run models.CalcRun
		var finishedAt, jurisdiction, ruleVersion, lotMethod, fxSetID, paramsJSON, summaryJSON sql.NullString
		if err := rows.Scan(&run.ID, &run.Status, &run.StartedAt, &finishedAt, &jurisdiction,
			&ruleVersion, &lotMethod, &fxSetID, &paramsJSON, &summaryJSON); err != nil {
			return nil, fmt.Errorf("error scanning calc run: %w", err)
		}
		run.FinishedAt = finishedAt.String
		run.Jurisdiction = jurisdiction.String
		run.RuleVersion = ruleVersion.String
		run.LotMethod = lotMethod.String
		run.FxBatchID = fxSetID.String
		run.ParamsJSON = paramsJSON.String
		run.SummaryJSON = summaryJSON.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *calcServiceImpl) loadDigests(runID string) (*models.DigestSet, error) {
	var digests models.DigestSet
	err := database.DB.QueryRow(
		`SELECT input_hash, output_hash, manifest_hash FROM run_digests WHERE run_id = ?`, runID,
	).Scan(&digests.InputHash, &digests.OutputHash, &digests.ManifestHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoDigests, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading run digests: %w", err)
	}
	return &digests, nil
}

// VerifyRun recomputes the run's digests from a freshly rebuilt manifest
// and compares them to the stored set. A mismatch is a structured result,
// not an error.
func (s *calcServiceImpl) VerifyRun(runID string) (*models.VerificationResult, error) {
	stored, err := s.loadDigests(runID)
	if err != nil {
		return nil, err
	}

	manifest, err := s.buildManifest(runID)
	if err != nil {
		return nil, fmt.Errorf("error rebuilding manifest: %w", err)
	}
	recomputed, err := manifest.ComputeDigests()
	if err != nil {
		return nil, fmt.Errorf("error recomputing digests: %w", err)
	}

	result := audit.Verify(runID, *stored, recomputed)
	Audit("local-user", "audit:verify", "calc_runs", runID, map[string]any{
		"match": result.Match,
	})
	if !result.Match {
		logger.L.Warn("Run digest mismatch detected", "runID", runID,
			"storedManifestHash", stored.ManifestHash,
			"recomputedManifestHash", recomputed.ManifestHash)
	}
	return &result, nil
}

func (s *calcServiceImpl) LatestResult() (*RunResult, bool) {
	if cached, found := s.resultCache.Get(ckLatestRunResult); found {
		if result, ok := cached.(*RunResult); ok {
			return result, true
		}
	}
	return nil, false
}
