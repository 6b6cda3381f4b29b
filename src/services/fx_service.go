package services

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/audit"
	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/parsers"
	"github.com/username/cryptotaxcalc/backend/src/processors"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type fxServiceImpl struct{}

func NewFxService() FxService {
	return &fxServiceImpl{}
}

// ImportRates ingests an EURUSD rates CSV as a new FX batch. The batch
// records a content hash over the observations so a run manifest pins the
// exact rates it was computed with.
func (s *fxServiceImpl) ImportRates(fileReader io.Reader, source string) (*FxImportResult, error) {
	observations, rowErrors, err := parsers.ParseFxCSV(fileReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Date.Before(observations[j].Date)
	})

	ratesHash, err := ratesContentHash(observations)
	if err != nil {
		return nil, fmt.Errorf("error hashing rates batch: %w", err)
	}

	batchID := uuid.NewString()
	importedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)

	dbTx, err := database.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("error beginning database transaction: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.Exec(
		`INSERT INTO fx_batches (id, imported_at, source, rates_hash) VALUES (?, ?, ?, ?)`,
		batchID, importedAt, source, ratesHash,
	); err != nil {
		return nil, fmt.Errorf("error inserting fx batch: %w", err)
	}

	result := &FxImportResult{
		BatchID:   batchID,
		RatesHash: ratesHash,
		RowErrors: rowErrors,
	}
	if result.RowErrors == nil {
		result.RowErrors = []parsers.ValidationError{}
	}

	for _, obs := range observations {
		day := obs.Date.Format("2006-01-02")
		res, err := dbTx.Exec(
			`INSERT INTO fx_rates (date, usd_per_eur, batch_id) VALUES (?, ?, ?)
			 ON CONFLICT(date) DO UPDATE SET usd_per_eur=excluded.usd_per_eur, batch_id=excluded.batch_id`,
			day, utils.DecString(obs.Rate), batchID,
		)
		if err != nil {
			return nil, fmt.Errorf("error upserting fx rate for %s: %w", day, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	if len(observations) > 0 {
		result.ObservedFrom = observations[0].Date.Format("2006-01-02")
		result.ObservedTo = observations[len(observations)-1].Date.Format("2006-01-02")
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing fx batch: %w", err)
	}

	Audit("local-user", "fx:import", "fx_batches", batchID, map[string]any{
		"source":     source,
		"imported":   result.Imported,
		"rates_hash": ratesHash,
	})

	logger.L.Info("FX rates imported", "batchID", batchID, "imported", result.Imported, "source", source)
	return result, nil
}

// LoadRatesFromFile imports a startup rates file. Missing file is not
// fatal: events simply cannot be EUR-valued until rates are uploaded.
func (s *fxServiceImpl) LoadRatesFromFile(path string, source string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening fx rates file '%s': %w", path, err)
	}
	defer file.Close()

	result, err := s.ImportRates(file, source)
	if err != nil {
		return fmt.Errorf("error importing fx rates from '%s': %w", path, err)
	}
	logger.L.Info("Startup FX rates loaded", "path", path, "imported", result.Imported)
	return nil
}

// CurrentBatch returns the most recently imported FX batch, creating an
// empty placeholder batch when none exists yet so runs always have an FX
// identity to pin.
func (s *fxServiceImpl) CurrentBatch() (*models.FxBatch, error) {
	var batch models.FxBatch
	err := database.DB.QueryRow(
		`SELECT id, imported_at, source, rates_hash FROM fx_batches ORDER BY imported_at DESC, id DESC LIMIT 1`,
	).Scan(&batch.ID, &batch.ImportedAt, &batch.Source, &batch.RatesHash)
	if err == nil {
		return &batch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error loading current fx batch: %w", err)
	}

	batch = models.FxBatch{
		ID:         uuid.NewString(),
		ImportedAt: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Source:     "none",
		RatesHash:  "",
	}
	if _, insErr := database.DB.Exec(
		`INSERT INTO fx_batches (id, imported_at, source, rates_hash) VALUES (?, ?, ?, ?)`,
		batch.ID, batch.ImportedAt, batch.Source, batch.RatesHash,
	); insErr != nil {
		return nil, fmt.Errorf("error creating placeholder fx batch: %w", insErr)
	}
	return &batch, nil
}

// RateStore loads all stored observations into an in-memory store for one
// run's lookups.
func (s *fxServiceImpl) RateStore() (*processors.RateStore, error) {
	rows, err := database.DB.Query(`SELECT date, usd_per_eur FROM fx_rates ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("error querying fx rates: %w", err)
	}
	defer rows.Close()

	var observations []processors.RateObservation
	for rows.Next() {
		var day, rateStr string
		if err := rows.Scan(&day, &rateStr); err != nil {
			return nil, fmt.Errorf("error scanning fx rate: %w", err)
		}
		date, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("error parsing stored fx date %q: %w", day, err)
		}
		rate, err := decimal.NewFromString(rateStr)
		if err != nil {
			return nil, fmt.Errorf("error parsing stored fx rate %q: %w", rateStr, err)
		}
		observations = append(observations, processors.RateObservation{Date: date.UTC(), Rate: rate})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fx rates: %w", err)
	}
	return processors.NewRateStore(observations), nil
}

// ratesContentHash digests the date-ordered observations so two batches
// with the same rates share an identity.
func ratesContentHash(observations []parsers.FxObservation) (string, error) {
	entries := make([]any, len(observations))
	for i, obs := range observations {
		entries[i] = map[string]any{
			"date": obs.Date.Format("2006-01-02"),
			"rate": obs.Rate,
		}
	}
	return audit.DigestHex(entries)
}
