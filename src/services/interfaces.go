package services

import (
	"errors"
	"io"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/parsers"
	"github.com/username/cryptotaxcalc/backend/src/processors"
)

var (
	ErrParsingFailed = errors.New("parsing failed")
	ErrRunNotFound   = errors.New("calculation run not found")
	ErrNoDigests     = errors.New("no stored digests for run")
)

// UploadResult reports one CSV preview or import.
type UploadResult struct {
	Filename          string                    `json:"filename"`
	TotalValid        int                       `json:"total_valid"`
	TotalErrors       int                       `json:"total_errors"`
	Inserted          int                       `json:"inserted,omitempty"`
	SkippedDuplicates int                       `json:"skipped_duplicates,omitempty"`
	Preview           []models.Transaction      `json:"preview_first_5,omitempty"`
	Errors            []parsers.ValidationError `json:"errors"`
}

// UploadService ingests transaction CSVs.
type UploadService interface {
	// PreviewCSV parses and validates without persisting anything.
	PreviewCSV(fileReader io.Reader, filename string) (*UploadResult, error)
	// ImportCSV persists valid rows, skipping content-hash duplicates.
	ImportCSV(fileReader io.Reader, filename string) (*UploadResult, error)
	// GetTransactions returns the stored history, oldest first, with
	// stable sequence numbers assigned.
	GetTransactions() ([]models.Transaction, error)
}

// RunResult is everything one calculation run returns to the caller.
type RunResult struct {
	RunID          string               `json:"run_id"`
	Events         []models.Realization `json:"events"`
	Summary        models.Summary       `json:"summary"`
	EurSummary     models.EurSummary    `json:"eur_summary"`
	TaxableGainEUR decimal.Decimal      `json:"taxable_gain_eur"`
	Warnings       []string             `json:"warnings"`
	Digests        models.DigestSet     `json:"digests"`
	Attestation    string               `json:"attestation,omitempty"`
}

// CalcService runs calculations and answers verification requests.
type CalcService interface {
	RunCalculation() (*RunResult, error)
	GetRun(runID string) (*models.CalcRun, *models.DigestSet, error)
	ListRuns() ([]models.CalcRun, error)
	VerifyRun(runID string) (*models.VerificationResult, error)
	LatestResult() (*RunResult, bool)
}

// FxImportResult reports one FX batch import.
type FxImportResult struct {
	BatchID      string                    `json:"batch_id"`
	Imported     int                       `json:"imported"`
	Skipped      int                       `json:"skipped"`
	RatesHash    string                    `json:"rates_hash"`
	RowErrors    []parsers.ValidationError `json:"row_errors"`
	ObservedFrom string                    `json:"observed_from,omitempty"`
	ObservedTo   string                    `json:"observed_to,omitempty"`
}

// FxService imports FX observations and serves them to calculations.
type FxService interface {
	ImportRates(fileReader io.Reader, source string) (*FxImportResult, error)
	LoadRatesFromFile(path string, source string) error
	CurrentBatch() (*models.FxBatch, error)
	RateStore() (*processors.RateStore, error)
}
