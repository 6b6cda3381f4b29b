package models

import "github.com/shopspring/decimal"

// RunParams are the configuration knobs frozen into a calculation run.
// They are part of the input identity: changing any of them changes the
// input hash.
type RunParams struct {
	Jurisdiction         string          `json:"jurisdiction"`
	RuleVersion          string          `json:"rule_version"`
	LotMethod            string          `json:"lot_method"`
	RoundingPolicy       string          `json:"rounding"`
	FeePolicy            string          `json:"fee_policy"`
	TzPolicy             string          `json:"tz_policy"`
	HoldingExemptionDays int             `json:"holding_exemption_days"`
	ItThresholdEUR       decimal.Decimal `json:"it_threshold_eur"`
}

// CalcRun is one recorded calculation run. IDs are UUID strings so they
// stay meaningful when a database is copied between environments.
type CalcRun struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
	Jurisdiction string `json:"jurisdiction"`
	RuleVersion  string `json:"rule_version"`
	LotMethod    string `json:"lot_method"`
	FxBatchID    string `json:"fx_set_id,omitempty"`
	ParamsJSON   string `json:"-"`
	SummaryJSON  string `json:"-"`
}

// FxBatch identifies one imported set of FX observations. Its RatesHash
// ties a run to the exact rates it used.
type FxBatch struct {
	ID         string `json:"id"`
	ImportedAt string `json:"imported_at"`
	Source     string `json:"source"`
	RatesHash  string `json:"rates_hash"`
}

// DigestSet is the three SHA-256 hex digests derived from a run manifest.
type DigestSet struct {
	InputHash    string `json:"input_hash"`
	OutputHash   string `json:"output_hash"`
	ManifestHash string `json:"manifest_hash"`
}

// VerificationResult is the structured outcome of recomputing a run's
// digests and comparing them to the stored set. A mismatch is an expected,
// meaningful outcome, not an error.
type VerificationResult struct {
	RunID      string    `json:"run_id"`
	Match      bool      `json:"match"`
	Stored     DigestSet `json:"stored"`
	Recomputed DigestSet `json:"recomputed"`
}
