package audit

import (
	"time"

	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// RunInfo is the run block of a manifest: everything about the
// computation's configuration frozen at run time.
type RunInfo struct {
	ID           string
	StartedAt    string
	FinishedAt   string
	Jurisdiction string
	RuleVersion  string
	LotMethod    string
	FxBatchID    string
	Params       models.RunParams
}

// Manifest is the canonical snapshot of one computation run: parameters,
// the FX batch identity, the ordered input transaction content hashes, and
// the realized events. Built fresh per request and never mutated after
// hashing.
type Manifest struct {
	Run           RunInfo
	FxBatch       models.FxBatch
	InputTxHashes []string // sorted; content hashes, not row ids
	Outputs       []models.Realization
}

// NewManifest assembles a manifest from a run's pieces.
func NewManifest(run RunInfo, fx models.FxBatch, inputHashes []string, outputs []models.Realization) *Manifest {
	return &Manifest{Run: run, FxBatch: fx, InputTxHashes: inputHashes, Outputs: outputs}
}

func (m *Manifest) paramsMap() map[string]any {
	return map[string]any{
		"jurisdiction":           m.Run.Params.Jurisdiction,
		"rule_version":           m.Run.Params.RuleVersion,
		"lot_method":             m.Run.Params.LotMethod,
		"rounding":               m.Run.Params.RoundingPolicy,
		"fee_policy":             m.Run.Params.FeePolicy,
		"tz_policy":              m.Run.Params.TzPolicy,
		"holding_exemption_days": m.Run.Params.HoldingExemptionDays,
		"it_threshold_eur":       m.Run.Params.ItThresholdEUR,
	}
}

func (m *Manifest) fxMap() map[string]any {
	return map[string]any{
		"id":          m.FxBatch.ID,
		"imported_at": m.FxBatch.ImportedAt,
		"source":      m.FxBatch.Source,
		"rates_hash":  m.FxBatch.RatesHash,
	}
}

// inputSection covers run parameters, FX batch identity and the ordered
// input transaction identities.
func (m *Manifest) inputSection() map[string]any {
	return map[string]any{
		"run_params":   m.paramsMap(),
		"rule_version": m.Run.RuleVersion,
		"lot_method":   m.Run.LotMethod,
		"jurisdiction": m.Run.Jurisdiction,
		"fx":           m.fxMap(),
		"input_hashes": m.InputTxHashes,
	}
}

// outputSection covers only the realized-events list.
func (m *Manifest) outputSection() []any {
	outputs := make([]any, len(m.Outputs))
	for i, ev := range m.Outputs {
		outputs[i] = realizationMap(ev)
	}
	return outputs
}

// fullMap covers the whole manifest.
func (m *Manifest) fullMap() map[string]any {
	return map[string]any{
		"run": map[string]any{
			"id":           m.Run.ID,
			"started_at":   m.Run.StartedAt,
			"finished_at":  m.Run.FinishedAt,
			"jurisdiction": m.Run.Jurisdiction,
			"rule_version": m.Run.RuleVersion,
			"lot_method":   m.Run.LotMethod,
			"fx_set_id":    m.Run.FxBatchID,
			"params":       m.paramsMap(),
		},
		"fx_batch": m.fxMap(),
		"inputs": map[string]any{
			"transactions_hashes_ordered": m.InputTxHashes,
		},
		"outputs": m.outputSection(),
	}
}

// CanonicalJSON returns the canonical byte rendering of the full manifest.
// Two runs over identical inputs and parameters produce byte-identical
// canonical manifests.
func (m *Manifest) CanonicalJSON() ([]byte, error) {
	return Canonicalize(m.fullMap())
}

// ComputeDigests derives the three digests from the manifest.
func (m *Manifest) ComputeDigests() (models.DigestSet, error) {
	inputHash, err := DigestHex(m.inputSection())
	if err != nil {
		return models.DigestSet{}, err
	}
	outputHash, err := DigestHex(m.outputSection())
	if err != nil {
		return models.DigestSet{}, err
	}
	manifestHash, err := DigestHex(m.fullMap())
	if err != nil {
		return models.DigestSet{}, err
	}
	return models.DigestSet{
		InputHash:    inputHash,
		OutputHash:   outputHash,
		ManifestHash: manifestHash,
	}, nil
}

// Verify compares a stored digest set against a freshly recomputed one.
// A mismatch means the inputs changed, the code changed behavior, or
// storage was tampered with; the result cannot distinguish which, only
// that drift occurred.
func Verify(runID string, stored, recomputed models.DigestSet) models.VerificationResult {
	return models.VerificationResult{
		RunID: runID,
		Match: stored.InputHash == recomputed.InputHash &&
			stored.OutputHash == recomputed.OutputHash &&
			stored.ManifestHash == recomputed.ManifestHash,
		Stored:     stored,
		Recomputed: recomputed,
	}
}

func realizationMap(ev models.Realization) map[string]any {
	matches := make([]any, len(ev.Matches))
	for i, m := range ev.Matches {
		acquired := ""
		if !m.AcquiredAt.IsZero() {
			acquired = m.AcquiredAt.UTC().Format(time.RFC3339Nano)
		}
		matches[i] = map[string]any{
			"from_qty":          utils.DecString(m.QuantityTaken),
			"lot_cost_per_unit": utils.DecString(m.UnitCost),
			"lot_cost_total":    utils.DecString(m.TotalCost),
			"acquired_at":       acquired,
		}
	}
	return map[string]any{
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"asset":       ev.Asset,
		"qty_sold":    utils.DecString(ev.QuantitySold),
		"proceeds":    utils.DecString(ev.Proceeds),
		"cost_basis":  utils.DecString(ev.CostBasis),
		"gain":        utils.DecString(ev.Gain),
		"quote_asset": ev.QuoteAsset,
		"fee_applied": utils.DecString(ev.FeeApplied),
		"matches":     matches,
	}
}
