package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// ValidationError describes one malformed field of one row. Batch callers
// collect these per row and keep going; a bad row never aborts an import.
type ValidationError struct {
	Row     int    `json:"row_number"`
	Field   string `json:"field"`
	Message string `json:"error"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.Row, e.Field, e.Message)
}

// Timestamp layouts accepted on input. Everything is normalized to UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type transactionNormalizerImpl struct{}

func NewTransactionNormalizer() TransactionNormalizer {
	return &transactionNormalizerImpl{}
}

// Normalize validates and coerces raw rows into canonical transactions.
// Pure function: no I/O, no shared state. Rows with any validation error
// are excluded from the result; every error carries the row number and the
// offending field so callers can report per-row problems.
func (n *transactionNormalizerImpl) Normalize(raw []models.RawTransaction) ([]models.Transaction, []ValidationError) {
	var txs []models.Transaction
	var errs []ValidationError

	seq := int64(0)
	for _, row := range raw {
		tx, rowErrs := normalizeRow(row)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}
		tx.Seq = seq
		tx.Hash = tx.ContentHash()
		txs = append(txs, tx)
		seq++
	}
	return txs, errs
}

func normalizeRow(row models.RawTransaction) (models.Transaction, []ValidationError) {
	var errs []ValidationError
	fail := func(field, message string) {
		errs = append(errs, ValidationError{Row: row.RowNumber, Field: field, Message: message})
	}

	var tx models.Transaction

	if row.Timestamp == "" {
		fail("timestamp", "missing required field")
	} else {
		ts, err := parseTimestamp(row.Timestamp)
		if err != nil {
			fail("timestamp", fmt.Sprintf("unrecognized timestamp %q", row.Timestamp))
		} else {
			tx.Timestamp = ts
		}
	}

	if row.Type == "" {
		fail("type", "missing required field")
	} else {
		tx.Type = strings.TrimSpace(row.Type)
		tx.Kind = models.ParseKind(tx.Type)
	}

	if row.BaseAsset == "" {
		fail("base_asset", "missing required field")
	} else {
		tx.BaseAsset = strings.ToUpper(strings.TrimSpace(row.BaseAsset))
	}

	if row.BaseAmount == "" {
		fail("base_amount", "missing required field")
	} else {
		amount, err := decimal.NewFromString(row.BaseAmount)
		switch {
		case err != nil:
			fail("base_amount", fmt.Sprintf("non-numeric amount %q", row.BaseAmount))
		case amount.Sign() <= 0:
			fail("base_amount", "must be positive")
		default:
			tx.BaseAmount = amount
		}
	}

	tx.QuoteAsset = strings.ToUpper(strings.TrimSpace(row.QuoteAsset))
	if d, ok := optionalDecimal(row.QuoteAmount, "quote_amount", fail); ok {
		tx.QuoteAmount = d
	}

	tx.FeeAsset = strings.ToUpper(strings.TrimSpace(row.FeeAsset))
	if d, ok := optionalDecimal(row.FeeAmount, "fee_amount", fail); ok {
		tx.FeeAmount = d
	}

	if d, ok := optionalDecimal(row.FairValue, "fair_value", fail); ok {
		tx.FairValue = d
	}

	tx.Exchange = strings.TrimSpace(row.Exchange)
	tx.Memo = strings.TrimSpace(row.Memo)

	return tx, errs
}

// optionalDecimal parses an optional amount field. Empty means absent.
// Returns ok=false when the field is present but malformed (an error was
// recorded) or absent.
func optionalDecimal(value, field string, fail func(field, message string)) (*decimal.Decimal, bool) {
	if value == "" {
		return nil, false
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		fail(field, fmt.Sprintf("non-numeric amount %q", value))
		return nil, false
	}
	return &d, true
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", value)
}
