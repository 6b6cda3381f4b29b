package parsers

import (
	"io"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// CSVParser reads an uploaded transaction CSV into raw string rows.
type CSVParser interface {
	Parse(file io.Reader) ([]models.RawTransaction, error)
}

// TransactionNormalizer validates and coerces raw rows into canonical
// transactions, reporting per-row validation errors without aborting the
// batch.
type TransactionNormalizer interface {
	Normalize(raw []models.RawTransaction) ([]models.Transaction, []ValidationError)
}
