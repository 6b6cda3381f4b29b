package services

import (
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/parsers"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

const previewRows = 5

// storedTimeLayout is the fixed-width UTC rendering used for timestamps in
// sqlite TEXT columns. Fixed width keeps lexicographic order identical to
// chronological order, which ORDER BY and the manifest cutoff rely on.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type uploadServiceImpl struct {
	csvParser  parsers.CSVParser
	normalizer parsers.TransactionNormalizer
}

func NewUploadService(csvParser parsers.CSVParser, normalizer parsers.TransactionNormalizer) UploadService {
	return &uploadServiceImpl{csvParser: csvParser, normalizer: normalizer}
}

func (s *uploadServiceImpl) parseAndNormalize(fileReader io.Reader, filename string) (*UploadResult, []models.Transaction, error) {
	raw, err := s.csvParser.Parse(fileReader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	txs, validationErrors := s.normalizer.Normalize(raw)

	result := &UploadResult{
		Filename:    filename,
		TotalValid:  len(txs),
		TotalErrors: len(validationErrors),
		Errors:      validationErrors,
	}
	if result.Errors == nil {
		result.Errors = []parsers.ValidationError{}
	}
	return result, txs, nil
}

func (s *uploadServiceImpl) PreviewCSV(fileReader io.Reader, filename string) (*UploadResult, error) {
	result, txs, err := s.parseAndNormalize(fileReader, filename)
	if err != nil {
		return nil, err
	}
	if len(txs) > previewRows {
		result.Preview = txs[:previewRows]
	} else {
		result.Preview = txs
	}
	return result, nil
}

func (s *uploadServiceImpl) ImportCSV(fileReader io.Reader, filename string) (*UploadResult, error) {
	startTime := time.Now()
	logger.L.Info("ImportCSV START", "filename", filename)

	result, txs, err := s.parseAndNormalize(fileReader, filename)
	if err != nil {
		return nil, err
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("error beginning database transaction: %w", err)
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.Prepare(`INSERT INTO transactions
		(timestamp, type, base_asset, base_amount, quote_asset, quote_amount, fee_asset, fee_amount, fair_value, exchange, memo, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("error preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, tx := range txs {
		_, err := stmt.Exec(
			tx.Timestamp.UTC().Format(storedTimeLayout),
			tx.Type,
			tx.BaseAsset,
			utils.DecString(tx.BaseAmount),
			nullable(tx.QuoteAsset),
			nullableDec(tx.QuoteAmount),
			nullable(tx.FeeAsset),
			nullableDec(tx.FeeAmount),
			nullableDec(tx.FairValue),
			nullable(tx.Exchange),
			nullable(tx.Memo),
			tx.Hash,
		)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
				result.SkippedDuplicates++
				logger.L.Debug("Skipping duplicate transaction on import", "hash", tx.Hash)
				continue
			}
			return nil, fmt.Errorf("error inserting transaction (hash %s): %w", tx.Hash, err)
		}
		result.Inserted++
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing transactions: %w", err)
	}

	Audit("local-user", "import:csv", "transactions", filename, map[string]any{
		"inserted":           result.Inserted,
		"skipped_duplicates": result.SkippedDuplicates,
		"errors":             result.TotalErrors,
	})

	logger.L.Info("ImportCSV END", "filename", filename,
		"inserted", result.Inserted, "skippedDuplicates", result.SkippedDuplicates,
		"duration", time.Since(startTime))
	return result, nil
}

// GetTransactions loads the full history oldest-first. Sequence numbers
// follow insertion order (row id), which is the tie-break the calculator
// relies on for same-timestamp transactions.
func (s *uploadServiceImpl) GetTransactions() ([]models.Transaction, error) {
	rows, err := database.DB.Query(`
		SELECT id, timestamp, type, base_asset, base_amount, quote_asset, quote_amount,
		       fee_asset, fee_amount, fair_value, exchange, memo, hash
		FROM transactions
		ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("error querying transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	seq := int64(0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		tx.Seq = seq
		seq++
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (models.Transaction, error) {
	var tx models.Transaction
	var timestamp, baseAmount string
	var quoteAsset, quoteAmount, feeAsset, feeAmount, fairValue, exchange, memo sql.NullString

	if err := rows.Scan(&tx.ID, &timestamp, &tx.Type, &tx.BaseAsset, &baseAmount,
		&quoteAsset, &quoteAmount, &feeAsset, &feeAmount, &fairValue, &exchange, &memo, &tx.Hash); err != nil {
		return tx, fmt.Errorf("error scanning transaction: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return tx, fmt.Errorf("error parsing stored timestamp %q: %w", timestamp, err)
	}
	tx.Timestamp = ts.UTC()
	tx.Kind = models.ParseKind(tx.Type)

	tx.BaseAmount, err = decimal.NewFromString(baseAmount)
	if err != nil {
		return tx, fmt.Errorf("error parsing stored base_amount %q: %w", baseAmount, err)
	}
	tx.QuoteAsset = quoteAsset.String
	tx.FeeAsset = feeAsset.String
	tx.Exchange = exchange.String
	tx.Memo = memo.String

	if tx.QuoteAmount, err = parseNullableDec(quoteAmount, "quote_amount"); err != nil {
		return tx, err
	}
	if tx.FeeAmount, err = parseNullableDec(feeAmount, "fee_amount"); err != nil {
		return tx, err
	}
	if tx.FairValue, err = parseNullableDec(fairValue, "fair_value"); err != nil {
		return tx, err
	}
	return tx, nil
}

func parseNullableDec(value sql.NullString, field string) (*decimal.Decimal, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value.String)
	if err != nil {
		return nil, fmt.Errorf("error parsing stored %s %q: %w", field, value.String, err)
	}
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableDec(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return utils.DecString(*d)
}
