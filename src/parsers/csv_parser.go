package parsers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// Expected CSV columns (case-insensitive):
// timestamp,type,base_asset,base_amount,quote_asset,quote_amount,fee_asset,fee_amount,fair_value,exchange,memo
var requiredColumns = []string{"timestamp", "type", "base_asset", "base_amount"}

type csvParserImpl struct{}

func NewCSVParser() CSVParser {
	return &csvParserImpl{}
}

// Parse reads a transaction CSV into raw rows. Headers are matched
// case-insensitively and with surrounding whitespace stripped; missing
// optional columns simply produce empty fields.
func (p *csvParserImpl) Parse(file io.Reader) ([]models.RawTransaction, error) {
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("CSV has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, h := range header {
		colIndex[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("CSV is missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []models.RawTransaction
	rowNumber := 1 // header is row 1; data starts at 2
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV record after row %d: %w", rowNumber, err)
		}
		rowNumber++
		rows = append(rows, models.RawTransaction{
			RowNumber:   rowNumber,
			Timestamp:   field(record, "timestamp"),
			Type:        field(record, "type"),
			BaseAsset:   field(record, "base_asset"),
			BaseAmount:  field(record, "base_amount"),
			QuoteAsset:  field(record, "quote_asset"),
			QuoteAmount: field(record, "quote_amount"),
			FeeAsset:    field(record, "fee_asset"),
			FeeAmount:   field(record, "fee_amount"),
			FairValue:   field(record, "fair_value"),
			Exchange:    field(record, "exchange"),
			Memo:        field(record, "memo"),
		})
	}
	return rows, nil
}
