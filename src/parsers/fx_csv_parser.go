package parsers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FxObservation is one daily EURUSD observation from an ECB-style CSV
// export (columns: date, rate; the rate is how many USD one EUR buys).
type FxObservation struct {
	Date time.Time
	Rate decimal.Decimal
}

// ParseFxCSV reads a rates CSV with a "date,rate" header. Rows with an
// unparsable date or a non-numeric rate are reported and skipped; the rest
// of the file is still imported.
func ParseFxCSV(file io.Reader) ([]FxObservation, []ValidationError, error) {
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("FX CSV has no header row")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error reading FX CSV header: %w", err)
	}

	dateIdx, rateIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "date", "time_period":
			dateIdx = i
		case "rate", "usd_per_eur", "obs_value":
			rateIdx = i
		}
	}
	if dateIdx < 0 || rateIdx < 0 {
		return nil, nil, fmt.Errorf("FX CSV must have 'date' and 'rate' columns")
	}

	var obs []FxObservation
	var errs []ValidationError
	rowNumber := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("error reading FX CSV record after row %d: %w", rowNumber, err)
		}
		rowNumber++

		if dateIdx >= len(record) || rateIdx >= len(record) {
			errs = append(errs, ValidationError{Row: rowNumber, Field: "record", Message: "too few columns"})
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSpace(record[dateIdx]))
		if err != nil {
			errs = append(errs, ValidationError{Row: rowNumber, Field: "date", Message: fmt.Sprintf("unrecognized date %q", record[dateIdx])})
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[rateIdx]))
		if err != nil {
			errs = append(errs, ValidationError{Row: rowNumber, Field: "rate", Message: fmt.Sprintf("non-numeric rate %q", record[rateIdx])})
			continue
		}
		obs = append(obs, FxObservation{Date: day.UTC(), Rate: rate})
	}
	return obs, errs, nil
}
