package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// TxKind is the canonical classification of a transaction.
type TxKind string

const (
	KindBuy      TxKind = "BUY"
	KindSell     TxKind = "SELL"
	KindIncome   TxKind = "INCOME"
	KindTransfer TxKind = "TRANSFER"
	KindUnknown  TxKind = "UNKNOWN"
)

// ParseKind maps a raw type string (and its common synonyms) to a TxKind.
// Unknown strings map to KindUnknown rather than failing, so the calculator
// can surface them as warnings instead of dropping rows silently.
func ParseKind(raw string) TxKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "purchase", "spot_buy":
		return KindBuy
	case "sell", "trade":
		return KindSell
	case "income":
		return KindIncome
	case "transfer", "transfer_in", "transfer_out":
		return KindTransfer
	default:
		return KindUnknown
	}
}

// RawTransaction is a single CSV row before validation. All fields are
// strings; the normalizer converts them to exact decimals. Keeping amounts
// as strings end-to-end is what guarantees binary floats never enter.
type RawTransaction struct {
	RowNumber   int    `json:"row_number"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	BaseAsset   string `json:"base_asset"`
	BaseAmount  string `json:"base_amount"`
	QuoteAsset  string `json:"quote_asset"`
	QuoteAmount string `json:"quote_amount"`
	FeeAsset    string `json:"fee_asset"`
	FeeAmount   string `json:"fee_amount"`
	FairValue   string `json:"fair_value"`
	Exchange    string `json:"exchange"`
	Memo        string `json:"memo"`
}

// Transaction is the normalized, validated shape used throughout the app.
// Amounts are exact decimals. Optional fields are pointers so "absent" is
// distinguishable from zero.
type Transaction struct {
	ID          int64            `json:"id,omitempty"`
	Seq         int64            `json:"seq"` // stable input sequence number, ties broken by this
	Timestamp   time.Time        `json:"timestamp"`
	Type        string           `json:"type"` // raw type string as supplied
	Kind        TxKind           `json:"kind"`
	BaseAsset   string           `json:"base_asset"`
	BaseAmount  decimal.Decimal  `json:"base_amount"`
	QuoteAsset  string           `json:"quote_asset,omitempty"`
	QuoteAmount *decimal.Decimal `json:"quote_amount,omitempty"`
	FeeAsset    string           `json:"fee_asset,omitempty"`
	FeeAmount   *decimal.Decimal `json:"fee_amount,omitempty"`
	FairValue   *decimal.Decimal `json:"fair_value,omitempty"`
	Exchange    string           `json:"exchange,omitempty"`
	Memo        string           `json:"memo,omitempty"`
	Hash        string           `json:"hash"`
}

// ContentHash computes a deterministic SHA-256 identity for the transaction
// from its content fields. Database row ids are not portable across
// environments; this hash is, and it also powers import deduplication.
func (t *Transaction) ContentHash() string {
	parts := []string{
		t.Timestamp.UTC().Format(time.RFC3339Nano),
		t.Type,
		t.BaseAsset,
		utils.DecString(t.BaseAmount),
		t.QuoteAsset,
		decPtrString(t.QuoteAmount),
		t.FeeAsset,
		decPtrString(t.FeeAmount),
		t.Exchange,
		t.Memo,
		decPtrString(t.FairValue),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func decPtrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return utils.DecString(*d)
}
