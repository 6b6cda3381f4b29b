package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxcalc/backend/src/utils"
)

// Canonicalize renders a nested structure of maps, slices and scalars as
// canonical JSON bytes: mapping keys sorted lexicographically at every
// level, decimals in minimal exact string form, no insignificant
// whitespace. Two semantically identical structures always canonicalize to
// the same bytes, which is the property every digest depends on.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order and compact output.
	return json.Marshal(normalized)
}

// DigestHex is the SHA-256 of the canonical form, hex encoded.
func DigestHex(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return utils.DecString(t), nil
	case *decimal.Decimal:
		if t == nil {
			return nil, nil
		}
		return utils.DecString(*t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			normalizedVal, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = normalizedVal
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			normalizedVal, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = normalizedVal
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case string, bool, int, int64, float64, json.Number:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
	}
}
