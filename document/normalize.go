// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func init() {
	// decimals are JSON numbers, not strings
	decimal.MarshalJSONWithoutQuotes = true
}

// Decode parses JSON into context-native values: int64 for integers that fit,
// *big.Int for larger ones and float64 for everything else.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize converts a value tree into the representation the context
// stores. Only mappings (plain or *Object), lists, strings, booleans, int64, float64 and
// integers too large for int64 (as *big.Int) remain.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val
	case json.Number:
		return normalizeNumber(string(val))
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case int8:
		return int64(val)
	case uint:
		return normalizeBig(new(big.Int).SetUint64(uint64(val)))
	case uint64:
		return normalizeBig(new(big.Int).SetUint64(val))
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case *big.Int:
		return normalizeBig(val)
	case decimal.Decimal:
		f := val.InexactFloat64()
		if decimal.NewFromFloat(f).Equal(val) {
			return f
		}
		return val
	case *Object:
		out := NewObject(val.Len())
		for _, k := range val.Keys() {
			item, _ := val.ValueForKey(k)
			out.SetValueForKey(k, Normalize(item))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case map[string][]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	}
	return v
}

func normalizeBig(i *big.Int) any {
	if i.IsInt64() {
		return i.Int64()
	}
	return i
}

func normalizeNumber(s string) any {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if i, ok := new(big.Int).SetString(s, 10); ok {
			return i
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return f
}

// Encode renders v as JSON text. Objects keep their key order.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("error encoding JSON: %w", err)
	}
	return data, nil
}
