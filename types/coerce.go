// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package types

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Coerce converts v to t. Array types wrap a non-array value and coerce each
// element. A nil value stays nil.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t.IsArray() {
		return coerceArray(v, t.Elem())
	}

	switch t {
	case None, Object:
		return v, nil
	case String:
		return ToString(v), nil
	case Integer:
		return ToBigInt(v)
	case Number:
		return ToDecimal(v)
	case Boolean:
		b, ok := ToBool(v)
		if !ok {
			return nil, mismatch("cannot cast %T to boolean", v)
		}
		return b, nil
	}
	return nil, mismatch("unknown type %s", t)
}

// Apply coerces the result of a path or function to t. A scalar type picks
// the first element of a list result, or nil when it is empty.
func Apply(v any, t Type) (any, error) {
	if v == nil || t == None {
		return v, nil
	}
	if !t.IsArray() {
		if list, ok := v.([]any); ok {
			if len(list) == 0 {
				return nil, nil
			}
			v = list[0]
		}
	}
	return Coerce(v, t)
}

func coerceArray(v any, elem Type) (any, error) {
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	out := make([]any, len(list))
	for i, item := range list {
		c, err := Coerce(item, elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case *big.Int:
		return val.String()
	case decimal.Decimal:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, json.Marshaler:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}

func ToBigInt(v any) (*big.Int, error) {
	switch val := v.(type) {
	case *big.Int:
		return val, nil
	case int:
		return big.NewInt(int64(val)), nil
	case int64:
		return big.NewInt(val), nil
	case int32:
		return big.NewInt(int64(val)), nil
	case uint64:
		return new(big.Int).SetUint64(val), nil
	case float32:
		return floatToBigInt(float64(val))
	case float64:
		return floatToBigInt(val)
	case decimal.Decimal:
		return val.Round(0).BigInt(), nil
	case string:
		i, ok := new(big.Int).SetString(strings.TrimSpace(val), 10)
		if !ok {
			return nil, mismatch("cannot parse %q as integer", val)
		}
		return i, nil
	}
	return nil, mismatch("cannot cast %T to integer", v)
}

func floatToBigInt(f float64) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, mismatch("cannot cast %v to integer", f)
	}
	// math.Round rounds half away from zero
	i, _ := new(big.Float).SetFloat64(math.Round(f)).Int(nil)
	return i, nil
}

func ToDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, nil
	case *big.Int:
		return decimal.NewFromBigInt(val, 0), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case int32:
		return decimal.NewFromInt(int64(val)), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(val), 0), nil
	case float32:
		return floatToDecimal(float64(val))
	case float64:
		return floatToDecimal(val)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero, mismatch("cannot parse %q as number", val)
		}
		return d, nil
	}
	return decimal.Zero, mismatch("cannot cast %T to number", v)
}

func floatToDecimal(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, mismatch("cannot cast %v to number", f)
	}
	return decimal.NewFromFloat(f), nil
}

// ToBool reports the boolean meaning of v. Zero numerics and "false" are
// false, other numerics and "true" are true; ok is false for anything else.
func ToBool(v any) (b bool, ok bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int:
		return val != 0, true
	case int64:
		return val != 0, true
	case int32:
		return val != 0, true
	case uint64:
		return val != 0, true
	case float64:
		return val != 0, true
	case float32:
		return val != 0, true
	case *big.Int:
		return val.Sign() != 0, true
	case decimal.Decimal:
		return !val.IsZero(), true
	case string:
		switch {
		case strings.EqualFold(val, "true"):
			return true, true
		case strings.EqualFold(val, "false"):
			return false, true
		}
	}
	return false, false
}

// BoolOr is ToBool with a fallback for nil and non-boolean values.
func BoolOr(v any, def bool) bool {
	if b, ok := ToBool(v); ok {
		return b
	}
	return def
}
