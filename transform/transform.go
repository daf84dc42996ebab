// Package transform converts single values and whole records between the two systems' schemas.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/shopspring/decimal"
)

// currencyKeys are the keys a currency object may carry its amount under, in lookup order.
var currencyKeys = []string{"value", "currency_value", "amount"}

// Apply runs one transform over a value.
func Apply(value any, kind mapping.TransformKind) (any, error) {
	switch k := kind.(type) {
	case nil, mapping.Direct:
		return value, nil
	case mapping.ExtractFirst:
		return extractFirst(value)
	case mapping.ExtractNested:
		return Extract(value, k.Path)
	case mapping.MapValue:
		return mapValue(value, k.Table), nil
	case mapping.CurrencyToNumber:
		return currencyToNumber(value)
	case mapping.CountryCodeToName:
		return countryCodeToName(value), nil
	case mapping.EmployeeRangeToNumber:
		return employeeRangeToNumber(value), nil
	case mapping.Custom:
		return nil, &UnsupportedTransformError{Name: k.Name}
	}
	return nil, fmt.Errorf("unknown transform %T", kind)
}

// Invert maps a value produced by kind back into the shape the source side stores.
// Lossy transforms (currency, employee range, nested extraction) write the value as-is.
func Invert(value any, kind mapping.TransformKind) (any, error) {
	switch k := kind.(type) {
	case nil, mapping.Direct, mapping.ExtractNested, mapping.CurrencyToNumber, mapping.EmployeeRangeToNumber:
		return value, nil
	case mapping.ExtractFirst:
		if _, ok := value.([]any); ok {
			return value, nil
		}
		return []any{value}, nil
	case mapping.MapValue:
		key, ok := scalarKey(value)
		if !ok {
			return value, nil
		}
		if from, ok := reverseKey(k.Table, key); ok {
			return from, nil
		}
		return value, nil
	case mapping.CountryCodeToName:
		return countryNameToCode(value), nil
	case mapping.Custom:
		return nil, &UnsupportedTransformError{Name: k.Name}
	}
	return nil, fmt.Errorf("unknown transform %T", kind)
}

// reverseKey finds the key mapped to value, the smallest one when several are.
func reverseKey(table map[string]string, value string) (string, bool) {
	var (
		best  string
		found bool
	)
	for from, to := range table {
		if to == value && (!found || from < best) {
			best, found = from, true
		}
	}
	return best, found
}

func extractFirst(value any) (any, error) {
	arr, ok := value.([]any)
	if !ok {
		return value, nil
	}
	if len(arr) == 0 {
		return nil, ErrEmptySequence
	}
	return arr[0], nil
}

func mapValue(value any, table map[string]string) any {
	key, ok := scalarKey(value)
	if !ok {
		return value
	}
	if mapped, ok := table[key]; ok {
		return mapped
	}
	return value
}

// scalarKey stringifies strings and numbers for table lookups.
func scalarKey(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

func currencyToNumber(value any) (any, error) {
	if n, ok := number(value); ok {
		return n, nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, ErrExpectedCurrencyShape
	}
	for _, key := range currencyKeys {
		if n, ok := number(obj[key]); ok {
			return n, nil
		}
	}
	return nil, ErrExpectedCurrencyShape
}

// number accepts numeric JSON values only; numeric strings are not currency amounts.
func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return 0, false
		}
		f, _ := d.Float64()
		return f, true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}

// employeeRangeToNumber turns "11-50" into 30, "500+" into 500 and "42" into 42.
// Anything unparsable becomes 0 so headcount stays numeric.
func employeeRangeToNumber(value any) any {
	if n, ok := number(value); ok {
		return int64(n)
	}
	s, ok := value.(string)
	if !ok {
		return int64(0)
	}
	return ParseEmployeeRange(s)
}

func ParseEmployeeRange(s string) int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	if strings.HasSuffix(s, "+") {
		n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, "+")), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	if low, high, found := strings.Cut(s, "-"); found {
		lo, err1 := strconv.ParseInt(strings.TrimSpace(low), 10, 64)
		hi, err2 := strconv.ParseInt(strings.TrimSpace(high), 10, 64)
		if err1 != nil || err2 != nil {
			return 0
		}
		return (lo + hi) / 2
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
