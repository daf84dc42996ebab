package transform

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/ttacon/libphonenumber"
)

// Finish normalizes a value headed for f's target column: the field's format first, then
// its length limit. Values the format cannot read pass through unchanged.
func Finish(f mapping.FieldMapping, value any) any {
	switch f.Format {
	case mapping.FormatText:
		if s, ok := NormalizeString(value); ok {
			value = s
		}
	case mapping.FormatEmail:
		if s, ok := NormalizeEmail(value); ok {
			value = s
		}
	case mapping.FormatPhone:
		if s, ok := NormalizePhone(value); ok {
			value = s
		}
	case mapping.FormatBoolean:
		if b, ok := ToBoolean(value); ok {
			value = b
		}
	case mapping.FormatNumber:
		if n, ok := ToNumber(value); ok {
			value = n
		}
	}
	if f.MaxLength > 0 {
		value = Truncate(value, f.MaxLength)
	}
	return value
}

// DefaultPhoneRegion is used when a phone number carries no country prefix.
var DefaultPhoneRegion = "US"

func NormalizeString(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// ToBoolean accepts booleans and the usual yes/no spellings.
func ToBoolean(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "y", "on":
			return true, true
		case "false", "no", "0", "n", "off":
			return false, true
		}
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	}
	return false, false
}

func ToNumber(value any) (float64, bool) {
	if n, ok := number(value); ok {
		return n, true
	}
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// Truncate cuts strings to max runes. Other values pass through.
func Truncate(value any, max int) any {
	s, ok := value.(string)
	if !ok || utf8.RuneCountInString(s) <= max {
		return value
	}
	return string([]rune(s)[:max])
}

// NormalizePhone formats a phone number as E.164. Numbers libphonenumber cannot parse are
// reduced to their digits and a leading plus.
func NormalizePhone(value any) (string, bool) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	if num, err := libphonenumber.Parse(s, DefaultPhoneRegion); err == nil && libphonenumber.IsValidNumber(num) {
		return libphonenumber.Format(num, libphonenumber.E164), true
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String(), b.Len() > 0
}

func NormalizeEmail(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(s)), true
}

// IsEmpty treats null, blank strings, empty lists and empty objects as empty.
func IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case json.RawMessage:
		return len(v) == 0 || string(v) == "null"
	}
	return false
}
