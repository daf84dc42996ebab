package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// TransformKind is the closed set of value transforms a field mapping can name.
// Only the types in this file implement it; the transform package switches over them exhaustively.
type TransformKind interface {
	Kind() string
	isTransformKind()
}

type Direct struct{}

type ExtractFirst struct{}

// ExtractNested walks Path (dot segments, optional [i] per segment) inside the value.
type ExtractNested struct {
	Path string
}

// MapValue remaps a scalar through Table. Misses pass through unchanged.
type MapValue struct {
	Table map[string]string
}

type CurrencyToNumber struct{}

type CountryCodeToName struct{}

type EmployeeRangeToNumber struct{}

// Custom names a transform that has no implementation. Applying it always fails.
type Custom struct {
	Name string
}

func (Direct) Kind() string { return "direct" }
func (ExtractFirst) Kind() string { return "extract_first" }
func (ExtractNested) Kind() string { return "extract_nested" }
func (MapValue) Kind() string { return "map_value" }
func (CurrencyToNumber) Kind() string { return "currency_to_number" }
func (CountryCodeToName) Kind() string { return "country_code_to_name" }
func (EmployeeRangeToNumber) Kind() string { return "employee_range_to_number" }
func (Custom) Kind() string { return "custom" }

func (Direct) isTransformKind() {}
func (ExtractFirst) isTransformKind() {}
func (ExtractNested) isTransformKind() {}
func (MapValue) isTransformKind() {}
func (CurrencyToNumber) isTransformKind() {}
func (CountryCodeToName) isTransformKind() {}
func (EmployeeRangeToNumber) isTransformKind() {}
func (Custom) isTransformKind() {}

// transformSpec is the flat wire shape of a TransformKind in YAML and JSON documents.
type transformSpec struct {
	Type  string            `yaml:"type" json:"type"`
	Path  string            `yaml:"path,omitempty" json:"path,omitempty"`
	Table map[string]string `yaml:"table,omitempty" json:"table,omitempty"`
	Name  string            `yaml:"name,omitempty" json:"name,omitempty"`
}

func specOf(k TransformKind) transformSpec {
	switch t := k.(type) {
	case nil:
		return transformSpec{Type: Direct{}.Kind()}
	case ExtractNested:
		return transformSpec{Type: t.Kind(), Path: t.Path}
	case MapValue:
		return transformSpec{Type: t.Kind(), Table: t.Table}
	case Custom:
		return transformSpec{Type: t.Kind(), Name: t.Name}
	default:
		return transformSpec{Type: k.Kind()}
	}
}

func (s transformSpec) kind() (TransformKind, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "", "direct":
		return Direct{}, nil
	case "extract_first":
		return ExtractFirst{}, nil
	case "extract_nested":
		return ExtractNested{Path: s.Path}, nil
	case "map_value":
		table := make(map[string]string, len(s.Table))
		for k, v := range s.Table {
			table[k] = v
		}
		return MapValue{Table: table}, nil
	case "currency_to_number":
		return CurrencyToNumber{}, nil
	case "country_code_to_name":
		return CountryCodeToName{}, nil
	case "employee_range_to_number":
		return EmployeeRangeToNumber{}, nil
	case "custom":
		return Custom{Name: s.Name}, nil
	}
	return nil, fmt.Errorf("unknown transform type %q", s.Type)
}

// TransformNames lists every transform type accepted in mapping files.
func TransformNames() []string {
	names := []string{
		Direct{}.Kind(), ExtractFirst{}.Kind(), ExtractNested{}.Kind(), MapValue{}.Kind(),
		CurrencyToNumber{}.Kind(), CountryCodeToName{}.Kind(), EmployeeRangeToNumber{}.Kind(), Custom{}.Kind(),
	}
	sort.Strings(names)
	return names
}
