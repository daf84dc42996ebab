package transform

import (
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmployeeRangeToNumber(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{"11-50", 30},
		{"1-10", 5},
		{"500+", 500},
		{"42", 42},
		{"1,001-5,000", 3000},
		{"garbage", 0},
		{"", 0},
		{float64(250), 250},
	}
	for _, tc := range cases {
		got, err := Apply(tc.in, mapping.EmployeeRangeToNumber{})
		if err != nil {
			t.Fatalf("Apply(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Apply(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestMapValue(t *testing.T) {
	kind := mapping.MapValue{Table: map[string]string{"won": "Closed Won", "3": "Three"}}

	got, err := Apply("won", kind)
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", got)

	got, err = Apply(float64(3), kind)
	require.NoError(t, err)
	assert.Equal(t, "Three", got)

	got, err = Apply("pending", kind)
	require.NoError(t, err)
	assert.Equal(t, "pending", got)

	list := []any{"won"}
	got, err = Apply(list, kind)
	require.NoError(t, err)
	assert.Equal(t, list, got)
}

func TestInvertMapValuePicksSmallestKey(t *testing.T) {
	kind := mapping.MapValue{Table: map[string]string{"Software": "Technology", "B2B": "Technology", "SaaS": "Technology", "Retail": "Retail"}}
	for i := 0; i < 20; i++ {
		got, err := Invert("Technology", kind)
		require.NoError(t, err)
		assert.Equal(t, "B2B", got)
	}
	got, err := Invert("Unknown", kind)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", got)
}

func TestSourceToTargetFinishesValues(t *testing.T) {
	m := mapping.PersonContactMapping()
	doc := map[string]any{
		"name":            map[string]any{"first_name": "  Ada ", "last_name": "Lovelace"},
		"email_addresses": []any{map[string]any{"email_address": "  Ada.Lovelace@Example.COM "}},
		"phone_numbers":   []any{map[string]any{"phone_number": "(201) 555-0123"}},
		"job_title":       strings.Repeat("x", 200),
	}
	out, err := SourceToTarget(m, doc)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out["FirstName"])
	assert.Equal(t, "ada.lovelace@example.com", out["Email"])
	assert.Equal(t, "+12015550123", out["Phone"])
	assert.Len(t, out["Title"], 128)
}

func TestFinishFormats(t *testing.T) {
	f := mapping.FieldMapping{Format: mapping.FormatBoolean}
	assert.Equal(t, true, Finish(f, "Yes"))
	assert.Equal(t, "maybe", Finish(f, "maybe"))

	f = mapping.FieldMapping{Format: mapping.FormatNumber}
	assert.Equal(t, 0.25, Finish(f, " 0.25 "))

	f = mapping.FieldMapping{MaxLength: 3}
	assert.Equal(t, "abc", Finish(f, "abcdef"))
	assert.Equal(t, 42, Finish(f, 42))
}

func TestCountryCodeToName(t *testing.T) {
	got, err := Apply("us", mapping.CountryCodeToName{})
	require.NoError(t, err)
	assert.Equal(t, "United States", got)

	got, err = Apply("ZZ", mapping.CountryCodeToName{})
	require.NoError(t, err)
	assert.Equal(t, "ZZ", got)

	got, err = Apply(float64(1), mapping.CountryCodeToName{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)

	back, err := Invert("united kingdom", mapping.CountryCodeToName{})
	require.NoError(t, err)
	assert.Equal(t, "GB", back)
}

func TestExtractFirst(t *testing.T) {
	got, err := Apply([]any{"acme.com", "acme.io"}, mapping.ExtractFirst{})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", got)

	_, err = Apply([]any{}, mapping.ExtractFirst{})
	assert.True(t, errors.Is(err, ErrEmptySequence))

	got, err = Apply("solo", mapping.ExtractFirst{})
	require.NoError(t, err)
	assert.Equal(t, "solo", got)
}

func TestExtractNested(t *testing.T) {
	doc := map[string]any{
		"primary_location": map[string]any{"locality": "Berlin"},
		"email_addresses": []any{
			map[string]any{"email_address": "ada@acme.com"},
		},
	}

	got, err := Apply(doc, mapping.ExtractNested{Path: "primary_location.locality"})
	require.NoError(t, err)
	assert.Equal(t, "Berlin", got)

	got, err = Apply(doc, mapping.ExtractNested{Path: "email_addresses[0].email_address"})
	require.NoError(t, err)
	assert.Equal(t, "ada@acme.com", got)

	_, err = Apply(doc, mapping.ExtractNested{Path: "primary_location.region"})
	var nf *FieldNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "region", nf.Segment)

	_, err = Apply(doc, mapping.ExtractNested{Path: "email_addresses[3].email_address"})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "email_addresses[3]", nf.Segment)
}

func TestExtractNestedIsIdempotentOnItsResult(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": []any{"x", "y"}}}
	for _, path := range []string{"a.b[1]", "a.b[0]"} {
		first, err := Apply(doc, mapping.ExtractNested{Path: path})
		require.NoError(t, err)
		second, err := Apply(first, mapping.ExtractNested{Path: ""})
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestCurrencyToNumber(t *testing.T) {
	cases := []struct {
		in   any
		want float64
	}{
		{map[string]any{"value": float64(1200.5), "currency_code": "USD"}, 1200.5},
		{map[string]any{"currency_value": float64(99)}, 99},
		{map[string]any{"amount": float64(7)}, 7},
		{float64(15), 15},
	}
	for _, tc := range cases {
		got, err := Apply(tc.in, mapping.CurrencyToNumber{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []any{"12", map[string]any{"currency_code": "USD"}, []any{float64(1)}} {
		_, err := Apply(bad, mapping.CurrencyToNumber{})
		assert.True(t, errors.Is(err, ErrExpectedCurrencyShape), "input %v", bad)
	}
}

func TestCustomFailsLoudly(t *testing.T) {
	_, err := Apply("x", mapping.Custom{Name: "magic"})
	var unsupported *UnsupportedTransformError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "magic", unsupported.Name)

	_, err = Invert("x", mapping.Custom{Name: "magic"})
	require.Error(t, err)
}

func TestDefaultCompanyMappingEndToEnd(t *testing.T) {
	source := map[string]any{
		"name":           "Acme",
		"domains":        []any{"acme.com"},
		"employee_range": "11-50",
	}
	got, err := SourceToTarget(mapping.CompanyAccountMapping(), source)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"Name":              "Acme",
		"Website":           "acme.com",
		"NumberOfEmployees": int64(30),
	}, got)
}

func TestSourceToTargetFullCompany(t *testing.T) {
	source := map[string]any{
		"name":        "Globex",
		"domains":     []any{"globex.com", "globex.io"},
		"description": "Widgets",
		"primary_location": map[string]any{
			"locality":     "Springfield",
			"region":       "IL",
			"country_code": "us",
		},
		"categories":        []any{"SaaS"},
		"employee_range":    "500+",
		"estimated_arr_usd": map[string]any{"currency_value": float64(5000000)},
	}
	got, err := SourceToTarget(mapping.CompanyAccountMapping(), source)
	require.NoError(t, err)
	assert.Equal(t, "Springfield", got["BillingCity"])
	assert.Equal(t, "IL", got["BillingState"])
	assert.Equal(t, "United States", got["BillingCountry"])
	assert.NotContains(t, got, "BillingPostalCode")
	assert.Equal(t, "Technology", got["Industry"])
	assert.Equal(t, int64(500), got["NumberOfEmployees"])
	assert.Equal(t, float64(5000000), got["AnnualRevenue"])
}

func TestSourceToTargetMissingRequired(t *testing.T) {
	_, err := SourceToTarget(mapping.CompanyAccountMapping(), map[string]any{"domains": []any{"acme.com"}})
	var missing *MissingRequiredFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "name", missing.Field)
}

func TestSourceToTargetWrongShapeFails(t *testing.T) {
	_, err := SourceToTarget(mapping.CompanyAccountMapping(), map[string]any{
		"name":              "Acme",
		"estimated_arr_usd": "lots",
	})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "AnnualRevenue", fe.TargetField)
	assert.True(t, errors.Is(err, ErrExpectedCurrencyShape))
}

func TestTargetToSourceInvertsTransforms(t *testing.T) {
	target := map[string]any{
		"Name":           "Acme",
		"Website":        "acme.com",
		"BillingCity":    "Austin",
		"BillingCountry": "United States",
		"Industry":       "Technology",
	}
	got, err := TargetToSource(mapping.CompanyAccountMapping(), target)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got["name"])
	assert.Equal(t, []any{"acme.com"}, got["domains"])
	assert.Equal(t, map[string]any{"locality": "Austin", "country_code": "US"}, got["primary_location"])
	assert.NotContains(t, got, "categories")
}

func TestAssignCreatesIntermediates(t *testing.T) {
	doc := map[string]any{}
	require.NoError(t, Assign(doc, "email_addresses[1].email_address", "b@x.io"))
	require.NoError(t, Assign(doc, "name.first_name", "Ada"))
	assert.Equal(t, map[string]any{
		"email_addresses": []any{nil, map[string]any{"email_address": "b@x.io"}},
		"name":            map[string]any{"first_name": "Ada"},
	}, doc)
}

func TestFieldUtilities(t *testing.T) {
	s, ok := NormalizeString("  hello  ")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	b, ok := ToBoolean("yes")
	assert.True(t, ok)
	assert.True(t, b)
	_, ok = ToBoolean("maybe")
	assert.False(t, ok)

	n, ok := ToNumber("3.5")
	assert.True(t, ok)
	assert.Equal(t, 3.5, n)

	assert.Equal(t, "This is a ", Truncate("This is a very long string", 10))

	phone, ok := NormalizePhone("+1 (555) 123-4567")
	assert.True(t, ok)
	assert.Equal(t, "+15551234567", phone)

	email, ok := NormalizeEmail("  John.Doe@Example.com  ")
	assert.True(t, ok)
	assert.Equal(t, "john.doe@example.com", email)

	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty("  "))
	assert.True(t, IsEmpty([]any{}))
	assert.False(t, IsEmpty("x"))
}
