package transform

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var countryNames = map[string]string{
	"US": "United States",
	"GB": "United Kingdom",
	"CA": "Canada",
	"AU": "Australia",
	"DE": "Germany",
	"FR": "France",
	"JP": "Japan",
	"CN": "China",
	"IN": "India",
	"BR": "Brazil",
	"MX": "Mexico",
	"ES": "Spain",
	"IT": "Italy",
	"NL": "Netherlands",
	"SE": "Sweden",
	"NO": "Norway",
	"DK": "Denmark",
	"FI": "Finland",
	"SG": "Singapore",
	"HK": "Hong Kong",
	"KR": "South Korea",
	"NZ": "New Zealand",
	"IE": "Ireland",
	"CH": "Switzerland",
	"AT": "Austria",
	"BE": "Belgium",
	"PL": "Poland",
	"PT": "Portugal",
	"IL": "Israel",
	"AE": "United Arab Emirates",
}

// countryCodes is the reverse index, keyed by case-folded name.
var countryCodes = func() map[string]string {
	fold := cases.Fold()
	out := make(map[string]string, len(countryNames))
	for code, name := range countryNames {
		out[fold.String(name)] = code
	}
	return out
}()

// Casers carry state and must not be shared between goroutines.
func upperCode(s string) string { return cases.Upper(language.Und).String(strings.TrimSpace(s)) }

func foldName(s string) string { return cases.Fold().String(strings.TrimSpace(s)) }

// CountryName expands an ISO 3166 alpha-2 code. Unknown codes come back unchanged.
func CountryName(code string) (string, bool) {
	name, ok := countryNames[upperCode(code)]
	return name, ok
}

func countryCodeToName(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if name, ok := CountryName(s); ok {
		return name
	}
	return value
}

func countryNameToCode(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if code, ok := countryCodes[foldName(s)]; ok {
		return code
	}
	return value
}
