// Package ingest implements the period-sharded document ingestion pipeline:
// validation and mapping of raw portal rows, the batching coordinator that
// drives a portal session across periods, and the reference-linking pass.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nullSentinels are portal renderings of "no value".
var nullSentinels = map[string]struct{}{
	"":              {},
	"n/a":           {},
	"no disponible": {},
	"-":             {},
}

// ParseAmount parses a Chilean-formatted number: dots are thousand
// separators, a comma is the decimal point, an optional leading "$".
// Null sentinels ("", "N/A", "No disponible", "-") return (nil, true);
// anything unparseable returns (nil, false).
func ParseAmount(s string) (*float64, bool) {
	trimmed := strings.TrimSpace(s)
	if _, null := nullSentinels[strings.ToLower(trimmed)]; null {
		return nil, true
	}
	cleaned := strings.NewReplacer("$", "", " ", "", ".", "").Replace(trimmed)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// amountOf coerces a raw field into a float64. Numeric values pass through;
// strings go through ParseAmount. Unparseable values yield (0, false).
func amountOf(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		p, ok := ParseAmount(n)
		if !ok {
			return 0, false
		}
		if p == nil {
			return 0, true
		}
		return *p, true
	default:
		return 0, false
	}
}

// dateFormats are tried in order; the portal renders several.
var dateFormats = []string{
	"02/01/2006",
	"02-01-2006",
	"2006-01-02",
	"02/01/06",
	"02-01-06",
}

// ParseDate tries the accepted portal date formats in order.
func ParseDate(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases and strips diacritics so "Nota de Crédito" matches
// "nota de credito".
func fold(s string) string {
	out, _, err := transform.String(foldTransformer, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// firstInt extracts the first integer substring, for type strings like
// "Tipo 33".
func firstInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(s[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(s[start:])
		return n, err == nil
	}
	return 0, false
}
