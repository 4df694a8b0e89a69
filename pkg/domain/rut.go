// Package domain holds the entities shared by the ingestion pipeline,
// the form sync services and the process engine. All timestamps are UTC
// instants; monetary amounts are decimal values scanned from NUMERIC(15,2).
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RUT is a Chilean tax identifier: a 7- or 8-digit body plus a check digit
// (0-9 or K). The canonical textual form is "<digits>-<dv>" with the check
// digit normalised to upper case.
type RUT struct {
	Digits int64
	DV     string
}

var rutPattern = regexp.MustCompile(`^(\d{7,8})-([0-9Kk])$`)

// ParseRUT parses the canonical "<digits>-<dv>" form. Dots used as thousand
// separators in display forms are stripped before matching.
func ParseRUT(s string) (RUT, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	m := rutPattern.FindStringSubmatch(s)
	if m == nil {
		return RUT{}, fmt.Errorf("invalid RUT %q", s)
	}
	digits, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return RUT{}, fmt.Errorf("invalid RUT body %q: %w", m[1], err)
	}
	return RUT{Digits: digits, DV: strings.ToUpper(m[2])}, nil
}

// NewRUT builds a RUT from its parts, normalising the check digit.
func NewRUT(digits int64, dv string) RUT {
	return RUT{Digits: digits, DV: strings.ToUpper(strings.TrimSpace(dv))}
}

// String returns the canonical form "<digits>-<dv>".
func (r RUT) String() string {
	return strconv.FormatInt(r.Digits, 10) + "-" + r.DV
}

// IsZero reports whether the RUT is unset.
func (r RUT) IsZero() bool {
	return r.Digits == 0
}

// Valid reports whether the body is in range and the check digit matches
// the modulo-11 algorithm used by the registry.
func (r RUT) Valid() bool {
	if r.Digits < 1_000_000 || r.Digits >= 100_000_000 {
		return false
	}
	return ComputeDV(r.Digits) == r.DV
}

// ComputeDV computes the modulo-11 check digit for a RUT body.
func ComputeDV(digits int64) string {
	sum := 0
	factor := 2
	for n := digits; n > 0; n /= 10 {
		sum += int(n%10) * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	switch rem := 11 - sum%11; rem {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.Itoa(rem)
	}
}
