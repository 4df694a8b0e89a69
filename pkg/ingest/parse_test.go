package ingest

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmountLaws(t *testing.T) {
	cases := []struct {
		in   string
		want *float64
		ok   bool
	}{
		{"1.023.785", f(1023785), true},
		{"0,25", f(0.25), true},
		{"123.456,78", f(123456.78), true},
		{"", nil, true},
		{"N/A", nil, true},
		{"No disponible", nil, true},
		{"-", nil, true},
		{"$ 19.000", f(19000), true},
		{"abc", nil, false},
	}
	for _, tc := range cases {
		got, ok := ParseAmount(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.want == nil {
			assert.Nil(t, got, "input %q", tc.in)
		} else {
			require.NotNil(t, got, "input %q", tc.in)
			assert.InDelta(t, *tc.want, *got, 1e-9, "input %q", tc.in)
		}
	}
}

func f(v float64) *float64 { return &v }

// Any integer rendered with Chilean thousand separators parses back to
// itself.
func TestParseAmountThousandSeparatorProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("grouped integers round-trip", prop.ForAll(
		func(n int64) bool {
			got, ok := ParseAmount(groupThousands(n))
			return ok && got != nil && *got == float64(n)
		},
		gen.Int64Range(0, 999_999_999_999),
	))
	properties.Property("decimal comma preserves cents", prop.ForAll(
		func(n int64, cents int) bool {
			s := fmt.Sprintf("%s,%02d", groupThousands(n), cents)
			got, ok := ParseAmount(s)
			want := float64(n) + float64(cents)/100
			return ok && got != nil && *got == want
		},
		gen.Int64Range(0, 999_999_999),
		gen.IntRange(0, 99),
	))
	properties.TestingRun(t)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	out := ""
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out += "."
		}
		out += string(r)
	}
	return out
}

func TestParseDateAcceptedFormats(t *testing.T) {
	for _, in := range []string{"14/03/2025", "14-03-2025", "2025-03-14", "14/03/25", "14-03-25"} {
		got, err := ParseDate(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, 2025, got.Year())
		assert.Equal(t, 3, int(got.Month()))
		assert.Equal(t, 14, got.Day())
	}
	_, err := ParseDate("marzo 14")
	assert.Error(t, err)
}

func TestFoldStripsDiacritics(t *testing.T) {
	assert.Equal(t, "nota de credito electronica", fold("Nota de Crédito Electrónica"))
}
