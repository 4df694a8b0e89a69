package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawDocument_Shapes(t *testing.T) {
	doc, err := ParseRawDocument(map[string]any{"nro_documento": 123, "monto_total": "1.000"})
	require.NoError(t, err)
	assert.Equal(t, ShapePortal, doc.Shape)

	doc, err = ParseRawDocument(map[string]any{"folio": 123, "total_amount": 1000})
	require.NoError(t, err)
	assert.Equal(t, ShapeCanonical, doc.Shape)

	_, err = ParseRawDocument(map[string]any{"something": "else"})
	assert.Error(t, err)

	_, err = ParseRawDocument(nil)
	assert.ErrorIs(t, err, ErrEmptyRecord)
}

func TestCanonicalPeriod(t *testing.T) {
	cases := map[string]string{
		"2024-01":    "2024-01",
		"2024-1":     "2024-01",
		"01-2024":    "2024-01",
		"1-2024":     "2024-01",
		"12-01-2024": "2024-01",
		"2024-01-12": "2024-01",
		"12/01/2024": "2024-01",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPeriod(in), "input %q", in)
	}
}
