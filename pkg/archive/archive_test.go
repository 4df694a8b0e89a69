package archive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPutter struct {
	inputs []*s3.PutObjectInput
}

func (c *capturingPutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.inputs = append(c.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

// The key is stable across map orderings: equivalent payloads always
// land on the same object.
func TestKeyIsCanonical(t *testing.T) {
	a := map[string]any{"folio": 1042, "rut_emisor": "11222333-4", "monto_total": 19000}
	b := map[string]any{"monto_total": 19000, "rut_emisor": "11222333-4", "folio": 1042}

	ka, _, err := Key("company-1", "2024-01", a)
	require.NoError(t, err)
	kb, _, err := Key("company-1", "2024-01", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.True(t, strings.HasPrefix(ka, "company-1/2024-01/"))
	assert.True(t, strings.HasSuffix(ka, ".json"))

	kc, _, err := Key("company-1", "2024-01", map[string]any{"folio": 1043})
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestArchiveDocumentPutsObject(t *testing.T) {
	putter := &capturingPutter{}
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), putter, "tributo-raw")

	err := a.ArchiveDocument(context.Background(), "company-1", "2024-01",
		map[string]any{"folio": 1042})
	require.NoError(t, err)
	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "tributo-raw", *putter.inputs[0].Bucket)
	assert.Equal(t, "application/json", *putter.inputs[0].ContentType)
}
