package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	v, err := NewFromSecret("process-wide-secret")
	require.NoError(t, err)

	ct, err := v.Encrypt("clave.sii.2024")
	require.NoError(t, err)
	assert.NotEqual(t, "clave.sii.2024", ct)

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "clave.sii.2024", pt)
}

func TestVault_NonceVaries(t *testing.T) {
	v, err := NewFromSecret("secret")
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_WrongKeyFails(t *testing.T) {
	v1, _ := NewFromSecret("secret-one")
	v2, _ := NewFromSecret("secret-two")

	ct, err := v1.Encrypt("password")
	require.NoError(t, err)

	_, err = v2.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestVault_GarbageCiphertext(t *testing.T) {
	v, _ := NewFromSecret("secret")

	_, err := v.Decrypt("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = v.Decrypt("YWJj") // valid base64, too short
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNew_RejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
