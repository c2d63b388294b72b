package secret_test

import (
	"strings"
	"testing"

	"github.com/kiranshivaraju/autopost/internal/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestBox_SealOpen(t *testing.T) {
	box, err := secret.NewBox(hexKey)
	require.NoError(t, err)

	sealed, err := box.Seal("client-secret-value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "client-secret-value")

	again, err := box.Seal("client-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	pt, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "client-secret-value", pt)
}

func TestBox_WrongKeyFails(t *testing.T) {
	a, err := secret.NewBox(hexKey)
	require.NoError(t, err)
	b, err := secret.NewBox(strings.Repeat("k", 32))
	require.NoError(t, err)

	sealed, err := a.Seal("x")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, secret.ErrDecryptFailed)
}

func TestBox_Malformed(t *testing.T) {
	box, err := secret.NewBox(hexKey)
	require.NoError(t, err)

	_, err = box.Open("not base64!!")
	assert.ErrorIs(t, err, secret.ErrMalformed)

	_, err = box.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, secret.ErrMalformed)
}

func TestNewBox_RejectsShortKey(t *testing.T) {
	_, err := secret.NewBox("too-short")
	assert.ErrorIs(t, err, secret.ErrInvalidKey)
}
