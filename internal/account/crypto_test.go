package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	encrypted, err := c.Encrypt("super-secret-refresh-token", SaltRefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-refresh-token", encrypted)

	decrypted, err := c.Decrypt(encrypted, SaltRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-refresh-token", decrypted)
}

func TestEncryptEmptyStringIsEmpty(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	encrypted, err := c.Encrypt("", SaltAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "", encrypted)
}

func TestDecryptWithWrongSaltFails(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	encrypted, err := c.Encrypt("value", SaltAccessToken)
	require.NoError(t, err)

	_, err = c.Decrypt(encrypted, SaltRefreshToken)
	assert.Error(t, err)
}

func TestEncryptProducesDistinctCiphertextsPerCall(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	a, err := c.Encrypt("same-value", SaltAPIKey)
	require.NoError(t, err)
	b, err := c.Encrypt("same-value", SaltAPIKey)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "random IV per call should yield different ciphertext")
}

func TestDeriveKeyIsCached(t *testing.T) {
	c := NewCrypto("test-encryption-key")

	k1, err := c.DeriveKey(SaltOAuthPKCE)
	require.NoError(t, err)
	k2, err := c.DeriveKey(SaltOAuthPKCE)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}
