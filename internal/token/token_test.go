package token_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
)

func TestVerifyAdmin(t *testing.T) {
	m, err := token.NewManager("admin-secret", "master-secret")
	require.NoError(t, err)

	assert.True(t, m.VerifyAdmin("admin-secret"))
	assert.False(t, m.VerifyAdmin("wrong"))
	assert.False(t, m.VerifyAdmin(""))
}

func TestManagerRequiresSecrets(t *testing.T) {
	_, err := token.NewManager("", "master")
	require.Error(t, err)

	_, err = token.NewManager("admin", "")
	require.Error(t, err)
}

func TestNewTokenIsRandomAndURLSafe(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := token.NewToken()
		require.NoError(t, err)
		assert.Len(t, tok, 22) // 16 bytes base64url without padding
		assert.NotContains(t, tok, "+")
		assert.NotContains(t, tok, "/")
		assert.NotContains(t, tok, "=")
		_, dup := seen[tok]
		assert.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	m, err := token.NewManager("admin", "master-secret")
	require.NoError(t, err)

	plaintext := []byte("a-wireguard-private-key")
	sealed, err := m.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := m.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	m1, err := token.NewManager("admin", "secret-one")
	require.NoError(t, err)
	m2, err := token.NewManager("admin", "secret-two")
	require.NoError(t, err)

	sealed, err := m1.Seal([]byte("key-material"))
	require.NoError(t, err)

	_, err = m2.Open(sealed)
	require.Error(t, err)
}

func TestOpenRejectsTruncated(t *testing.T) {
	m, err := token.NewManager("admin", "master")
	require.NoError(t, err)

	_, err = m.Open([]byte("short"))
	require.Error(t, err)
}
