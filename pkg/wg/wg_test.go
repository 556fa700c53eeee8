package wg_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/wg"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := wg.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, wg.ValidateKey(keys.PrivateKey))
	require.NoError(t, wg.ValidateKey(keys.PublicKey))
	assert.NotEqual(t, keys.PrivateKey, keys.PublicKey)

	// The public key must be derivable from the private key.
	derived, err := wg.PublicFromPrivate(keys.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, keys.PublicKey, derived)
}

func TestValidateKey(t *testing.T) {
	assert.Error(t, wg.ValidateKey("not base64!!"))
	assert.Error(t, wg.ValidateKey(base64.StdEncoding.EncodeToString([]byte("short"))))

	valid := base64.StdEncoding.EncodeToString(make([]byte, 32))
	assert.NoError(t, wg.ValidateKey(valid))
}

func TestRenderConfig(t *testing.T) {
	text := wg.RenderConfig(models.InterfaceConfig{
		Address:    "10.10.0.2/24",
		PrivateKey: "PRIVATE",
		ListenPort: 51820,
		DNS:        []string{"10.10.0.1", "1.1.1.1"},
	}, []models.PeerConfig{
		{
			PublicKey:  "HUB",
			Endpoint:   "hub.example.com:51820",
			AllowedIPs: []string{"10.10.0.0/24"},
			Keepalive:  25,
		},
		{
			PublicKey:  "PEER",
			AllowedIPs: []string{"10.10.0.3/32"},
		},
	})

	expected := `[Interface]
PrivateKey = PRIVATE
Address = 10.10.0.2/24
ListenPort = 51820
DNS = 10.10.0.1, 1.1.1.1

[Peer]
PublicKey = HUB
AllowedIPs = 10.10.0.0/24
Endpoint = hub.example.com:51820
PersistentKeepalive = 25

[Peer]
PublicKey = PEER
AllowedIPs = 10.10.0.3/32
`
	assert.Equal(t, expected, text)
}

func TestRenderConfigOmitsEmptyFields(t *testing.T) {
	text := wg.RenderConfig(models.InterfaceConfig{Address: "10.10.0.5/32"}, nil)

	assert.NotContains(t, text, "PrivateKey")
	assert.NotContains(t, text, "ListenPort")
	assert.NotContains(t, text, "DNS")
	assert.NotContains(t, text, "[Peer]")
}
