package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.HubAPIPort)
	assert.Equal(t, "10.10.0.0/24", cfg.OverlayNetwork)
	assert.Equal(t, 51820, cfg.WGPort)
	assert.Equal(t, 100, cfg.ClientIPPoolStart)
	assert.Equal(t, 250, cfg.ClientIPPoolEnd)
	assert.Equal(t, 1, cfg.ClientDefaultExpiresDays)
	assert.Equal(t, 5, cfg.ClientMaxDevicesPerUser)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.False(t, cfg.AutoApproveAll)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OVERLAY_NETWORK", "10.20.0.0/24")
	t.Setenv("WG_PORT", "51821")
	t.Setenv("HUB_API_PORT", "9000")
	t.Setenv("ADMIN_SECRET", "super-secret")
	t.Setenv("CLIENT_IP_POOL_START", "150")
	t.Setenv("CLIENT_IP_POOL_END", "200")
	t.Setenv("HUB_URL", "https://hub.example.com:9000")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.20.0.0/24", cfg.OverlayNetwork)
	assert.Equal(t, 51821, cfg.WGPort)
	assert.Equal(t, 9000, cfg.HubAPIPort)
	assert.Equal(t, "super-secret", cfg.AdminSecret)
	assert.Equal(t, 150, cfg.ClientIPPoolStart)
	assert.Equal(t, 200, cfg.ClientIPPoolEnd)
	assert.Equal(t, "https://hub.example.com:9000", cfg.HubURL)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	t.Setenv("CLIENT_IP_POOL_START", "200")
	t.Setenv("CLIENT_IP_POOL_END", "100")

	_, err := config.Load("")
	require.Error(t, err)
}

func TestClientDefaultExpiry(t *testing.T) {
	t.Setenv("CLIENT_DEFAULT_EXPIRES_DAYS", "7")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.ClientDefaultExpiry())
}
