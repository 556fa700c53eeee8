package device_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/bus"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/device"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	zterrors "github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

type fixture struct {
	core    *core.Service
	devices *device.Service
	userID  string
}

func newFixture(t *testing.T, cfg device.Config) *fixture {
	t.Helper()

	store := eventstore.NewMemoryStore()
	proj := projection.New()
	alloc, err := ipam.New(ipam.Config{Network: "10.10.0.0/24", ClientStart: 100, ClientEnd: 250})
	require.NoError(t, err)
	synth, err := plan.NewSynthesizer(plan.Config{
		OverlayCIDR: "10.10.0.0/24",
		HubEndpoint: "hub.example.com:51820",
		WGPort:      51820,
	})
	require.NoError(t, err)
	tokens, err := token.NewManager("admin-secret", "master-secret")
	require.NoError(t, err)

	coreService := core.NewService(store, proj, alloc, bus.New(0, nil), synth, tokens, core.Options{})
	require.NoError(t, coreService.Start(context.Background()))

	if cfg.HubEndpoint == "" {
		cfg.HubEndpoint = "hub.example.com:51820"
	}
	if cfg.HubPublicKey == nil {
		cfg.HubPublicKey = func() string { return "hub-public-key" }
	}
	if cfg.OverlayCIDR == "" {
		cfg.OverlayCIDR = "10.10.0.0/24"
	}

	user, err := coreService.CreateUser(context.Background(), models.User{ExternalID: "u1@x"}, "test")
	require.NoError(t, err)

	return &fixture{
		core:    coreService,
		devices: device.NewService(coreService, cfg),
		userID:  user.ID,
	}
}

func TestCreateAllocatesFromClientPool(t *testing.T) {
	f := newFixture(t, device.Config{})

	result, err := f.devices.Create(context.Background(), device.CreateRequest{
		UserID:     f.userID,
		Name:       "laptop",
		Type:       models.DeviceLaptop,
		TunnelMode: models.TunnelFull,
	}, "admin")
	require.NoError(t, err)

	assert.Equal(t, "10.10.0.100", result.Device.OverlayIP)
	assert.NotEmpty(t, result.ConfigToken)
	assert.NotEmpty(t, result.Device.PublicKey)
	assert.Equal(t, models.DeviceStatusActive, result.Device.Status)
	assert.False(t, result.Device.ExpiresAt.IsZero())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, device.Config{})
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.devices.Create(ctx, device.CreateRequest{
			UserID: "missing", Type: models.DeviceLaptop, TunnelMode: models.TunnelFull,
		}, "admin")
		assert.ErrorIs(t, err, zterrors.ErrNotFound)
	})

	t.Run("bad type", func(t *testing.T) {
		_, err := f.devices.Create(ctx, device.CreateRequest{
			UserID: f.userID, Type: "toaster", TunnelMode: models.TunnelFull,
		}, "admin")
		assert.ErrorIs(t, err, zterrors.ErrInvalidInput)
	})

	t.Run("bad tunnel mode", func(t *testing.T) {
		_, err := f.devices.Create(ctx, device.CreateRequest{
			UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: "sideways",
		}, "admin")
		assert.ErrorIs(t, err, zterrors.ErrInvalidInput)
	})
}

func TestPerUserDeviceCap(t *testing.T) {
	f := newFixture(t, device.Config{MaxPerUser: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.devices.Create(ctx, device.CreateRequest{
			UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelSplit,
		}, "admin")
		require.NoError(t, err)
	}

	_, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelSplit,
	}, "admin")
	assert.ErrorIs(t, err, zterrors.ErrDeviceLimitReached)
}

func TestRetrieveRendersProfile(t *testing.T) {
	f := newFixture(t, device.Config{DNS: []string{"10.10.0.1"}})
	ctx := context.Background()

	created, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelFull,
	}, "admin")
	require.NoError(t, err)

	profile, err := f.devices.Retrieve(ctx, created.ConfigToken)
	require.NoError(t, err)

	assert.Contains(t, profile.Text, "[Interface]")
	assert.Contains(t, profile.Text, "Address = 10.10.0.100/32")
	assert.Contains(t, profile.Text, "PrivateKey = ")
	assert.Contains(t, profile.Text, "[Peer]")
	assert.Contains(t, profile.Text, "PublicKey = hub-public-key")
	assert.Contains(t, profile.Text, "Endpoint = hub.example.com:51820")
	// Full tunnel routes everything.
	assert.Contains(t, profile.Text, "AllowedIPs = 0.0.0.0/0")
}

func TestSplitTunnelRestrictsAllowedIPs(t *testing.T) {
	f := newFixture(t, device.Config{})
	ctx := context.Background()

	created, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceMobile, TunnelMode: models.TunnelSplit,
	}, "admin")
	require.NoError(t, err)

	profile, err := f.devices.Retrieve(ctx, created.ConfigToken)
	require.NoError(t, err)
	assert.Contains(t, profile.Text, "AllowedIPs = 10.10.0.0/24")
	assert.False(t, strings.Contains(profile.Text, "0.0.0.0/0"))
}

func TestSingleUseTokenConsumed(t *testing.T) {
	f := newFixture(t, device.Config{SingleUse: true})
	ctx := context.Background()

	created, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelFull,
	}, "admin")
	require.NoError(t, err)

	_, err = f.devices.Retrieve(ctx, created.ConfigToken)
	require.NoError(t, err)

	_, err = f.devices.Retrieve(ctx, created.ConfigToken)
	assert.ErrorIs(t, err, zterrors.ErrTokenConsumed)
}

func TestUnknownTokenUnauthorized(t *testing.T) {
	f := newFixture(t, device.Config{})
	_, err := f.devices.Retrieve(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, zterrors.ErrUnauthorized)
}

func TestExpiredDeviceRejectsRetrieval(t *testing.T) {
	f := newFixture(t, device.Config{DefaultExpiry: time.Millisecond})
	ctx := context.Background()

	created, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelFull,
	}, "admin")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = f.devices.Retrieve(ctx, created.ConfigToken)
	assert.ErrorIs(t, err, zterrors.ErrTokenExpired)
}

func TestRevokeReleasesDeviceFromPeerSets(t *testing.T) {
	f := newFixture(t, device.Config{})
	ctx := context.Background()

	created, err := f.devices.Create(ctx, device.CreateRequest{
		UserID: f.userID, Type: models.DeviceLaptop, TunnelMode: models.TunnelFull,
	}, "admin")
	require.NoError(t, err)

	require.NoError(t, f.devices.Revoke(ctx, created.Device.ID, "admin", "lost"))

	revoked, ok := f.core.Projection().Device(created.Device.ID)
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusRevoked, revoked.Status)
	assert.Empty(t, f.core.Projection().ActiveDevices())
}

func TestQREncodesProfile(t *testing.T) {
	png, err := device.QR("[Interface]\nAddress = 10.10.0.100/32\n")
	require.NoError(t, err)
	assert.Greater(t, len(png), 100)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
