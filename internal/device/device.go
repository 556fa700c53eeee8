// Package device provisions client devices: overlay address, server-side
// keypair, tunnel profile, and config token delivery.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/wg"
)

// Config parameterizes provisioning.
type Config struct {
	HubEndpoint   string
	HubPublicKey  func() string // resolved lazily; the hub registers at runtime
	OverlayCIDR   string
	DNS           []string
	DefaultExpiry time.Duration
	MaxPerUser    int
	SingleUse     bool
}

// Service provisions and delivers client device profiles.
type Service struct {
	core *core.Service
	cfg  Config
	now  func() time.Time
}

// NewService creates a device service on top of the core write path.
func NewService(coreService *core.Service, cfg Config) *Service {
	if cfg.DefaultExpiry == 0 {
		cfg.DefaultExpiry = 24 * time.Hour
	}
	if cfg.MaxPerUser == 0 {
		cfg.MaxPerUser = 5
	}
	return &Service{core: coreService, cfg: cfg, now: time.Now}
}

// CreateRequest describes a device to provision.
type CreateRequest struct {
	UserID     string
	Name       string
	Type       models.DeviceType
	TunnelMode models.TunnelMode
	ExpiresIn  time.Duration
}

// CreateResult is returned to the admin who provisioned the device. The
// config token is the only credential the end user needs.
type CreateResult struct {
	Device      *models.ClientDevice `json:"device"`
	ConfigToken string               `json:"config_token"`
}

// Create allocates an address from the client pool, generates the keypair,
// and commits the device. The private key is stored only sealed.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*CreateResult, error) {
	proj := s.core.Projection()

	if _, ok := proj.User(req.UserID); !ok {
		return nil, fmt.Errorf("user %s: %w", req.UserID, errors.ErrNotFound)
	}
	switch req.Type {
	case models.DeviceMobile, models.DeviceLaptop:
	default:
		return nil, errors.NewValidationError("type", "device type must be mobile or laptop")
	}
	switch req.TunnelMode {
	case models.TunnelFull, models.TunnelSplit:
	default:
		return nil, errors.NewValidationError("tunnel_mode", "tunnel mode must be full or split")
	}

	active := 0
	for _, d := range proj.DevicesForUser(req.UserID) {
		if d.Status == models.DeviceStatusActive {
			active++
		}
	}
	if active >= s.cfg.MaxPerUser {
		return nil, fmt.Errorf("user has %d active devices: %w", active, errors.ErrDeviceLimitReached)
	}

	keys, err := wg.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sealed, err := s.core.Tokens().Seal([]byte(keys.PrivateKey))
	if err != nil {
		return nil, err
	}
	configToken, err := token.NewToken()
	if err != nil {
		return nil, err
	}

	expiry := req.ExpiresIn
	if expiry == 0 {
		expiry = s.cfg.DefaultExpiry
	}

	deviceID := uuid.New().String()
	overlayIP, err := s.core.AllocateClientIP(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	device := models.ClientDevice{
		ID:         deviceID,
		UserID:     req.UserID,
		Name:       req.Name,
		Type:       req.Type,
		PublicKey:  keys.PublicKey,
		OverlayIP:  overlayIP,
		TunnelMode: req.TunnelMode,
		Status:     models.DeviceStatusActive,
		ExpiresAt:  now.Add(expiry),
		CreatedAt:  now,
	}

	if err := s.core.CommitDeviceCreated(ctx, device, configToken, s.cfg.SingleUse, sealed, actor); err != nil {
		return nil, err
	}

	created, _ := proj.Device(deviceID)
	return &CreateResult{Device: created, ConfigToken: configToken}, nil
}

// Revoke removes the device from the hub peer set on the next compile.
func (s *Service) Revoke(ctx context.Context, deviceID, actor, reason string) error {
	return s.core.RevokeDevice(ctx, deviceID, actor, reason)
}

// Profile is a rendered client configuration.
type Profile struct {
	Device *models.ClientDevice `json:"device"`
	Text   string               `json:"config"`
}

// Retrieve validates a config token and renders the profile. Single-use
// tokens are consumed on first retrieval; time-bounded tokens keep working
// until the device expires.
func (s *Service) Retrieve(ctx context.Context, configToken string) (*Profile, error) {
	proj := s.core.Projection()

	device, tok, ok := proj.DeviceByToken(configToken)
	if !ok {
		return nil, errors.ErrUnauthorized
	}
	if tok.Consumed {
		return nil, fmt.Errorf("config token: %w", errors.ErrTokenConsumed)
	}
	if device.Status != models.DeviceStatusActive {
		return nil, fmt.Errorf("device %s is %s: %w", device.ID, device.Status, errors.ErrTokenExpired)
	}

	privateKey, err := s.core.Tokens().Open(tok.SealedPrivateKey)
	if err != nil {
		return nil, err
	}

	text := s.renderProfile(device, string(privateKey))

	if err := s.core.CommitDeviceConfigRetrieved(ctx, device.ID); err != nil {
		return nil, err
	}

	return &Profile{Device: device, Text: text}, nil
}

// renderProfile builds the wg-quick text: the interface plus the single hub
// peer. Full tunnel routes everything through the hub; split keeps only the
// overlay.
func (s *Service) renderProfile(device *models.ClientDevice, privateKey string) string {
	allowed := []string{s.cfg.OverlayCIDR}
	if device.TunnelMode == models.TunnelFull {
		allowed = []string{"0.0.0.0/0"}
	}

	iface := models.InterfaceConfig{
		Address:    device.OverlayIP + "/32",
		PrivateKey: privateKey,
		DNS:        s.cfg.DNS,
	}
	peer := models.PeerConfig{
		PublicKey:  s.cfg.HubPublicKey(),
		Endpoint:   s.cfg.HubEndpoint,
		AllowedIPs: allowed,
		Keepalive:  25,
	}
	return wg.RenderConfig(iface, []models.PeerConfig{peer})
}

// QR encodes the profile text as a PNG for mobile enrollment.
func QR(profileText string) ([]byte, error) {
	png, err := qrcode.Encode(profileText, qrcode.Medium, 512)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
