package core

import (
	"context"
	"fmt"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// AllocateClientIP takes the lowest free address of the client pool and
// commits the allocation event.
func (s *Service) AllocateClientIP(ctx context.Context, ownerID string) (string, error) {
	unlock := s.lockCommit()
	defer unlock()

	overlayIP, err := s.alloc.Allocate(ipam.PoolClients, ownerID)
	if err != nil {
		s.maybeEmitExhausted(ctx, err)
		return "", err
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateIPAM,
		AggregateID:     overlayIP,
		Type:            models.EventIPAllocated,
		Payload:         models.IPAllocationPayload{IP: overlayIP, Pool: ipam.PoolClients, OwnerID: ownerID},
		Actor:           "device-service",
		ExpectedVersion: eventstore.AnyVersion,
	}); err != nil {
		s.alloc.Release(overlayIP)
		return "", err
	}
	return overlayIP, nil
}

// CommitDeviceCreated records a provisioned client device.
func (s *Service) CommitDeviceCreated(ctx context.Context, device models.ClientDevice,
	configToken string, singleUse bool, sealedPrivateKey []byte, actor string) error {

	unlock := s.lockCommit()
	defer unlock()

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType: models.AggregateClientDevice,
		AggregateID:   device.ID,
		Type:          models.EventDeviceCreated,
		Payload: models.DeviceCreatedPayload{
			Device:           device,
			ConfigToken:      configToken,
			SingleUse:        singleUse,
			SealedPrivateKey: sealedPrivateKey,
		},
		Actor:           actor,
		ExpectedVersion: 0,
	})
	return err
}

// CommitDeviceConfigRetrieved marks a config token delivery; single-use
// tokens become unusable afterwards.
func (s *Service) CommitDeviceConfigRetrieved(ctx context.Context, deviceID string) error {
	unlock := s.lockCommit()
	defer unlock()

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateClientDevice,
		AggregateID:     deviceID,
		Type:            models.EventDeviceConfigRetrieved,
		Payload:         struct{}{},
		Actor:           "device-service",
		ExpectedVersion: eventstore.AnyVersion,
	})
	return err
}

// RevokeDevice revokes a client device and releases its address into the
// cool-down window.
func (s *Service) RevokeDevice(ctx context.Context, deviceID, actor, reason string) error {
	unlock := s.lockCommit()
	defer unlock()

	device, ok := s.proj.Device(deviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, errors.ErrNotFound)
	}
	if device.Status == models.DeviceStatusRevoked {
		return nil
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateClientDevice,
		AggregateID:     deviceID,
		Type:            models.EventDeviceRevoked,
		Payload:         models.DeviceRevokedPayload{Reason: reason},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateClientDevice, deviceID),
	}); err != nil {
		return err
	}

	if device.OverlayIP != "" {
		if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
			AggregateType:   models.AggregateIPAM,
			AggregateID:     device.OverlayIP,
			Type:            models.EventIPReleased,
			Payload:         models.IPAllocationPayload{IP: device.OverlayIP, OwnerID: deviceID},
			Actor:           actor,
			ExpectedVersion: eventstore.AnyVersion,
		}); err != nil {
			return err
		}
	}
	return nil
}
