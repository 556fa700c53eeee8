package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// CreateUser registers an identity. External ids and emails are unique.
func (s *Service) CreateUser(ctx context.Context, user models.User, actor string) (*models.User, error) {
	if user.ExternalID == "" {
		return nil, errors.NewValidationError("external_id", "external id is required")
	}

	unlock := s.lockCommit()
	defer unlock()

	if _, exists := s.proj.UserByExternalID(user.ExternalID); exists {
		return nil, fmt.Errorf("user %s already exists: %w", user.ExternalID, errors.ErrConflict)
	}
	if user.Email != "" {
		for _, u := range s.proj.Users() {
			if strings.EqualFold(u.Email, user.Email) {
				return nil, fmt.Errorf("email %s already in use: %w", user.Email, errors.ErrConflict)
			}
		}
	}

	user.ID = uuid.New().String()
	if user.DisplayName == "" {
		user.DisplayName = user.ExternalID
	}
	user.Status = models.UserStatusActive
	now := s.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateUser,
		AggregateID:     user.ID,
		Type:            models.EventUserCreated,
		Payload:         models.UserPayload{User: user},
		Actor:           actor,
		ExpectedVersion: 0,
	}); err != nil {
		return nil, err
	}

	created, _ := s.proj.User(user.ID)
	return created, nil
}

// UpdateUser replaces mutable user attributes.
func (s *Service) UpdateUser(ctx context.Context, id string, update models.User, actor string) (*models.User, error) {
	unlock := s.lockCommit()
	defer unlock()

	user, ok := s.proj.User(id)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, errors.ErrNotFound)
	}

	if update.DisplayName != "" {
		user.DisplayName = update.DisplayName
	}
	if update.Email != "" {
		user.Email = update.Email
	}
	if update.Department != "" {
		user.Department = update.Department
	}
	if update.Status != "" {
		user.Status = update.Status
	}
	user.UpdatedAt = s.now().UTC()

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateUser,
		AggregateID:     id,
		Type:            models.EventUserUpdated,
		Payload:         models.UserPayload{User: *user},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateUser, id),
	}); err != nil {
		return nil, err
	}

	updated, _ := s.proj.User(id)
	return updated, nil
}

// DeleteUser removes a user and its group memberships.
func (s *Service) DeleteUser(ctx context.Context, id, actor string) error {
	unlock := s.lockCommit()
	defer unlock()

	if _, ok := s.proj.User(id); !ok {
		return fmt.Errorf("user %s: %w", id, errors.ErrNotFound)
	}

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateUser,
		AggregateID:     id,
		Type:            models.EventUserDeleted,
		Payload:         struct{}{},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateUser, id),
	})
	return err
}

// CreateGroup creates a named group. Names are unique.
func (s *Service) CreateGroup(ctx context.Context, group models.Group, actor string) (*models.Group, error) {
	if group.Name == "" {
		return nil, errors.NewValidationError("name", "group name is required")
	}

	unlock := s.lockCommit()
	defer unlock()

	if _, exists := s.proj.GroupByName(group.Name); exists {
		return nil, fmt.Errorf("group %s already exists: %w", group.Name, errors.ErrConflict)
	}

	group.ID = uuid.New().String()
	group.MemberIDs = nil
	now := s.now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateGroup,
		AggregateID:     group.ID,
		Type:            models.EventGroupCreated,
		Payload:         models.GroupPayload{Group: group},
		Actor:           actor,
		ExpectedVersion: 0,
	}); err != nil {
		return nil, err
	}

	created, _ := s.proj.Group(group.ID)
	return created, nil
}

// DeleteGroup removes a group. Policies referencing it simply stop matching.
func (s *Service) DeleteGroup(ctx context.Context, id, actor string) error {
	unlock := s.lockCommit()
	defer unlock()

	if _, ok := s.proj.Group(id); !ok {
		return fmt.Errorf("group %s: %w", id, errors.ErrNotFound)
	}

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateGroup,
		AggregateID:     id,
		Type:            models.EventGroupDeleted,
		Payload:         struct{}{},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateGroup, id),
	})
	return err
}

// AddGroupMember adds a user to a group.
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID, actor string) error {
	return s.groupMembership(ctx, groupID, userID, actor, models.EventGroupMemberAdded)
}

// RemoveGroupMember removes a user from a group.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, userID, actor string) error {
	return s.groupMembership(ctx, groupID, userID, actor, models.EventGroupMemberRemoved)
}

func (s *Service) groupMembership(ctx context.Context, groupID, userID, actor string, typ models.EventType) error {
	unlock := s.lockCommit()
	defer unlock()

	if _, ok := s.proj.Group(groupID); !ok {
		return fmt.Errorf("group %s: %w", groupID, errors.ErrNotFound)
	}
	if _, ok := s.proj.User(userID); !ok {
		return fmt.Errorf("user %s: %w", userID, errors.ErrNotFound)
	}

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateGroup,
		AggregateID:     groupID,
		Type:            typ,
		Payload:         models.GroupMemberPayload{UserID: userID},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateGroup, groupID),
	})
	return err
}

// CreateAccessPolicy adds a user/group-to-resource policy.
func (s *Service) CreateAccessPolicy(ctx context.Context, policy models.AccessPolicy, actor string) (*models.AccessPolicy, error) {
	if err := validateAccessPolicy(&policy); err != nil {
		return nil, err
	}

	unlock := s.lockCommit()
	defer unlock()

	policy.ID = uuid.New().String()
	now := s.now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateAccessPolicy,
		AggregateID:     policy.ID,
		Type:            models.EventAccessPolicyCreated,
		Payload:         models.AccessPolicyPayload{Policy: policy},
		Actor:           actor,
		ExpectedVersion: 0,
	}); err != nil {
		return nil, err
	}

	created, _ := s.proj.AccessPolicy(policy.ID)
	return created, nil
}

// UpdateAccessPolicy replaces an access policy record.
func (s *Service) UpdateAccessPolicy(ctx context.Context, id string, policy models.AccessPolicy, actor string) (*models.AccessPolicy, error) {
	unlock := s.lockCommit()
	defer unlock()

	existing, ok := s.proj.AccessPolicy(id)
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, errors.ErrNotFound)
	}

	policy.ID = id
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = s.now().UTC()
	if err := validateAccessPolicy(&policy); err != nil {
		return nil, err
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateAccessPolicy,
		AggregateID:     id,
		Type:            models.EventAccessPolicyUpdated,
		Payload:         models.AccessPolicyPayload{Policy: policy},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateAccessPolicy, id),
	}); err != nil {
		return nil, err
	}

	updated, _ := s.proj.AccessPolicy(id)
	return updated, nil
}

// DeleteAccessPolicy removes an access policy.
func (s *Service) DeleteAccessPolicy(ctx context.Context, id, actor string) error {
	unlock := s.lockCommit()
	defer unlock()

	if _, ok := s.proj.AccessPolicy(id); !ok {
		return fmt.Errorf("policy %s: %w", id, errors.ErrNotFound)
	}

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateAccessPolicy,
		AggregateID:     id,
		Type:            models.EventAccessPolicyDeleted,
		Payload:         struct{}{},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateAccessPolicy, id),
	})
	return err
}

func validateAccessPolicy(p *models.AccessPolicy) error {
	if p.Name == "" {
		return errors.NewValidationError("name", "policy name is required")
	}
	switch p.Subject.Type {
	case models.SubjectUser, models.SubjectGroup:
	default:
		return errors.NewValidationError("subject", "subject type must be user or group")
	}
	switch p.Resource.Type {
	case models.ResourceDomain, models.ResourceOverlayIP, models.ResourcePort, models.ResourceRole:
	default:
		return errors.NewValidationError("resource", "unknown resource type")
	}
	switch p.Action {
	case models.ActionAllow, models.ActionDeny:
	default:
		return errors.NewValidationError("action", "action must be allow or deny")
	}
	return nil
}

// CreateNetworkPolicy adds a role-to-role firewall rule.
func (s *Service) CreateNetworkPolicy(ctx context.Context, policy models.NetworkPolicy, actor string) (*models.NetworkPolicy, error) {
	if err := validateNetworkPolicy(&policy); err != nil {
		return nil, err
	}

	unlock := s.lockCommit()
	defer unlock()

	policy.ID = uuid.New().String()
	now := s.now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNetworkPolicy,
		AggregateID:     policy.ID,
		Type:            models.EventNetworkPolicyCreated,
		Payload:         models.NetworkPolicyPayload{Policy: policy},
		Actor:           actor,
		ExpectedVersion: 0,
	}); err != nil {
		return nil, err
	}

	created, _ := s.proj.NetworkPolicy(policy.ID)
	return created, nil
}

// UpdateNetworkPolicy replaces a network policy record.
func (s *Service) UpdateNetworkPolicy(ctx context.Context, id string, policy models.NetworkPolicy, actor string) (*models.NetworkPolicy, error) {
	unlock := s.lockCommit()
	defer unlock()

	existing, ok := s.proj.NetworkPolicy(id)
	if !ok {
		return nil, fmt.Errorf("network policy %s: %w", id, errors.ErrNotFound)
	}

	policy.ID = id
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = s.now().UTC()
	if err := validateNetworkPolicy(&policy); err != nil {
		return nil, err
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNetworkPolicy,
		AggregateID:     id,
		Type:            models.EventNetworkPolicyUpdated,
		Payload:         models.NetworkPolicyPayload{Policy: policy},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateNetworkPolicy, id),
	}); err != nil {
		return nil, err
	}

	updated, _ := s.proj.NetworkPolicy(id)
	return updated, nil
}

// DeleteNetworkPolicy removes a network policy.
func (s *Service) DeleteNetworkPolicy(ctx context.Context, id, actor string) error {
	unlock := s.lockCommit()
	defer unlock()

	if _, ok := s.proj.NetworkPolicy(id); !ok {
		return fmt.Errorf("network policy %s: %w", id, errors.ErrNotFound)
	}

	_, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNetworkPolicy,
		AggregateID:     id,
		Type:            models.EventNetworkPolicyDeleted,
		Payload:         struct{}{},
		Actor:           actor,
		ExpectedVersion: s.aggregateVersion(ctx, models.AggregateNetworkPolicy, id),
	})
	return err
}

func validateNetworkPolicy(p *models.NetworkPolicy) error {
	if p.Name == "" {
		return errors.NewValidationError("name", "policy name is required")
	}
	if !models.IsValidRole(p.SrcRole) || !models.IsValidRole(p.DstRole) {
		return errors.NewValidationError("role", "src_role and dst_role must be known roles")
	}
	switch p.Protocol {
	case models.ProtoTCP, models.ProtoUDP, models.ProtoICMP, models.ProtoAny:
	default:
		return errors.NewValidationError("protocol", "protocol must be tcp, udp, icmp, or any")
	}
	switch p.Action {
	case models.RuleAccept, models.RuleDrop:
	default:
		return errors.NewValidationError("action", "action must be ACCEPT or DROP")
	}
	return nil
}
