package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/wg"
)

// RegisterRequest is an agent's registration payload.
type RegisterRequest struct {
	Hostname     string
	Role         models.NodeRole
	PublicKey    string
	RealIP       string
	AgentVersion string
	OSInfo       string
}

// RegisterResult is what a registering agent needs to bring up its tunnel.
type RegisterResult struct {
	Node     *models.Node
	Existing bool
}

// RegisterNode creates a pending node with an allocated overlay address.
// Idempotent on (hostname, public_key): the identical pair returns the
// existing record without a new event. A known hostname under a different
// key conflicts unless the previous record is revoked.
func (s *Service) RegisterNode(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	hostname, err := NormalizeHostname(req.Hostname)
	if err != nil {
		return nil, err
	}
	if !models.IsValidRole(req.Role) {
		return nil, errors.NewValidationError("role", "unknown role "+string(req.Role))
	}
	if err := wg.ValidateKey(req.PublicKey); err != nil {
		return nil, err
	}

	unlock := s.lockCommit()
	defer unlock()

	if s.proj.IsKeyBlacklisted(req.PublicKey) {
		return nil, fmt.Errorf("public key was revoked: %w", errors.ErrKeyBlacklisted)
	}

	if existing, ok := s.proj.NodeByHostname(hostname); ok {
		if existing.PublicKey == req.PublicKey && existing.Status != models.NodeStatusRevoked {
			return &RegisterResult{Node: existing, Existing: true}, nil
		}
		if existing.Status != models.NodeStatusRevoked {
			return nil, fmt.Errorf("hostname %s is registered under a different key: %w", hostname, errors.ErrConflict)
		}
		// Revoked record: permit re-enrollment under a fresh identity.
	}

	for _, n := range s.proj.Nodes() {
		if n.PublicKey == req.PublicKey && n.Status != models.NodeStatusRevoked && n.Hostname != hostname {
			return nil, fmt.Errorf("public key already registered by %s: %w", n.Hostname, errors.ErrConflict)
		}
	}

	nodeID := uuid.New().String()
	overlayIP, err := s.alloc.Allocate(poolForRole(req.Role), nodeID)
	if err != nil {
		s.maybeEmitExhausted(ctx, err)
		return nil, err
	}

	if owner, taken := s.proj.AllocatedIPs()[overlayIP]; taken {
		return nil, s.invariant("overlay-ip-unique",
			fmt.Sprintf("allocator handed out %s already held by %s", overlayIP, owner))
	}

	now := s.now().UTC()
	node := models.Node{
		ID:         nodeID,
		Hostname:   hostname,
		Role:       req.Role,
		PublicKey:  req.PublicKey,
		RealIP:     req.RealIP,
		OverlayIP:  overlayIP,
		Status:     models.NodeStatusPending,
		TrustScore: 100,
		RiskLevel:  models.RiskLow,

		AgentVersion: req.AgentVersion,
		OSInfo:       req.OSInfo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateIPAM,
		AggregateID:     overlayIP,
		Type:            models.EventIPAllocated,
		Payload:         models.IPAllocationPayload{IP: overlayIP, Pool: poolForRole(req.Role), OwnerID: nodeID},
		Actor:           hostname,
		ExpectedVersion: eventstore.AnyVersion,
	}); err != nil {
		s.alloc.Release(overlayIP)
		return nil, err
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNode,
		AggregateID:     nodeID,
		Type:            models.EventNodeCreated,
		Payload:         models.NodeCreatedPayload{Node: node},
		Actor:           hostname,
		ExpectedVersion: 0,
		ClientRequestID: hostname + "|" + req.PublicKey,
	}); err != nil {
		return nil, err
	}

	created, _ := s.proj.Node(nodeID)
	result := &RegisterResult{Node: created}

	if s.autoApproves(req.Role) {
		if _, err := s.transitionLocked(ctx, nodeID, models.NodeStatusActive, "system", "auto-approve"); err != nil {
			s.logger.WarnContext(ctx, "auto-approve failed", "node", hostname, "error", err)
		} else {
			result.Node, _ = s.proj.Node(nodeID)
		}
	}

	return result, nil
}

func poolForRole(role models.NodeRole) string {
	return "nodes"
}

func (s *Service) autoApproves(role models.NodeRole) bool {
	if s.opts.AutoApproveAll {
		return true
	}
	for _, r := range s.opts.AutoApproveRoles {
		if r == role {
			return true
		}
	}
	return false
}

// maybeEmitExhausted records pool exhaustion at most once per hour.
func (s *Service) maybeEmitExhausted(ctx context.Context, cause error) {
	if !stderrorsIs(cause, errors.ErrPoolExhausted) {
		return
	}
	now := s.now()
	if now.Sub(s.lastExhausted) < time.Hour {
		return
	}
	s.lastExhausted = now
	_, _ = s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateIPAM,
		AggregateID:     "pool",
		Type:            models.EventIpamExhausted,
		Payload:         map[string]string{"error": cause.Error()},
		Actor:           "system",
		ExpectedVersion: eventstore.AnyVersion,
	})
}

// validTransitions is the node lifecycle state machine.
var validTransitions = map[models.NodeStatus][]models.NodeStatus{
	models.NodeStatusPending:   {models.NodeStatusActive, models.NodeStatusRevoked},
	models.NodeStatusActive:    {models.NodeStatusSuspended, models.NodeStatusRevoked},
	models.NodeStatusSuspended: {models.NodeStatusActive, models.NodeStatusRevoked},
}

func transitionAllowed(from, to models.NodeStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func eventForTransition(to models.NodeStatus, from models.NodeStatus) models.EventType {
	switch to {
	case models.NodeStatusActive:
		if from == models.NodeStatusSuspended {
			return models.EventNodeResumed
		}
		return models.EventNodeApproved
	case models.NodeStatusSuspended:
		return models.EventNodeSuspended
	default:
		return models.EventNodeRevoked
	}
}

// ApproveNode activates a pending node and mints its bearer token.
func (s *Service) ApproveNode(ctx context.Context, nodeID, actor string) (*models.Node, error) {
	unlock := s.lockCommit()
	defer unlock()
	return s.transitionLocked(ctx, nodeID, models.NodeStatusActive, actor, "")
}

// SuspendNode takes a node out of every peer list, reversibly.
func (s *Service) SuspendNode(ctx context.Context, nodeID, actor, reason string) (*models.Node, error) {
	unlock := s.lockCommit()
	defer unlock()
	return s.transitionLocked(ctx, nodeID, models.NodeStatusSuspended, actor, reason)
}

// ResumeNode reactivates a suspended node.
func (s *Service) ResumeNode(ctx context.Context, nodeID, actor string) (*models.Node, error) {
	unlock := s.lockCommit()
	defer unlock()
	return s.transitionLocked(ctx, nodeID, models.NodeStatusActive, actor, "")
}

// RevokeNode terminally removes a node: its key is blacklisted and its
// address is released into the cool-down window.
func (s *Service) RevokeNode(ctx context.Context, nodeID, actor, reason string) (*models.Node, error) {
	unlock := s.lockCommit()
	defer unlock()

	node, err := s.transitionLocked(ctx, nodeID, models.NodeStatusRevoked, actor, reason)
	if err != nil {
		return nil, err
	}

	if node.OverlayIP != "" {
		if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
			AggregateType:   models.AggregateIPAM,
			AggregateID:     node.OverlayIP,
			Type:            models.EventIPReleased,
			Payload:         models.IPAllocationPayload{IP: node.OverlayIP, OwnerID: node.ID},
			Actor:           actor,
			ExpectedVersion: eventstore.AnyVersion,
		}); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (s *Service) transitionLocked(ctx context.Context, nodeID string, to models.NodeStatus, actor, reason string) (*models.Node, error) {
	node, ok := s.proj.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, errors.ErrNotFound)
	}
	if !transitionAllowed(node.Status, to) {
		return nil, fmt.Errorf("cannot transition %s from %s to %s: %w",
			node.Hostname, node.Status, to, errors.ErrConflict)
	}

	payload := models.NodeLifecyclePayload{From: node.Status, To: to, Reason: reason}
	if to == models.NodeStatusActive && node.Status == models.NodeStatusPending {
		payload.ApprovedBy = actor
		bearer, err := token.NewToken()
		if err != nil {
			return nil, err
		}
		payload.Token = bearer
	}

	version := s.aggregateVersion(ctx, models.AggregateNode, nodeID)
	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNode,
		AggregateID:     nodeID,
		Type:            eventForTransition(to, node.Status),
		Payload:         payload,
		Actor:           actor,
		ExpectedVersion: version,
	}); err != nil {
		return nil, err
	}

	updated, _ := s.proj.Node(nodeID)
	s.logger.InfoContext(ctx, "node transition",
		"node", node.Hostname, "from", node.Status, "to", to, "actor", actor)
	return updated, nil
}

func (s *Service) aggregateVersion(ctx context.Context, typ models.AggregateType, id string) int64 {
	events, err := s.store.ReadAggregate(ctx, typ, id)
	if err != nil || len(events) == 0 {
		return eventstore.AnyVersion
	}
	return events[len(events)-1].AggregateVersion
}

// Heartbeat records liveness, recomputes trust, and auto-suspends on
// critical. Returns the interval until the next expected heartbeat.
func (s *Service) Heartbeat(ctx context.Context, nodeID, realIP string, metrics models.HeartbeatMetrics) (time.Duration, error) {
	unlock := s.lockCommit()
	defer unlock()

	node, ok := s.proj.Node(nodeID)
	if !ok {
		return 0, fmt.Errorf("node %s: %w", nodeID, errors.ErrNotFound)
	}
	if node.Status == models.NodeStatusRevoked {
		return 0, errors.ErrForbidden
	}

	if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
		AggregateType:   models.AggregateNode,
		AggregateID:     nodeID,
		Type:            models.EventNodeHeartbeat,
		Payload:         models.NodeHeartbeatPayload{RealIP: realIP, Metrics: metrics, SeenAt: s.now().UTC()},
		Actor:           node.Hostname,
		ExpectedVersion: eventstore.AnyVersion,
	}); err != nil {
		return 0, err
	}

	result := s.trust.Compute(node, metrics)

	// Consecutive identical scores suppress event emission.
	if result.Score != node.TrustScore {
		if _, err := s.commitLocked(ctx, eventstore.AppendRequest{
			AggregateType: models.AggregateNode,
			AggregateID:   nodeID,
			Type:          models.EventTrustScoreChanged,
			Payload: models.TrustScoreChangedPayload{
				Score:         result.Score,
				PreviousScore: node.TrustScore,
				RiskLevel:     result.RiskLevel,
				ActionTaken:   result.Action,
				Inputs:        result.Inputs,
			},
			Actor:           "trust-engine",
			ExpectedVersion: eventstore.AnyVersion,
		}); err != nil {
			return 0, err
		}
	}

	if result.Action == models.TrustIsolate && node.Status == models.NodeStatusActive {
		if _, err := s.transitionLocked(ctx, nodeID, models.NodeStatusSuspended, "trust-engine",
			fmt.Sprintf("trust score %d below critical threshold", result.Score)); err != nil {
			return 0, err
		}
	}

	return s.opts.HeartbeatNext, nil
}

// SyncResult pairs a plan with its content hash.
type SyncResult struct {
	Plan *models.Plan
	Hash string
}

// SyncPlan compiles the current plan for one node. Pending nodes get
// ErrNotApproved; revoked nodes get ErrForbidden.
func (s *Service) SyncPlan(ctx context.Context, nodeID string) (*SyncResult, error) {
	node, ok := s.proj.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, errors.ErrNotFound)
	}
	switch node.Status {
	case models.NodeStatusPending:
		return nil, errors.ErrNotApproved
	case models.NodeStatusRevoked:
		return nil, errors.ErrForbidden
	}

	p := s.synth.ForNode(s.proj, node)
	return &SyncResult{Plan: p, Hash: plan.Hash(p)}, nil
}

func stderrorsIs(err, target error) bool { return stderrors.Is(err, target) }
