// Package projection maintains the in-memory read models rebuilt from the
// event log. All reads tolerate brief staleness; writes flow exclusively
// through the event store and arrive here via Apply.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Projection is the deterministic fold of the event log into lookup tables.
type Projection struct {
	mu          sync.RWMutex
	lastEventID int64

	nodes           map[string]*models.Node
	nodesByHostname map[string]string
	nodesByToken    map[string]string
	blacklistedKeys map[string]struct{}

	users             map[string]*models.User
	usersByExternalID map[string]string

	groups       map[string]*models.Group
	groupsByName map[string]string

	accessPolicies map[string]*models.AccessPolicy

	networkPolicies    map[string]*models.NetworkPolicy
	networkPolicyOrder []string

	devices        map[string]*models.ClientDevice
	devicesByUser  map[string][]string
	devicesByToken map[string]string
	deviceSecrets  map[string]deviceSecret
	consumedTokens map[string]struct{}

	trustHistory map[string][]*models.TrustHistory

	now func() time.Time
}

// deviceSecret holds per-device delivery material derived from the log.
type deviceSecret struct {
	sealedPrivateKey []byte
	singleUse        bool
}

// New creates an empty projection.
func New() *Projection {
	return &Projection{
		nodes:             make(map[string]*models.Node),
		nodesByHostname:   make(map[string]string),
		nodesByToken:      make(map[string]string),
		blacklistedKeys:   make(map[string]struct{}),
		users:             make(map[string]*models.User),
		usersByExternalID: make(map[string]string),
		groups:            make(map[string]*models.Group),
		groupsByName:      make(map[string]string),
		accessPolicies:    make(map[string]*models.AccessPolicy),
		networkPolicies:   make(map[string]*models.NetworkPolicy),
		devices:           make(map[string]*models.ClientDevice),
		devicesByUser:     make(map[string][]string),
		devicesByToken:    make(map[string]string),
		deviceSecrets:     make(map[string]deviceSecret),
		consumedTokens:    make(map[string]struct{}),
		trustHistory:      make(map[string][]*models.TrustHistory),
		now:               time.Now,
	}
}

// Rebuild replays the full log from zero. Warm start from an N-event log is
// a single O(N) pass.
func (p *Projection) Rebuild(ctx context.Context, store eventstore.Store) error {
	const batch = 1000

	p.mu.Lock()
	p.reset()
	p.mu.Unlock()

	var cursor int64
	for {
		events, err := store.ReadRange(ctx, cursor, batch)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := p.Apply(e); err != nil {
				return fmt.Errorf("apply event %d: %w", e.ID, err)
			}
			cursor = e.ID
		}
	}
}

func (p *Projection) reset() {
	p.lastEventID = 0
	p.nodes = make(map[string]*models.Node)
	p.nodesByHostname = make(map[string]string)
	p.nodesByToken = make(map[string]string)
	p.blacklistedKeys = make(map[string]struct{})
	p.users = make(map[string]*models.User)
	p.usersByExternalID = make(map[string]string)
	p.groups = make(map[string]*models.Group)
	p.groupsByName = make(map[string]string)
	p.accessPolicies = make(map[string]*models.AccessPolicy)
	p.networkPolicies = make(map[string]*models.NetworkPolicy)
	p.networkPolicyOrder = nil
	p.devices = make(map[string]*models.ClientDevice)
	p.devicesByUser = make(map[string][]string)
	p.devicesByToken = make(map[string]string)
	p.deviceSecrets = make(map[string]deviceSecret)
	p.consumedTokens = make(map[string]struct{})
	p.trustHistory = make(map[string][]*models.TrustHistory)
}

// Apply folds one committed event into the read models. Events arriving out
// of order or twice are rejected by the id check, which makes replay after a
// crash idempotent.
func (p *Projection) Apply(e *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.ID <= p.lastEventID {
		return nil
	}

	var err error
	switch e.Type {
	case models.EventNodeCreated:
		err = p.applyNodeCreated(e)
	case models.EventNodeApproved, models.EventNodeSuspended, models.EventNodeResumed, models.EventNodeRevoked:
		err = p.applyNodeLifecycle(e)
	case models.EventNodeHeartbeat:
		err = p.applyNodeHeartbeat(e)
	case models.EventTrustScoreChanged:
		err = p.applyTrustScoreChanged(e)
	case models.EventUserCreated, models.EventUserUpdated:
		err = p.applyUserUpsert(e)
	case models.EventUserDeleted:
		p.applyUserDeleted(e)
	case models.EventGroupCreated, models.EventGroupUpdated:
		err = p.applyGroupUpsert(e)
	case models.EventGroupDeleted:
		p.applyGroupDeleted(e)
	case models.EventGroupMemberAdded, models.EventGroupMemberRemoved:
		err = p.applyGroupMember(e)
	case models.EventAccessPolicyCreated, models.EventAccessPolicyUpdated:
		err = p.applyAccessPolicyUpsert(e)
	case models.EventAccessPolicyDeleted:
		delete(p.accessPolicies, e.AggregateID)
	case models.EventNetworkPolicyCreated, models.EventNetworkPolicyUpdated:
		err = p.applyNetworkPolicyUpsert(e)
	case models.EventNetworkPolicyDeleted:
		p.applyNetworkPolicyDeleted(e)
	case models.EventDeviceCreated:
		err = p.applyDeviceCreated(e)
	case models.EventDeviceRevoked:
		p.applyDeviceRevoked(e)
	case models.EventDeviceConfigRetrieved:
		p.applyDeviceConfigRetrieved(e)
	case models.EventIPAllocated, models.EventIPReleased, models.EventIpamExhausted, models.EventMigrationApplied:
		// IPAM state is owned by the allocator; nothing to fold here.
	default:
		slog.Warn("projection: unknown event type", "type", e.Type, "id", e.ID)
	}
	if err != nil {
		return err
	}

	p.lastEventID = e.ID
	return nil
}

func (p *Projection) applyNodeCreated(e *models.Event) error {
	var payload models.NodeCreatedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	node := payload.Node
	p.nodes[node.ID] = &node
	p.nodesByHostname[node.Hostname] = node.ID
	return nil
}

func (p *Projection) applyNodeLifecycle(e *models.Event) error {
	node, ok := p.nodes[e.AggregateID]
	if !ok {
		return nil
	}
	var payload models.NodeLifecyclePayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	node.Status = payload.To
	node.UpdatedAt = e.CreatedAt
	if payload.ApprovedBy != "" {
		node.ApprovedBy = payload.ApprovedBy
	}
	if payload.Token != "" {
		p.nodesByToken[payload.Token] = node.ID
	}
	if payload.To == models.NodeStatusRevoked {
		p.blacklistedKeys[node.PublicKey] = struct{}{}
		for token, id := range p.nodesByToken {
			if id == node.ID {
				delete(p.nodesByToken, token)
			}
		}
	}
	return nil
}

func (p *Projection) applyNodeHeartbeat(e *models.Event) error {
	node, ok := p.nodes[e.AggregateID]
	if !ok {
		return nil
	}
	var payload models.NodeHeartbeatPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	node.LastHeartbeat = payload.SeenAt
	if payload.RealIP != "" {
		node.RealIP = payload.RealIP
	}
	return nil
}

func (p *Projection) applyTrustScoreChanged(e *models.Event) error {
	node, ok := p.nodes[e.AggregateID]
	if !ok {
		return nil
	}
	var payload models.TrustScoreChangedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	node.TrustScore = payload.Score
	node.RiskLevel = payload.RiskLevel
	p.trustHistory[node.ID] = append(p.trustHistory[node.ID], &models.TrustHistory{
		NodeID:        node.ID,
		Score:         payload.Score,
		PreviousScore: payload.PreviousScore,
		RiskLevel:     payload.RiskLevel,
		ActionTaken:   payload.ActionTaken,
		Inputs:        payload.Inputs,
		CalculatedAt:  e.CreatedAt,
	})
	return nil
}

func (p *Projection) applyUserUpsert(e *models.Event) error {
	var payload models.UserPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	user := payload.User
	p.users[user.ID] = &user
	p.usersByExternalID[user.ExternalID] = user.ID
	return nil
}

func (p *Projection) applyUserDeleted(e *models.Event) {
	if user, ok := p.users[e.AggregateID]; ok {
		delete(p.usersByExternalID, user.ExternalID)
		delete(p.users, e.AggregateID)
	}
	for _, g := range p.groups {
		g.MemberIDs = removeString(g.MemberIDs, e.AggregateID)
	}
}

func (p *Projection) applyGroupUpsert(e *models.Event) error {
	var payload models.GroupPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	group := payload.Group
	if group.MemberIDs == nil {
		group.MemberIDs = []string{}
	}
	if prev, ok := p.groups[group.ID]; ok {
		group.MemberIDs = prev.MemberIDs
		delete(p.groupsByName, prev.Name)
	}
	p.groups[group.ID] = &group
	p.groupsByName[group.Name] = group.ID
	return nil
}

func (p *Projection) applyGroupDeleted(e *models.Event) {
	if group, ok := p.groups[e.AggregateID]; ok {
		delete(p.groupsByName, group.Name)
		delete(p.groups, e.AggregateID)
	}
}

func (p *Projection) applyGroupMember(e *models.Event) error {
	group, ok := p.groups[e.AggregateID]
	if !ok {
		return nil
	}
	var payload models.GroupMemberPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	switch e.Type {
	case models.EventGroupMemberAdded:
		for _, id := range group.MemberIDs {
			if id == payload.UserID {
				return nil
			}
		}
		group.MemberIDs = append(group.MemberIDs, payload.UserID)
	case models.EventGroupMemberRemoved:
		group.MemberIDs = removeString(group.MemberIDs, payload.UserID)
	}
	return nil
}

func (p *Projection) applyAccessPolicyUpsert(e *models.Event) error {
	var payload models.AccessPolicyPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	policy := payload.Policy
	p.accessPolicies[policy.ID] = &policy
	return nil
}

func (p *Projection) applyNetworkPolicyUpsert(e *models.Event) error {
	var payload models.NetworkPolicyPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	policy := payload.Policy
	if _, ok := p.networkPolicies[policy.ID]; !ok {
		p.networkPolicyOrder = append(p.networkPolicyOrder, policy.ID)
	}
	p.networkPolicies[policy.ID] = &policy
	return nil
}

func (p *Projection) applyNetworkPolicyDeleted(e *models.Event) {
	delete(p.networkPolicies, e.AggregateID)
	p.networkPolicyOrder = removeString(p.networkPolicyOrder, e.AggregateID)
}

func (p *Projection) applyDeviceCreated(e *models.Event) error {
	var payload models.DeviceCreatedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	device := payload.Device
	p.devices[device.ID] = &device
	p.devicesByUser[device.UserID] = append(p.devicesByUser[device.UserID], device.ID)
	if payload.ConfigToken != "" {
		p.devicesByToken[payload.ConfigToken] = device.ID
		p.deviceSecrets[device.ID] = deviceSecret{
			sealedPrivateKey: payload.SealedPrivateKey,
			singleUse:        payload.SingleUse,
		}
	}
	return nil
}

func (p *Projection) applyDeviceRevoked(e *models.Event) {
	if device, ok := p.devices[e.AggregateID]; ok {
		device.Status = models.DeviceStatusRevoked
	}
}

func (p *Projection) applyDeviceConfigRetrieved(e *models.Event) {
	for token, id := range p.devicesByToken {
		if id == e.AggregateID {
			if p.deviceSecrets[id].singleUse {
				p.consumedTokens[token] = struct{}{}
			}
		}
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Read accessors. All return copies so callers never share projection memory.
// ---------------------------------------------------------------------------

// LastEventID returns the id of the last applied event.
func (p *Projection) LastEventID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEventID
}

// Node returns one node by id.
func (p *Projection) Node(id string) (*models.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	node, ok := p.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *node
	return &cp, true
}

// NodeByHostname returns one node by its unique hostname.
func (p *Projection) NodeByHostname(hostname string) (*models.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.nodesByHostname[hostname]
	if !ok {
		return nil, false
	}
	cp := *p.nodes[id]
	return &cp, true
}

// NodeByToken resolves a node bearer token minted at approval.
func (p *Projection) NodeByToken(token string) (*models.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.nodesByToken[token]
	if !ok {
		return nil, false
	}
	cp := *p.nodes[id]
	return &cp, true
}

// TokenForNode returns the bearer token minted for one node at approval.
func (p *Projection) TokenForNode(nodeID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for token, id := range p.nodesByToken {
		if id == nodeID {
			return token, true
		}
	}
	return "", false
}

// Nodes returns every node sorted by hostname.
func (p *Projection) Nodes() []*models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// ActiveNodes returns every node with status active, sorted by hostname.
func (p *Projection) ActiveNodes() []*models.Node {
	var out []*models.Node
	for _, n := range p.Nodes() {
		if n.IsActive() {
			out = append(out, n)
		}
	}
	return out
}

// NodesByRole returns active nodes holding the given role.
func (p *Projection) NodesByRole(role models.NodeRole) []*models.Node {
	var out []*models.Node
	for _, n := range p.ActiveNodes() {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// IsKeyBlacklisted reports whether a public key belonged to a revoked node.
func (p *Projection) IsKeyBlacklisted(publicKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.blacklistedKeys[publicKey]
	return ok
}

// User returns one user by internal id.
func (p *Projection) User(id string) (*models.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	user, ok := p.users[id]
	if !ok {
		return nil, false
	}
	cp := *user
	return &cp, true
}

// UserByExternalID returns one user by external id.
func (p *Projection) UserByExternalID(externalID string) (*models.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.usersByExternalID[externalID]
	if !ok {
		return nil, false
	}
	cp := *p.users[id]
	return &cp, true
}

// Users returns every user sorted by external id.
func (p *Projection) Users() []*models.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.User, 0, len(p.users))
	for _, u := range p.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// Group returns one group by id.
func (p *Projection) Group(id string) (*models.Group, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	group, ok := p.groups[id]
	if !ok {
		return nil, false
	}
	return copyGroup(group), true
}

// GroupByName returns one group by its unique name.
func (p *Projection) GroupByName(name string) (*models.Group, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.groupsByName[name]
	if !ok {
		return nil, false
	}
	return copyGroup(p.groups[id]), true
}

// Groups returns every group sorted by name.
func (p *Projection) Groups() []*models.Group {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Group, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupIDsForUser returns the ids of every group the user belongs to.
func (p *Projection) GroupIDsForUser(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, g := range p.groups {
		for _, m := range g.MemberIDs {
			if m == userID {
				out = append(out, g.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func copyGroup(g *models.Group) *models.Group {
	cp := *g
	cp.MemberIDs = append([]string(nil), g.MemberIDs...)
	return &cp
}

// AccessPolicy returns one access policy by id.
func (p *Projection) AccessPolicy(id string) (*models.AccessPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.accessPolicies[id]
	if !ok {
		return nil, false
	}
	cp := *policy
	return &cp, true
}

// AccessPolicies returns every access policy sorted by priority descending
// then id, so higher priorities evaluate first.
func (p *Projection) AccessPolicies() []*models.AccessPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.AccessPolicy, 0, len(p.accessPolicies))
	for _, ap := range p.accessPolicies {
		cp := *ap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NetworkPolicy returns one network policy by id.
func (p *Projection) NetworkPolicy(id string) (*models.NetworkPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.networkPolicies[id]
	if !ok {
		return nil, false
	}
	cp := *policy
	return &cp, true
}

// NetworkPolicies returns every network policy in insertion order, which the
// compiler uses as the final tie-breaker.
func (p *Projection) NetworkPolicies() []*models.NetworkPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.NetworkPolicy, 0, len(p.networkPolicyOrder))
	for _, id := range p.networkPolicyOrder {
		if np, ok := p.networkPolicies[id]; ok {
			cp := *np
			out = append(out, &cp)
		}
	}
	return out
}

// Device returns one client device by id, reading expiry through to status.
func (p *Projection) Device(id string) (*models.ClientDevice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	device, ok := p.devices[id]
	if !ok {
		return nil, false
	}
	return p.copyDevice(device), true
}

// Devices returns every client device sorted by creation time.
func (p *Projection) Devices() []*models.ClientDevice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.ClientDevice, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, p.copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DevicesForUser returns every device owned by one user.
func (p *Projection) DevicesForUser(userID string) []*models.ClientDevice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.ClientDevice
	for _, id := range p.devicesByUser[userID] {
		if d, ok := p.devices[id]; ok {
			out = append(out, p.copyDevice(d))
		}
	}
	return out
}

// ActiveDevices returns devices that are neither revoked nor expired.
func (p *Projection) ActiveDevices() []*models.ClientDevice {
	var out []*models.ClientDevice
	for _, d := range p.Devices() {
		if d.Status == models.DeviceStatusActive {
			out = append(out, d)
		}
	}
	return out
}

// Expired devices read as revoked without waiting for an explicit event.
func (p *Projection) copyDevice(d *models.ClientDevice) *models.ClientDevice {
	cp := *d
	if cp.Status == models.DeviceStatusActive && cp.Expired(p.now()) {
		cp.Status = models.DeviceStatusRevoked
	}
	return &cp
}

// DeviceToken describes delivery state for one config token.
type DeviceToken struct {
	DeviceID         string
	SealedPrivateKey []byte
	SingleUse        bool
	Consumed         bool
}

// DeviceByToken resolves a config token to its device and sealed key
// material.
func (p *Projection) DeviceByToken(token string) (*models.ClientDevice, *DeviceToken, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.devicesByToken[token]
	if !ok {
		return nil, nil, false
	}
	device := p.copyDevice(p.devices[id])
	secret := p.deviceSecrets[id]
	_, consumed := p.consumedTokens[token]
	return device, &DeviceToken{
		DeviceID:         id,
		SealedPrivateKey: append([]byte(nil), secret.sealedPrivateKey...),
		SingleUse:        secret.singleUse,
		Consumed:         consumed,
	}, true
}

// TrustHistoryForNode returns trust transitions for one node, newest first,
// capped at limit (0 = all).
func (p *Projection) TrustHistoryForNode(nodeID string, limit int) []*models.TrustHistory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	history := p.trustHistory[nodeID]
	out := make([]*models.TrustHistory, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cp := *history[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AllocatedIPs returns every overlay address held by a node or an unexpired
// device. Node registration consults this to check that the allocator's pick
// is not already held.
func (p *Projection) AllocatedIPs() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string)
	for _, n := range p.nodes {
		if n.OverlayIP != "" && n.Status != models.NodeStatusRevoked {
			out[n.OverlayIP] = n.ID
		}
	}
	for _, d := range p.devices {
		if d.OverlayIP != "" && d.Status != models.DeviceStatusRevoked && !d.Expired(p.now()) {
			out[d.OverlayIP] = d.ID
		}
	}
	return out
}
