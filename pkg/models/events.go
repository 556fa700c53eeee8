package models

import (
	"encoding/json"
	"time"
)

// AggregateType identifies the family of aggregate an event belongs to.
type AggregateType string

const (
	AggregateNode          AggregateType = "node"
	AggregateUser          AggregateType = "user"
	AggregateGroup         AggregateType = "group"
	AggregateAccessPolicy  AggregateType = "access_policy"
	AggregateNetworkPolicy AggregateType = "network_policy"
	AggregateClientDevice  AggregateType = "client_device"
	AggregateIPAM          AggregateType = "ipam"
	AggregateSystem        AggregateType = "system"
)

// EventType names a domain event.
type EventType string

const (
	EventNodeCreated       EventType = "node.created"
	EventNodeApproved      EventType = "node.approved"
	EventNodeSuspended     EventType = "node.suspended"
	EventNodeResumed       EventType = "node.resumed"
	EventNodeRevoked       EventType = "node.revoked"
	EventNodeHeartbeat     EventType = "node.heartbeat"
	EventTrustScoreChanged EventType = "node.trust_score_changed"

	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"

	EventGroupCreated       EventType = "group.created"
	EventGroupUpdated       EventType = "group.updated"
	EventGroupDeleted       EventType = "group.deleted"
	EventGroupMemberAdded   EventType = "group.member_added"
	EventGroupMemberRemoved EventType = "group.member_removed"

	EventAccessPolicyCreated EventType = "access_policy.created"
	EventAccessPolicyUpdated EventType = "access_policy.updated"
	EventAccessPolicyDeleted EventType = "access_policy.deleted"

	EventNetworkPolicyCreated EventType = "network_policy.created"
	EventNetworkPolicyUpdated EventType = "network_policy.updated"
	EventNetworkPolicyDeleted EventType = "network_policy.deleted"

	EventDeviceCreated         EventType = "client_device.created"
	EventDeviceRevoked         EventType = "client_device.revoked"
	EventDeviceConfigRetrieved EventType = "client_device.config_retrieved"

	EventIPAllocated   EventType = "ipam.allocated"
	EventIPReleased    EventType = "ipam.released"
	EventIpamExhausted EventType = "ipam.exhausted"

	EventMigrationApplied EventType = "system.migration_applied"
)

// Event is one record of the append-only log. ID is assigned at commit and
// is strictly monotonic across all aggregates; AggregateVersion increases by
// exactly 1 per accepted event within an aggregate.
type Event struct {
	ID               int64           `json:"id"`
	AggregateType    AggregateType   `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	Type             EventType       `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	Actor            string          `json:"actor"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NodeCreatedPayload carries the initial node record.
type NodeCreatedPayload struct {
	Node Node `json:"node"`
}

// NodeLifecyclePayload carries a status transition.
type NodeLifecyclePayload struct {
	From       NodeStatus `json:"from"`
	To         NodeStatus `json:"to"`
	Reason     string     `json:"reason,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	Token      string     `json:"token,omitempty"`
}

// NodeHeartbeatPayload records liveness and the metrics snapshot.
type NodeHeartbeatPayload struct {
	RealIP  string           `json:"real_ip,omitempty"`
	Metrics HeartbeatMetrics `json:"metrics"`
	SeenAt  time.Time        `json:"seen_at"`
}

// TrustScoreChangedPayload records one trust transition.
type TrustScoreChangedPayload struct {
	Score         int            `json:"score"`
	PreviousScore int            `json:"previous_score"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	ActionTaken   TrustAction    `json:"action_taken"`
	Inputs        map[string]any `json:"inputs,omitempty"`
}

// UserPayload carries a full user record.
type UserPayload struct {
	User User `json:"user"`
}

// GroupPayload carries a full group record.
type GroupPayload struct {
	Group Group `json:"group"`
}

// GroupMemberPayload records a membership change.
type GroupMemberPayload struct {
	UserID string `json:"user_id"`
}

// AccessPolicyPayload carries a full access policy record.
type AccessPolicyPayload struct {
	Policy AccessPolicy `json:"policy"`
}

// NetworkPolicyPayload carries a full network policy record.
type NetworkPolicyPayload struct {
	Policy NetworkPolicy `json:"policy"`
}

// DeviceCreatedPayload carries the device record. The private key appears
// only sealed under the master secret; the plaintext is delivered over TLS
// at retrieval time.
type DeviceCreatedPayload struct {
	Device           ClientDevice `json:"device"`
	ConfigToken      string       `json:"config_token"`
	SingleUse        bool         `json:"single_use"`
	SealedPrivateKey []byte       `json:"sealed_private_key"`
}

// DeviceRevokedPayload records why a device was revoked.
type DeviceRevokedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// IPAllocationPayload records an address moving in or out of a pool.
type IPAllocationPayload struct {
	IP      string `json:"ip"`
	Pool    string `json:"pool"`
	OwnerID string `json:"owner_id"`
}
