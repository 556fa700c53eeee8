// Package models defines the core domain types for the zero trust overlay network.
package models

import (
	"time"
)

// NodeStatus represents the lifecycle status of a node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusSuspended NodeStatus = "suspended"
	NodeStatusRevoked   NodeStatus = "revoked"
)

// NodeRole represents the role a node plays on the overlay.
type NodeRole string

const (
	RoleHub     NodeRole = "hub"
	RoleApp     NodeRole = "app"
	RoleDB      NodeRole = "db"
	RoleOps     NodeRole = "ops"
	RoleMonitor NodeRole = "monitor"
	RoleGateway NodeRole = "gateway"
	RoleClient  NodeRole = "client"
)

// ValidRoles lists every role accepted at registration.
var ValidRoles = []NodeRole{RoleHub, RoleApp, RoleDB, RoleOps, RoleMonitor, RoleGateway, RoleClient}

// IsValidRole reports whether r is a known node role.
func IsValidRole(r NodeRole) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Node represents a registered member of the overlay network.
type Node struct {
	ID            string     `json:"id"`
	Hostname      string     `json:"hostname"`
	Role          NodeRole   `json:"role"`
	PublicKey     string     `json:"public_key"`
	RealIP        string     `json:"real_ip,omitempty"`
	OverlayIP     string     `json:"overlay_ip,omitempty"`
	Status        NodeStatus `json:"status"`
	TrustScore    int        `json:"trust_score"`
	RiskLevel     RiskLevel  `json:"risk_level"`
	AgentVersion  string     `json:"agent_version,omitempty"`
	OSInfo        string     `json:"os_info,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsActive reports whether the node participates in peer and ACL computation.
func (n *Node) IsActive() bool {
	return n.Status == NodeStatusActive
}

// UserStatus represents the lifecycle status of a user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// User represents an identity that client devices and access policies attach to.
type User struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Department  string     `json:"department,omitempty"`
	Status      UserStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Group is a named set of users.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	MemberIDs   []string  `json:"member_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubjectType discriminates access-policy subjects.
type SubjectType string

const (
	SubjectUser  SubjectType = "user"
	SubjectGroup SubjectType = "group"
)

// Subject identifies who an access policy applies to.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

// ResourceType discriminates access-policy resources.
type ResourceType string

const (
	ResourceDomain    ResourceType = "domain"
	ResourceOverlayIP ResourceType = "overlay_ip"
	ResourcePort      ResourceType = "port"
	ResourceRole      ResourceType = "role"
)

// Resource identifies what an access policy grants or denies.
type Resource struct {
	Type  ResourceType `json:"type"`
	Value string       `json:"value"`
}

// PolicyAction is the outcome of a matched access policy.
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionDeny  PolicyAction = "deny"
)

// AccessPolicy grants or denies a user or group access to a resource.
// Higher priority wins; absence of a matching enabled policy means deny.
type AccessPolicy struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Subject   Subject      `json:"subject"`
	Resource  Resource     `json:"resource"`
	Action    PolicyAction `json:"action"`
	Priority  int          `json:"priority"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Protocol is a network protocol selector for firewall rules.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoAny  Protocol = "any"
)

// RuleAction is a firewall verdict.
type RuleAction string

const (
	RuleAccept RuleAction = "ACCEPT"
	RuleDrop   RuleAction = "DROP"
)

// NetworkPolicy is a role-level firewall rule compiled into per-node chains.
type NetworkPolicy struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	SrcRole   NodeRole   `json:"src_role"`
	DstRole   NodeRole   `json:"dst_role"`
	Protocol  Protocol   `json:"protocol"`
	Port      string     `json:"port,omitempty"` // single port or "low-high" range; empty = any
	Action    RuleAction `json:"action"`
	Priority  int        `json:"priority"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TunnelMode selects how much of a client device's traffic enters the tunnel.
type TunnelMode string

const (
	TunnelFull  TunnelMode = "full"
	TunnelSplit TunnelMode = "split"
)

// DeviceType distinguishes client device form factors.
type DeviceType string

const (
	DeviceMobile DeviceType = "mobile"
	DeviceLaptop DeviceType = "laptop"
)

// DeviceStatus represents the lifecycle status of a client device.
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// ClientDevice is an end-user laptop or phone issued a tunnel profile.
type ClientDevice struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Name       string       `json:"name"`
	Type       DeviceType   `json:"type"`
	PublicKey  string       `json:"public_key"`
	OverlayIP  string       `json:"overlay_ip"`
	TunnelMode TunnelMode   `json:"tunnel_mode"`
	Status     DeviceStatus `json:"status"`
	ExpiresAt  time.Time    `json:"expires_at"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Expired reports whether the device is past its expiry at the given instant.
func (d *ClientDevice) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// RiskLevel is the coarse bucket derived from a trust score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// TrustAction is what the control plane does about a risk level.
type TrustAction string

const (
	TrustAllow    TrustAction = "allow"
	TrustRestrict TrustAction = "restrict"
	TrustIsolate  TrustAction = "isolate"
)

// TrustHistory records one trust recomputation for a node.
type TrustHistory struct {
	ID            string         `json:"id"`
	NodeID        string         `json:"node_id"`
	Score         int            `json:"score"`
	PreviousScore int            `json:"previous_score"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	ActionTaken   TrustAction    `json:"action_taken"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	CalculatedAt  time.Time      `json:"calculated_at"`
}

// HeartbeatMetrics is the payload agents report on every heartbeat. It feeds
// the trust engine.
type HeartbeatMetrics struct {
	CPUPercent          float64 `json:"cpu_percent"`
	MemoryPercent       float64 `json:"memory_percent"`
	DiskPercent         float64 `json:"disk_percent"`
	UptimeSeconds       int64   `json:"uptime_seconds"`
	TotalConnections    int     `json:"total_connections"`
	TimeWaitConnections int     `json:"time_wait_connections"`
	HandshakeLatencyMS  int     `json:"handshake_latency_ms"`
	SSHFailures         int     `json:"ssh_failures"`
	FirewallViolations  int     `json:"firewall_violations"`
	PortScansDetected   int     `json:"port_scans_detected"`
	SuspiciousProcesses int     `json:"suspicious_processes"`
}

// Directive instructs an agent to take an out-of-band action on next sync.
type Directive string

const (
	DirectiveIsolate     Directive = "isolate"
	DirectiveReenroll    Directive = "reenroll"
	DirectiveShutdown    Directive = "shutdown"
	DirectiveRotateKeyBy Directive = "rotate_key_by"
)

// InterfaceConfig describes the local WireGuard interface for one node.
type InterfaceConfig struct {
	Address    string   `json:"address"`
	PrivateKey string   `json:"private_key,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	DNS        []string `json:"dns,omitempty"`
}

// PeerConfig describes one WireGuard peer in a compiled plan.
type PeerConfig struct {
	PublicKey  string   `json:"public_key"`
	Endpoint   string   `json:"endpoint,omitempty"`
	AllowedIPs []string `json:"allowed_ips"`
	Keepalive  int      `json:"keepalive,omitempty"`
}

// FirewallRule is one row of the compiled per-node chain.
type FirewallRule struct {
	Src      string     `json:"src"`
	Dst      string     `json:"dst,omitempty"`
	Proto    Protocol   `json:"proto"`
	Port     string     `json:"port,omitempty"`
	Action   RuleAction `json:"action"`
	Priority int        `json:"priority"`
}

// Plan is the compiled desired state for one node at a point in time.
type Plan struct {
	NodeID        string          `json:"node_id"`
	Interface     InterfaceConfig `json:"interface"`
	Peers         []PeerConfig    `json:"peers"`
	FirewallRules []FirewallRule  `json:"firewall_rules"`
	Directives    []Directive     `json:"directives,omitempty"`
}

// EvaluateResult is the outcome of an access-plane decision.
type EvaluateResult struct {
	Allowed         bool         `json:"allowed"`
	Action          PolicyAction `json:"action"`
	MatchedPolicyID string       `json:"matched_policy_id,omitempty"`
	Reason          string       `json:"reason"`
}
