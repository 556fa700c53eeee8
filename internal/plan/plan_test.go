package plan_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

type fixture struct {
	store *eventstore.MemoryStore
	proj  *projection.Projection
	synth *plan.Synthesizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	synth, err := plan.NewSynthesizer(plan.Config{
		OverlayCIDR: "10.10.0.0/24",
		HubEndpoint: "hub.example.com:51820",
		WGPort:      51820,
		DNS:         []string{"10.10.0.1"},
	})
	require.NoError(t, err)
	return &fixture{
		store: eventstore.NewMemoryStore(),
		proj:  projection.New(),
		synth: synth,
	}
}

func (f *fixture) append(t *testing.T, typ models.AggregateType, id string, event models.EventType, payload any) {
	t.Helper()
	e, err := f.store.Append(context.Background(), eventstore.AppendRequest{
		AggregateType:   typ,
		AggregateID:     id,
		Type:            event,
		Payload:         payload,
		ExpectedVersion: eventstore.AnyVersion,
	})
	require.NoError(t, err)
	require.NoError(t, f.proj.Apply(e))
}

func (f *fixture) activeNode(t *testing.T, id, hostname string, role models.NodeRole, ip string) *models.Node {
	t.Helper()
	f.append(t, models.AggregateNode, id, models.EventNodeCreated,
		models.NodeCreatedPayload{Node: models.Node{
			ID: id, Hostname: hostname, Role: role,
			PublicKey: "pk-" + id, OverlayIP: ip,
			Status: models.NodeStatusPending, RiskLevel: models.RiskLow,
		}})
	f.append(t, models.AggregateNode, id, models.EventNodeApproved,
		models.NodeLifecyclePayload{From: models.NodeStatusPending, To: models.NodeStatusActive})
	node, ok := f.proj.Node(id)
	require.True(t, ok)
	return node
}

func (f *fixture) networkPolicy(t *testing.T, id string, src, dst models.NodeRole, port string) {
	t.Helper()
	f.append(t, models.AggregateNetworkPolicy, id, models.EventNetworkPolicyCreated,
		models.NetworkPolicyPayload{Policy: models.NetworkPolicy{
			ID: id, Name: id, SrcRole: src, DstRole: dst,
			Protocol: models.ProtoTCP, Port: port,
			Action: models.RuleAccept, Priority: 100, Enabled: true,
		}})
}

func TestSpokePlanHasHubPeerAndDefaultDeny(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	db := f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")

	p := f.synth.ForNode(f.proj, db)

	require.Len(t, p.Peers, 1)
	assert.Equal(t, "pk-hub", p.Peers[0].PublicKey)
	assert.Equal(t, []string{"10.10.0.0/24"}, p.Peers[0].AllowedIPs)
	assert.Equal(t, "hub.example.com:51820", p.Peers[0].Endpoint)
	assert.Equal(t, plan.DefaultKeepalive, p.Peers[0].Keepalive)

	require.Len(t, p.FirewallRules, 1)
	assert.Equal(t, models.RuleDrop, p.FirewallRules[0].Action)
	assert.Equal(t, "0.0.0.0/0", p.FirewallRules[0].Src)

	assert.Equal(t, "10.10.0.2/24", p.Interface.Address)
}

func TestRoleToRoleFirewallExpansion(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	db := f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.activeNode(t, "app", "app-01", models.RoleApp, "10.10.0.3")
	f.networkPolicy(t, "app-db", models.RoleApp, models.RoleDB, "5432")

	p := f.synth.ForNode(f.proj, db)

	// Exactly one allow rule from the app node, plus the implicit deny.
	require.Len(t, p.FirewallRules, 2)
	allow := p.FirewallRules[0]
	assert.Equal(t, "10.10.0.3/32", allow.Src)
	assert.Equal(t, models.ProtoTCP, allow.Proto)
	assert.Equal(t, "5432", allow.Port)
	assert.Equal(t, models.RuleAccept, allow.Action)
	assert.Equal(t, models.RuleDrop, p.FirewallRules[1].Action)

	// The reachable app node appears as a /32 peer.
	var appPeer *models.PeerConfig
	for i := range p.Peers {
		if p.Peers[i].PublicKey == "pk-app" {
			appPeer = &p.Peers[i]
		}
	}
	require.NotNil(t, appPeer)
	assert.Equal(t, []string{"10.10.0.3/32"}, appPeer.AllowedIPs)
}

func TestHubPlanListsEveryActivePeer(t *testing.T) {
	f := newFixture(t)
	hub := f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.activeNode(t, "app", "app-01", models.RoleApp, "10.10.0.3")

	f.append(t, models.AggregateClientDevice, "d1", models.EventDeviceCreated,
		models.DeviceCreatedPayload{Device: models.ClientDevice{
			ID: "d1", UserID: "u1", PublicKey: "pk-d1", OverlayIP: "10.10.0.100",
			TunnelMode: models.TunnelFull, Status: models.DeviceStatusActive,
			ExpiresAt: time.Now().Add(time.Hour),
		}})

	p := f.synth.ForNode(f.proj, hub)

	require.Len(t, p.Peers, 3)
	keys := make(map[string][]string)
	for _, peer := range p.Peers {
		keys[peer.PublicKey] = peer.AllowedIPs
	}
	assert.Equal(t, []string{"10.10.0.2/32"}, keys["pk-db"])
	assert.Equal(t, []string{"10.10.0.3/32"}, keys["pk-app"])
	assert.Equal(t, []string{"10.10.0.100/32"}, keys["pk-d1"])

	assert.Equal(t, 51820, p.Interface.ListenPort)
}

func TestSuspendedNodeExcludedEverywhere(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	db := f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.activeNode(t, "app", "app-01", models.RoleApp, "10.10.0.3")
	f.networkPolicy(t, "app-db", models.RoleApp, models.RoleDB, "5432")

	f.append(t, models.AggregateNode, "app", models.EventNodeSuspended,
		models.NodeLifecyclePayload{From: models.NodeStatusActive, To: models.NodeStatusSuspended})

	p := f.synth.ForNode(f.proj, db)

	for _, peer := range p.Peers {
		assert.NotEqual(t, "pk-app", peer.PublicKey)
	}
	require.Len(t, p.FirewallRules, 1)
	assert.Equal(t, models.RuleDrop, p.FirewallRules[0].Action)
}

func TestSuspendedNodeGetsIsolateDirective(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	db := f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.append(t, models.AggregateNode, "db", models.EventNodeSuspended,
		models.NodeLifecyclePayload{From: models.NodeStatusActive, To: models.NodeStatusSuspended})
	db, _ = f.proj.Node("db")

	p := f.synth.ForNode(f.proj, db)
	assert.Contains(t, p.Directives, models.DirectiveIsolate)
}

func TestRestrictedNodeKeepsOnlyHub(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.activeNode(t, "app", "app-01", models.RoleApp, "10.10.0.3")
	f.networkPolicy(t, "app-db", models.RoleApp, models.RoleDB, "5432")

	f.append(t, models.AggregateNode, "db", models.EventTrustScoreChanged,
		models.TrustScoreChangedPayload{Score: 45, PreviousScore: 90,
			RiskLevel: models.RiskHigh, ActionTaken: models.TrustRestrict})
	db, _ := f.proj.Node("db")

	p := f.synth.ForNode(f.proj, db)

	require.Len(t, p.Peers, 1)
	assert.Equal(t, "pk-hub", p.Peers[0].PublicKey)
	require.Len(t, p.FirewallRules, 1)
	assert.Equal(t, models.RuleDrop, p.FirewallRules[0].Action)
}

func TestPlanHashDeterministic(t *testing.T) {
	f := newFixture(t)
	f.activeNode(t, "hub", "hub-01", models.RoleHub, "10.10.0.1")
	db := f.activeNode(t, "db", "db-01", models.RoleDB, "10.10.0.2")
	f.activeNode(t, "app", "app-01", models.RoleApp, "10.10.0.3")
	f.networkPolicy(t, "app-db", models.RoleApp, models.RoleDB, "5432")

	first := f.synth.ForNode(f.proj, db)
	second := f.synth.ForNode(f.proj, db)

	assert.Equal(t, plan.Hash(first), plan.Hash(second))

	// State change produces a different hash.
	f.networkPolicy(t, "ops-db", models.RoleOps, models.RoleDB, "22")
	f.activeNode(t, "ops", "ops-01", models.RoleOps, "10.10.0.4")
	third := f.synth.ForNode(f.proj, db)
	assert.NotEqual(t, plan.Hash(first), plan.Hash(third))
}
