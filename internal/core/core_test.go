package core_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/bus"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	zterrors "github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/wg"
)

type fixture struct {
	store *eventstore.MemoryStore
	core  *core.Service
}

func newFixture(t *testing.T, opts core.Options) *fixture {
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

	svc := core.NewService(store, proj, alloc, bus.New(0, nil), synth, tokens, opts)
	require.NoError(t, svc.Start(context.Background()))

	return &fixture{store: store, core: svc}
}

func key(t *testing.T) string {
	t.Helper()
	keys, err := wg.GenerateKeyPair()
	require.NoError(t, err)
	return keys.PublicKey
}

func register(t *testing.T, f *fixture, hostname string, role models.NodeRole, publicKey string) *models.Node {
	t.Helper()
	result, err := f.core.RegisterNode(context.Background(), core.RegisterRequest{
		Hostname:  hostname,
		Role:      role,
		PublicKey: publicKey,
	})
	require.NoError(t, err)
	return result.Node
}

func TestRegisterCreatesPendingNode(t *testing.T) {
	f := newFixture(t, core.Options{})

	node := register(t, f, "db-01", models.RoleDB, key(t))

	assert.Equal(t, models.NodeStatusPending, node.Status)
	assert.Equal(t, "10.10.0.2", node.OverlayIP)
	assert.NotEmpty(t, node.ID)
}

func TestRegisterIdempotent(t *testing.T) {
	f := newFixture(t, core.Options{})
	publicKey := key(t)

	first := register(t, f, "db-01", models.RoleDB, publicKey)
	before, err := f.store.LastID(context.Background())
	require.NoError(t, err)

	second := register(t, f, "db-01", models.RoleDB, publicKey)
	after, err := f.store.LastID(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.OverlayIP, second.OverlayIP)
	assert.Equal(t, before, after, "idempotent re-register must not append events")
}

func TestRegisterHostnameConflict(t *testing.T) {
	f := newFixture(t, core.Options{})
	register(t, f, "db-01", models.RoleDB, key(t))

	_, err := f.core.RegisterNode(context.Background(), core.RegisterRequest{
		Hostname:  "db-01",
		Role:      models.RoleDB,
		PublicKey: key(t),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, zterrors.ErrConflict)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, core.Options{})

	t.Run("bad hostname", func(t *testing.T) {
		_, err := f.core.RegisterNode(context.Background(), core.RegisterRequest{
			Hostname:  "-bad-",
			Role:      models.RoleDB,
			PublicKey: key(t),
		})
		assert.ErrorIs(t, err, zterrors.ErrInvalidInput)
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := f.core.RegisterNode(context.Background(), core.RegisterRequest{
			Hostname:  "db-01",
			Role:      models.RoleDB,
			PublicKey: "not-a-key",
		})
		assert.ErrorIs(t, err, zterrors.ErrInvalidInput)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.core.RegisterNode(context.Background(), core.RegisterRequest{
			Hostname:  "db-01",
			Role:      "mainframe",
			PublicKey: key(t),
		})
		assert.ErrorIs(t, err, zterrors.ErrInvalidInput)
	})
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"DB-01", "db-01", false},
		{"web_server 1", "web-server-1", false},
		{" edge-a ", "edge-a", false},
		{"", "", true},
		{"-leading", "", true},
		{"trailing-", "", true},
		{strings.Repeat("a", 64), "", true},
		{strings.Repeat("a", 63), strings.Repeat("a", 63), false},
	}
	for _, tt := range tests {
		got, err := core.NormalizeHostname(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestApproveActivatesAndMintsToken(t *testing.T) {
	f := newFixture(t, core.Options{})
	node := register(t, f, "db-01", models.RoleDB, key(t))

	approved, err := f.core.ApproveNode(context.Background(), node.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusActive, approved.Status)
	assert.Equal(t, "admin", approved.ApprovedBy)

	bearer, ok := f.core.Projection().TokenForNode(node.ID)
	require.True(t, ok)
	resolved, ok := f.core.Projection().NodeByToken(bearer)
	require.True(t, ok)
	assert.Equal(t, node.ID, resolved.ID)
}

func TestAutoApprove(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveAll: true})
	node := register(t, f, "db-01", models.RoleDB, key(t))
	assert.Equal(t, models.NodeStatusActive, node.Status)
}

func TestAutoApproveByRole(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveRoles: []models.NodeRole{models.RoleOps}})

	ops := register(t, f, "ops-01", models.RoleOps, key(t))
	assert.Equal(t, models.NodeStatusActive, ops.Status)

	db := register(t, f, "db-01", models.RoleDB, key(t))
	assert.Equal(t, models.NodeStatusPending, db.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, core.Options{})
	node := register(t, f, "db-01", models.RoleDB, key(t))
	ctx := context.Background()

	_, err := f.core.SuspendNode(ctx, node.ID, "admin", "not yet active")
	assert.ErrorIs(t, err, zterrors.ErrConflict)

	_, err = f.core.ApproveNode(ctx, node.ID, "admin")
	require.NoError(t, err)

	suspended, err := f.core.SuspendNode(ctx, node.ID, "admin", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusSuspended, suspended.Status)

	resumed, err := f.core.ResumeNode(ctx, node.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusActive, resumed.Status)

	revoked, err := f.core.RevokeNode(ctx, node.ID, "admin", "decommissioned")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusRevoked, revoked.Status)

	_, err = f.core.ResumeNode(ctx, node.ID, "admin")
	assert.ErrorIs(t, err, zterrors.ErrConflict, "revoked is terminal")
}

func TestRevokedKeyCannotReenroll(t *testing.T) {
	f := newFixture(t, core.Options{})
	publicKey := key(t)
	node := register(t, f, "db-01", models.RoleDB, publicKey)
	ctx := context.Background()

	_, err := f.core.RevokeNode(ctx, node.ID, "admin", "compromised")
	require.NoError(t, err)

	_, err = f.core.RegisterNode(ctx, core.RegisterRequest{
		Hostname:  "db-02",
		Role:      models.RoleDB,
		PublicKey: publicKey,
	})
	assert.ErrorIs(t, err, zterrors.ErrKeyBlacklisted)

	// The hostname itself may re-enroll under a fresh key.
	fresh := register(t, f, "db-01", models.RoleDB, key(t))
	assert.Equal(t, models.NodeStatusPending, fresh.Status)
}

func TestRevocationErasesReachability(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveAll: true})
	ctx := context.Background()

	register(t, f, "hub-01", models.RoleHub, key(t))
	db := register(t, f, "db-01", models.RoleDB, key(t))
	app := register(t, f, "app-01", models.RoleApp, key(t))

	_, err := f.core.CreateNetworkPolicy(ctx, models.NetworkPolicy{
		Name: "app-db", SrcRole: models.RoleApp, DstRole: models.RoleDB,
		Protocol: models.ProtoTCP, Port: "5432", Action: models.RuleAccept, Priority: 100, Enabled: true,
	}, "admin")
	require.NoError(t, err)

	before, err := f.core.SyncPlan(ctx, db.ID)
	require.NoError(t, err)
	require.Len(t, before.Plan.FirewallRules, 2)

	_, err = f.core.RevokeNode(ctx, app.ID, "admin", "gone")
	require.NoError(t, err)

	after, err := f.core.SyncPlan(ctx, db.ID)
	require.NoError(t, err)
	require.Len(t, after.Plan.FirewallRules, 1, "only the default deny remains")
	for _, peer := range after.Plan.Peers {
		assert.NotEqual(t, app.PublicKey, peer.PublicKey)
	}
	assert.NotEqual(t, before.Hash, after.Hash)
}

func TestSyncPendingNodeNotApproved(t *testing.T) {
	f := newFixture(t, core.Options{})
	node := register(t, f, "db-01", models.RoleDB, key(t))

	_, err := f.core.SyncPlan(context.Background(), node.ID)
	assert.ErrorIs(t, err, zterrors.ErrNotApproved)
}

func TestHeartbeatUpdatesTrustAndSuppressesDuplicates(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveAll: true})
	ctx := context.Background()
	node := register(t, f, "db-01", models.RoleDB, key(t))

	metrics := models.HeartbeatMetrics{CPUPercent: 10}
	_, err := f.core.Heartbeat(ctx, node.ID, "", metrics)
	require.NoError(t, err)
	_, err = f.core.Heartbeat(ctx, node.ID, "", metrics)
	require.NoError(t, err)

	events, err := f.store.ReadAggregate(ctx, models.AggregateNode, node.ID)
	require.NoError(t, err)

	trustEvents := 0
	for _, e := range events {
		if e.Type == models.EventTrustScoreChanged {
			trustEvents++
		}
	}
	assert.Equal(t, 1, trustEvents, "identical consecutive scores suppress emission")
}

func TestTrustDemotionAutoSuspends(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveAll: true})
	ctx := context.Background()
	node := register(t, f, "db-01", models.RoleDB, key(t))

	_, err := f.core.Heartbeat(ctx, node.ID, "", models.HeartbeatMetrics{
		SSHFailures:         50,
		FirewallViolations:  20,
		PortScansDetected:   5,
		SuspiciousProcesses: 3,
		CPUPercent:          99,
		MemoryPercent:       99,
		DiskPercent:         99,
		TotalConnections:    900,
		TimeWaitConnections: 300,
		HandshakeLatencyMS:  5000,
	})
	require.NoError(t, err)

	updated, ok := f.core.Projection().Node(node.ID)
	require.True(t, ok)
	assert.Equal(t, models.NodeStatusSuspended, updated.Status)

	sync, err := f.core.SyncPlan(ctx, node.ID)
	require.NoError(t, err)
	assert.Contains(t, sync.Plan.Directives, models.DirectiveIsolate)
}

func TestHeartbeatRecordsLiveness(t *testing.T) {
	f := newFixture(t, core.Options{AutoApproveAll: true})
	ctx := context.Background()
	node := register(t, f, "db-01", models.RoleDB, key(t))

	next, err := f.core.Heartbeat(ctx, node.ID, "203.0.113.9", models.HeartbeatMetrics{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, next)

	updated, _ := f.core.Projection().Node(node.ID)
	assert.Equal(t, "203.0.113.9", updated.RealIP)
	assert.False(t, updated.LastHeartbeat.IsZero())
}
