package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/policy"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

type fixture struct {
	store *eventstore.MemoryStore
	proj  *projection.Projection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: eventstore.NewMemoryStore(), proj: projection.New()}
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

func (f *fixture) user(t *testing.T, id, externalID string) {
	f.append(t, models.AggregateUser, id, models.EventUserCreated,
		models.UserPayload{User: models.User{ID: id, ExternalID: externalID, Status: models.UserStatusActive}})
}

func (f *fixture) group(t *testing.T, id, name string, members ...string) {
	f.append(t, models.AggregateGroup, id, models.EventGroupCreated,
		models.GroupPayload{Group: models.Group{ID: id, Name: name}})
	for _, m := range members {
		f.append(t, models.AggregateGroup, id, models.EventGroupMemberAdded,
			models.GroupMemberPayload{UserID: m})
	}
}

func (f *fixture) policy(t *testing.T, p models.AccessPolicy) {
	if !p.Enabled {
		p.Enabled = true
	}
	f.append(t, models.AggregateAccessPolicy, p.ID, models.EventAccessPolicyCreated,
		models.AccessPolicyPayload{Policy: p})
}

func TestGroupScopedAllow(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u1", "u1@x")
	f.group(t, "g-eng", "eng", "u1")
	f.policy(t, models.AccessPolicy{
		ID:       "p1",
		Name:     "eng-internal",
		Subject:  models.Subject{Type: models.SubjectGroup, ID: "g-eng"},
		Resource: models.Resource{Type: models.ResourceDomain, Value: "*.internal.example.com"},
		Action:   models.ActionAllow,
		Priority: 100,
		Enabled:  true,
	})

	t.Run("member allowed on matching domain", func(t *testing.T) {
		result := policy.Evaluate(f.proj, "u1@x",
			models.Resource{Type: models.ResourceDomain, Value: "api.internal.example.com"})
		assert.True(t, result.Allowed)
		assert.Equal(t, "p1", result.MatchedPolicyID)
	})

	t.Run("non-matching domain denied", func(t *testing.T) {
		result := policy.Evaluate(f.proj, "u1@x",
			models.Resource{Type: models.ResourceDomain, Value: "api.external.example.com"})
		assert.False(t, result.Allowed)
		assert.Empty(t, result.MatchedPolicyID)
	})

	t.Run("unknown user denied", func(t *testing.T) {
		result := policy.Evaluate(f.proj, "nobody@x",
			models.Resource{Type: models.ResourceDomain, Value: "api.internal.example.com"})
		assert.False(t, result.Allowed)
	})
}

func TestDefaultDenyWithoutPolicies(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u1", "u1@x")

	result := policy.Evaluate(f.proj, "u1@x",
		models.Resource{Type: models.ResourceDomain, Value: "anything.example.com"})
	assert.False(t, result.Allowed)
	assert.Equal(t, models.ActionDeny, result.Action)
}

func TestSuspendedUserDenied(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.AggregateUser, "u1", models.EventUserCreated,
		models.UserPayload{User: models.User{ID: "u1", ExternalID: "u1@x", Status: models.UserStatusSuspended}})
	f.policy(t, models.AccessPolicy{
		ID:       "p1",
		Name:     "direct",
		Subject:  models.Subject{Type: models.SubjectUser, ID: "u1"},
		Resource: models.Resource{Type: models.ResourceDomain, Value: "app.example.com"},
		Action:   models.ActionAllow,
		Priority: 1,
		Enabled:  true,
	})

	result := policy.Evaluate(f.proj, "u1@x",
		models.Resource{Type: models.ResourceDomain, Value: "app.example.com"})
	assert.False(t, result.Allowed)
}

func TestHigherPriorityDenyWins(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u1", "u1@x")
	f.policy(t, models.AccessPolicy{
		ID:       "p-allow",
		Name:     "broad-allow",
		Subject:  models.Subject{Type: models.SubjectUser, ID: "u1"},
		Resource: models.Resource{Type: models.ResourceDomain, Value: "**.example.com"},
		Action:   models.ActionAllow,
		Priority: 10,
		Enabled:  true,
	})
	f.policy(t, models.AccessPolicy{
		ID:       "p-deny",
		Name:     "admin-deny",
		Subject:  models.Subject{Type: models.SubjectUser, ID: "u1"},
		Resource: models.Resource{Type: models.ResourceDomain, Value: "admin.example.com"},
		Action:   models.ActionDeny,
		Priority: 100,
		Enabled:  true,
	})

	denied := policy.Evaluate(f.proj, "u1@x",
		models.Resource{Type: models.ResourceDomain, Value: "admin.example.com"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, "p-deny", denied.MatchedPolicyID)

	allowed := policy.Evaluate(f.proj, "u1@x",
		models.Resource{Type: models.ResourceDomain, Value: "app.example.com"})
	assert.True(t, allowed.Allowed)
}

func TestDisabledPolicyIgnored(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u1", "u1@x")
	f.append(t, models.AggregateAccessPolicy, "p1", models.EventAccessPolicyCreated,
		models.AccessPolicyPayload{Policy: models.AccessPolicy{
			ID:       "p1",
			Name:     "disabled",
			Subject:  models.Subject{Type: models.SubjectUser, ID: "u1"},
			Resource: models.Resource{Type: models.ResourceDomain, Value: "app.example.com"},
			Action:   models.ActionAllow,
			Priority: 1,
			Enabled:  false,
		}})

	result := policy.Evaluate(f.proj, "u1@x",
		models.Resource{Type: models.ResourceDomain, Value: "app.example.com"})
	assert.False(t, result.Allowed)
}

func TestResourceMatches(t *testing.T) {
	tests := []struct {
		name     string
		pattern  models.Resource
		resource models.Resource
		want     bool
	}{
		{"exact domain", dom("example.com"), dom("example.com"), true},
		{"exact domain case-insensitive", dom("Example.COM"), dom("example.com"), true},
		{"single wildcard one label", dom("*.example.com"), dom("api.example.com"), true},
		{"single wildcard rejects two labels", dom("*.example.com"), dom("a.b.example.com"), false},
		{"single wildcard rejects bare", dom("*.example.com"), dom("example.com"), false},
		{"double wildcard any depth", dom("**.example.com"), dom("a.b.example.com"), true},
		{"double wildcard one label", dom("**.example.com"), dom("api.example.com"), true},
		{"double wildcard rejects bare", dom("**.example.com"), dom("example.com"), false},
		{"cidr contains address", ip("10.10.0.0/24"), ip("10.10.0.5"), true},
		{"cidr rejects outside", ip("10.10.0.0/24"), ip("10.11.0.5"), false},
		{"port exact", port("tcp/5432"), port("tcp/5432"), true},
		{"port range contains", port("tcp/5000-6000"), port("tcp/5432"), true},
		{"port range rejects outside", port("tcp/5000-6000"), port("tcp/8080"), false},
		{"port proto mismatch", port("udp/53"), port("tcp/53"), false},
		{"port any proto", port("any/53"), port("udp/53"), true},
		{"role equality", role("db"), role("db"), true},
		{"role mismatch", role("db"), role("app"), false},
		{"type mismatch never matches", dom("example.com"), role("db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ResourceMatches(tt.pattern, tt.resource))
		})
	}
}

func dom(v string) models.Resource {
	return models.Resource{Type: models.ResourceDomain, Value: v}
}

func ip(v string) models.Resource {
	return models.Resource{Type: models.ResourceOverlayIP, Value: v}
}

func port(v string) models.Resource {
	return models.Resource{Type: models.ResourcePort, Value: v}
}

func role(v string) models.Resource {
	return models.Resource{Type: models.ResourceRole, Value: v}
}
