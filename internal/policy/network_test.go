package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/policy"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

func np(name string, src, dst models.NodeRole, port string, priority int) *models.NetworkPolicy {
	return &models.NetworkPolicy{
		ID:       name,
		Name:     name,
		SrcRole:  src,
		DstRole:  dst,
		Protocol: models.ProtoTCP,
		Port:     port,
		Action:   models.RuleAccept,
		Priority: priority,
		Enabled:  true,
	}
}

func TestCompileTableOrdering(t *testing.T) {
	policies := []*models.NetworkPolicy{
		np("low-any", models.RoleApp, models.RoleDB, "", 10),
		np("high-exact", models.RoleApp, models.RoleDB, "5432", 100),
		np("high-range", models.RoleApp, models.RoleDB, "5000-6000", 100),
		np("high-any", models.RoleApp, models.RoleDB, "", 100),
	}

	table := policy.CompileTable(policies)
	require.Len(t, table, 4)

	// Priority first, then specificity: exact > range > any.
	assert.Equal(t, "5432", table[0].Port)
	assert.Equal(t, "5000-6000", table[1].Port)
	assert.Equal(t, "", table[2].Port)
	assert.Equal(t, 10, table[3].Priority)
}

func TestCompileTableInsertionOrderTieBreak(t *testing.T) {
	policies := []*models.NetworkPolicy{
		np("first", models.RoleApp, models.RoleDB, "80", 50),
		np("second", models.RoleOps, models.RoleDB, "80", 50),
	}

	table := policy.CompileTable(policies)
	require.Len(t, table, 2)
	assert.Equal(t, models.RoleApp, table[0].SrcRole)
	assert.Equal(t, models.RoleOps, table[1].SrcRole)
}

func TestCompileTableSkipsDisabled(t *testing.T) {
	disabled := np("off", models.RoleApp, models.RoleDB, "80", 50)
	disabled.Enabled = false

	table := policy.CompileTable([]*models.NetworkPolicy{disabled})
	assert.Empty(t, table)
}

func TestReachable(t *testing.T) {
	table := policy.CompileTable([]*models.NetworkPolicy{
		np("app-to-db", models.RoleApp, models.RoleDB, "5432", 100),
	})

	assert.True(t, policy.Reachable(table, models.RoleApp, models.RoleDB))
	assert.False(t, policy.Reachable(table, models.RoleDB, models.RoleApp))
	assert.False(t, policy.Reachable(table, models.RoleMonitor, models.RoleDB))

	// The hub is always reachable.
	assert.True(t, policy.Reachable(table, models.RoleApp, models.RoleHub))
	assert.True(t, policy.Reachable(table, models.RoleHub, models.RoleDB))
}

func TestReachableFirstMatchDecides(t *testing.T) {
	deny := np("deny-first", models.RoleApp, models.RoleDB, "", 200)
	deny.Action = models.RuleDrop
	allow := np("allow-later", models.RoleApp, models.RoleDB, "", 100)

	table := policy.CompileTable([]*models.NetworkPolicy{allow, deny})
	assert.False(t, policy.Reachable(table, models.RoleApp, models.RoleDB))
}

func TestRulesTowards(t *testing.T) {
	table := policy.CompileTable([]*models.NetworkPolicy{
		np("app-to-db", models.RoleApp, models.RoleDB, "5432", 100),
		np("ops-to-app", models.RoleOps, models.RoleApp, "22", 100),
	})

	towardsDB := policy.RulesTowards(table, models.RoleDB)
	require.Len(t, towardsDB, 1)
	assert.Equal(t, models.RoleApp, towardsDB[0].SrcRole)
}
