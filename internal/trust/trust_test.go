package trust_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/trust"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

func healthyNode(role models.NodeRole) *models.Node {
	return &models.Node{
		ID:            "n1",
		Hostname:      "node-01",
		Role:          role,
		Status:        models.NodeStatusActive,
		LastHeartbeat: time.Now(),
	}
}

func TestHealthyNodeScoresLow(t *testing.T) {
	engine := trust.NewEngine()

	result := engine.Compute(healthyNode(models.RoleOps), models.HeartbeatMetrics{
		CPUPercent:    10,
		MemoryPercent: 30,
		DiskPercent:   40,
	})

	assert.GreaterOrEqual(t, result.Score, 80)
	assert.Equal(t, models.RiskLow, result.RiskLevel)
	assert.Equal(t, models.TrustAllow, result.Action)
}

func TestRoleWeightsOrderRoles(t *testing.T) {
	engine := trust.NewEngine()
	metrics := models.HeartbeatMetrics{}

	ops := engine.Compute(healthyNode(models.RoleOps), metrics)
	hub := engine.Compute(healthyNode(models.RoleHub), metrics)
	db := engine.Compute(healthyNode(models.RoleDB), metrics)
	client := engine.Compute(healthyNode(models.RoleClient), metrics)

	assert.Greater(t, ops.Score, hub.Score)
	assert.Greater(t, hub.Score, db.Score)
	assert.Greater(t, db.Score, client.Score)
}

func TestSecurityEventsDriveCritical(t *testing.T) {
	engine := trust.NewEngine()

	result := engine.Compute(healthyNode(models.RoleApp), models.HeartbeatMetrics{
		SSHFailures:         50,
		FirewallViolations:  20,
		PortScansDetected:   3,
		SuspiciousProcesses: 2,
		CPUPercent:          97,
		TotalConnections:    600,
		TimeWaitConnections: 200,
	})

	assert.Equal(t, models.RiskCritical, result.RiskLevel)
	assert.Equal(t, models.TrustIsolate, result.Action)
}

func TestResourcePressureDegradesHealth(t *testing.T) {
	engine := trust.NewEngine()

	clean := engine.Compute(healthyNode(models.RoleApp), models.HeartbeatMetrics{})
	loaded := engine.Compute(healthyNode(models.RoleApp), models.HeartbeatMetrics{
		CPUPercent:    96,
		MemoryPercent: 96,
		DiskPercent:   96,
	})

	assert.Greater(t, clean.Score, loaded.Score)
}

func TestRiskBuckets(t *testing.T) {
	tests := []struct {
		score int
		want  models.RiskLevel
	}{
		{100, models.RiskLow},
		{80, models.RiskLow},
		{79, models.RiskMedium},
		{60, models.RiskMedium},
		{59, models.RiskHigh},
		{40, models.RiskHigh},
		{39, models.RiskCritical},
		{0, models.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trust.RiskFor(tt.score), "score %d", tt.score)
	}
}

func TestActionMapping(t *testing.T) {
	assert.Equal(t, models.TrustAllow, trust.ActionFor(models.RiskLow))
	assert.Equal(t, models.TrustAllow, trust.ActionFor(models.RiskMedium))
	assert.Equal(t, models.TrustRestrict, trust.ActionFor(models.RiskHigh))
	assert.Equal(t, models.TrustIsolate, trust.ActionFor(models.RiskCritical))
}

func TestInputsBreakdownRecorded(t *testing.T) {
	engine := trust.NewEngine()
	result := engine.Compute(healthyNode(models.RoleDB), models.HeartbeatMetrics{})

	for _, key := range []string{"role_score", "health_score", "behavior_score", "security_score"} {
		assert.Contains(t, result.Inputs, key)
	}
}
