// Package trust computes per-node trust scores from heartbeat metrics and
// maps them to risk levels and enforcement actions.
package trust

import (
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Weights of the four input groups. They sum to 1.
const (
	weightRole     = 0.30
	weightHealth   = 0.25
	weightBehavior = 0.25
	weightSecurity = 0.20
)

// Risk thresholds on the 0-100 score.
const (
	thresholdLow    = 80
	thresholdMedium = 60
	thresholdHigh   = 40
)

// roleWeights is the static inherent-trust table. Higher-privilege roles
// start from more trust because their compromise is caught by other inputs.
var roleWeights = map[models.NodeRole]int{
	models.RoleOps:     100,
	models.RoleHub:     95,
	models.RoleDB:      85,
	models.RoleApp:     80,
	models.RoleMonitor: 75,
	models.RoleGateway: 70,
	models.RoleClient:  50,
}

// heartbeatStale is when a missing heartbeat starts degrading behavior.
const heartbeatStale = 3 * time.Minute

// Result is one trust computation.
type Result struct {
	Score     int
	RiskLevel models.RiskLevel
	Action    models.TrustAction
	Inputs    map[string]any
}

// Engine computes trust scores. It is pure: all state lives in the
// projection and the event log.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a trust engine.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Compute scores one node from its latest heartbeat metrics.
func (e *Engine) Compute(node *models.Node, metrics models.HeartbeatMetrics) Result {
	role := roleScore(node.Role)
	health := healthScore(metrics)
	behavior := e.behaviorScore(node, metrics)
	security := securityScore(metrics)

	score := int(weightRole*float64(role) +
		weightHealth*float64(health) +
		weightBehavior*float64(behavior) +
		weightSecurity*float64(security))
	score = clamp(score)

	risk := RiskFor(score)

	return Result{
		Score:     score,
		RiskLevel: risk,
		Action:    ActionFor(risk),
		Inputs: map[string]any{
			"role_score":     role,
			"health_score":   health,
			"behavior_score": behavior,
			"security_score": security,
		},
	}
}

// RiskFor buckets a score into a risk level.
func RiskFor(score int) models.RiskLevel {
	switch {
	case score >= thresholdLow:
		return models.RiskLow
	case score >= thresholdMedium:
		return models.RiskMedium
	case score >= thresholdHigh:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// ActionFor maps a risk level to the enforcement action.
func ActionFor(risk models.RiskLevel) models.TrustAction {
	switch risk {
	case models.RiskHigh:
		return models.TrustRestrict
	case models.RiskCritical:
		return models.TrustIsolate
	default:
		return models.TrustAllow
	}
}

func roleScore(role models.NodeRole) int {
	if w, ok := roleWeights[role]; ok {
		return w
	}
	return 50
}

// healthScore penalizes resource pressure and suspicious processes. Sustained
// saturation on a quiet overlay host reads as potential compromise.
func healthScore(m models.HeartbeatMetrics) int {
	score := 100

	switch {
	case m.CPUPercent > 95:
		score -= 40
	case m.CPUPercent > 85:
		score -= 20
	case m.CPUPercent > 70:
		score -= 10
	}

	switch {
	case m.MemoryPercent > 95:
		score -= 30
	case m.MemoryPercent > 85:
		score -= 15
	case m.MemoryPercent > 75:
		score -= 5
	}

	switch {
	case m.DiskPercent > 95:
		score -= 30
	case m.DiskPercent > 90:
		score -= 15
	}

	if m.SuspiciousProcesses > 0 {
		score -= 50
	}

	return clamp(score)
}

// behaviorScore penalizes irregular heartbeats and anomalous connection
// patterns reported by the agent.
func (e *Engine) behaviorScore(node *models.Node, m models.HeartbeatMetrics) int {
	score := 100

	if !node.LastHeartbeat.IsZero() {
		silence := e.now().Sub(node.LastHeartbeat)
		switch {
		case silence > 2*heartbeatStale:
			score -= 20
		case silence > heartbeatStale:
			score -= 10
		}
	}

	switch {
	case m.TotalConnections > 500:
		score -= 30
	case m.TotalConnections > 200:
		score -= 10
	}

	switch {
	case m.TimeWaitConnections > 100:
		score -= 20
	case m.TimeWaitConnections > 50:
		score -= 10
	}

	if m.HandshakeLatencyMS > 2000 {
		score -= 10
	}

	return clamp(score)
}

// securityScore penalizes explicit security events from the agent's
// collectors.
func securityScore(m models.HeartbeatMetrics) int {
	score := 100

	switch {
	case m.SSHFailures >= 20:
		score -= 60
	case m.SSHFailures >= 5:
		score -= 25
	case m.SSHFailures > 0:
		score -= 10
	}

	switch {
	case m.FirewallViolations >= 10:
		score -= 40
	case m.FirewallViolations > 0:
		score -= 15
	}

	if m.PortScansDetected > 0 {
		score -= 30
	}

	return clamp(score)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
