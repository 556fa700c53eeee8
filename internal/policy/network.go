package policy

import (
	"sort"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// CompiledRule is one ordered row of the role-to-role firewall table.
type CompiledRule struct {
	SrcRole  models.NodeRole
	DstRole  models.NodeRole
	Protocol models.Protocol
	Port     string
	Action   models.RuleAction
	Priority int
}

// specificity ranks port selectors: exact port > range > any.
func specificity(port string) int {
	low, high, ok := parsePortRange(port)
	switch {
	case !ok:
		return 0
	case low == high:
		return 2
	case low == 1 && high == 65535:
		return 0
	default:
		return 1
	}
}

// CompileTable orders enabled network policies into the evaluation table:
// explicit priority (higher first), then specificity, then insertion order.
// The implicit DROP any-to-any that closes the table is synthesized per node
// by the peer synthesizer, not stored here.
func CompileTable(policies []*models.NetworkPolicy) []CompiledRule {
	type indexed struct {
		rule  CompiledRule
		order int
	}

	rows := make([]indexed, 0, len(policies))
	for i, p := range policies {
		if !p.Enabled {
			continue
		}
		rows = append(rows, indexed{
			rule: CompiledRule{
				SrcRole:  p.SrcRole,
				DstRole:  p.DstRole,
				Protocol: p.Protocol,
				Port:     p.Port,
				Action:   p.Action,
				Priority: p.Priority,
			},
			order: i,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		sa, sb := specificity(a.rule.Port), specificity(b.rule.Port)
		if sa != sb {
			return sa > sb
		}
		return a.order < b.order
	})

	out := make([]CompiledRule, len(rows))
	for i, r := range rows {
		out[i] = r.rule
	}
	return out
}

// RulesTowards returns the ordered subset of the table whose destination is
// dstRole.
func RulesTowards(table []CompiledRule, dstRole models.NodeRole) []CompiledRule {
	var out []CompiledRule
	for _, r := range table {
		if r.DstRole == dstRole {
			out = append(out, r)
		}
	}
	return out
}

// RestrictedRisk reports whether a risk level narrows a node's plan to the
// minimum set (hub connectivity only).
func RestrictedRisk(r models.RiskLevel) bool {
	return r == models.RiskHigh || r == models.RiskCritical
}

// Reachable reports whether traffic from srcRole may reach dstRole under the
// compiled table: the first rule matching the pair decides. The hub is
// always reachable; with no matching rule the implicit drop applies.
func Reachable(table []CompiledRule, srcRole, dstRole models.NodeRole) bool {
	if dstRole == models.RoleHub || srcRole == models.RoleHub {
		return true
	}
	for _, r := range table {
		if r.SrcRole == srcRole && r.DstRole == dstRole {
			return r.Action == models.RuleAccept
		}
	}
	return false
}
