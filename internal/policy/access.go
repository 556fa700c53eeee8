// Package policy compiles the two policy planes: role-to-role firewall
// rules for the overlay, and user/group-to-resource access decisions.
// Absence of a matching allow always means deny.
package policy

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Evaluate decides whether a user may access a resource. It is a pure
// function over the projection: enumerate enabled policies whose subject
// resolves to the user, filter by resource match, pick the highest priority.
// No match falls through to deny.
func Evaluate(proj *projection.Projection, externalUserID string, resource models.Resource) models.EvaluateResult {
	deny := func(reason string) models.EvaluateResult {
		return models.EvaluateResult{Allowed: false, Action: models.ActionDeny, Reason: reason}
	}

	user, ok := proj.UserByExternalID(externalUserID)
	if !ok {
		return deny("user not found")
	}
	if user.Status != models.UserStatusActive {
		return deny("user status is " + string(user.Status))
	}

	groupIDs := proj.GroupIDsForUser(user.ID)
	memberOf := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		memberOf[id] = struct{}{}
	}

	// Policies come back priority-descending; the first full match wins.
	for _, p := range proj.AccessPolicies() {
		if !p.Enabled {
			continue
		}
		if !subjectResolves(p.Subject, user.ID, memberOf) {
			continue
		}
		if !ResourceMatches(p.Resource, resource) {
			continue
		}
		return models.EvaluateResult{
			Allowed:         p.Action == models.ActionAllow,
			Action:          p.Action,
			MatchedPolicyID: p.ID,
			Reason:          "matched policy " + p.Name,
		}
	}

	return deny("no matching policy (default deny)")
}

func subjectResolves(subject models.Subject, userID string, memberOf map[string]struct{}) bool {
	switch subject.Type {
	case models.SubjectUser:
		return subject.ID == userID
	case models.SubjectGroup:
		_, ok := memberOf[subject.ID]
		return ok
	}
	return false
}

// ResourceMatches reports whether a policy resource covers a requested
// resource. Types must agree; the value match is type-specific.
func ResourceMatches(pattern, requested models.Resource) bool {
	if pattern.Type != requested.Type {
		return false
	}
	switch pattern.Type {
	case models.ResourceDomain:
		return domainMatches(pattern.Value, requested.Value)
	case models.ResourceOverlayIP:
		return cidrMatches(pattern.Value, requested.Value)
	case models.ResourcePort:
		return portMatches(pattern.Value, requested.Value)
	case models.ResourceRole:
		return strings.EqualFold(pattern.Value, requested.Value)
	}
	return false
}

// domainMatches implements the wildcard rules: "*.X" matches a hostname
// ending in ".X" with exactly one extra label; "**.X" matches any depth.
// A bare pattern is an exact, case-insensitive match.
func domainMatches(pattern, hostname string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	switch {
	case strings.HasPrefix(pattern, "**."):
		suffix := pattern[2:] // ".X"
		return strings.HasSuffix(hostname, suffix) && len(hostname) > len(suffix)
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:] // ".X"
		if !strings.HasSuffix(hostname, suffix) {
			return false
		}
		extra := hostname[:len(hostname)-len(suffix)]
		return extra != "" && !strings.Contains(extra, ".")
	default:
		return pattern == hostname
	}
}

// cidrMatches reports whether an address (or equal prefix) falls inside the
// pattern CIDR.
func cidrMatches(pattern, value string) bool {
	prefix, err := netip.ParsePrefix(pattern)
	if err != nil {
		// A plain address pattern degenerates to equality.
		return pattern == value
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return prefix.Contains(addr)
	}
	if other, err := netip.ParsePrefix(value); err == nil {
		return prefix.Overlaps(other) && prefix.Bits() <= other.Bits()
	}
	return false
}

// portMatches compares "proto/port" or "proto/low-high" patterns against a
// requested "proto/port".
func portMatches(pattern, value string) bool {
	pProto, pRange, okP := strings.Cut(pattern, "/")
	vProto, vPort, okV := strings.Cut(value, "/")
	if !okP || !okV {
		return pattern == value
	}
	if !strings.EqualFold(pProto, vProto) && pProto != string(models.ProtoAny) {
		return false
	}
	port, err := strconv.Atoi(vPort)
	if err != nil {
		return false
	}
	low, high, ok := parsePortRange(pRange)
	if !ok {
		return false
	}
	return port >= low && port <= high
}

func parsePortRange(s string) (low, high int, ok bool) {
	if s == "" || s == "any" {
		return 1, 65535, true
	}
	if lowStr, highStr, isRange := strings.Cut(s, "-"); isRange {
		l, err1 := strconv.Atoi(lowStr)
		h, err2 := strconv.Atoi(highStr)
		if err1 != nil || err2 != nil || l > h {
			return 0, 0, false
		}
		return l, h, true
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return p, p, true
}
