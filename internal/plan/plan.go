// Package plan synthesizes the per-node view of the compiled policy state:
// interface parameters, WireGuard peers, and firewall rules, together with a
// stable content hash agents use to short-circuit unchanged syncs.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/policy"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// DefaultKeepalive keeps spoke NAT mappings warm towards the hub.
const DefaultKeepalive = 25

// Synthesizer builds plans from the projection. It is pure: the same
// projection state always yields byte-identical plans.
type Synthesizer struct {
	overlayCIDR string
	prefixBits  int
	hubEndpoint string
	wgPort      int
	dns         []string
}

// Config parameterizes plan synthesis.
type Config struct {
	OverlayCIDR string
	HubEndpoint string
	WGPort      int
	DNS         []string
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(cfg Config) (*Synthesizer, error) {
	_, network, err := net.ParseCIDR(cfg.OverlayCIDR)
	if err != nil {
		return nil, fmt.Errorf("parse overlay cidr: %w", err)
	}
	bits, _ := network.Mask.Size()
	return &Synthesizer{
		overlayCIDR: network.String(),
		prefixBits:  bits,
		hubEndpoint: cfg.HubEndpoint,
		wgPort:      cfg.WGPort,
		dns:         cfg.DNS,
	}, nil
}

// ForNode synthesizes the plan for one node against current state.
func (s *Synthesizer) ForNode(proj *projection.Projection, node *models.Node) *models.Plan {
	table := policy.CompileTable(proj.NetworkPolicies())

	p := &models.Plan{
		NodeID: node.ID,
		Interface: models.InterfaceConfig{
			Address: node.OverlayIP + "/" + strconv.Itoa(s.prefixBits),
			DNS:     s.dns,
		},
	}

	if node.Role == models.RoleHub {
		p.Interface.ListenPort = s.wgPort
		s.addHubPeers(proj, node, p)
	} else {
		s.addSpokePeers(proj, node, table, p)
	}

	p.FirewallRules = s.firewallRules(proj, node, table)
	p.Directives = directivesFor(node)

	return p
}

// addHubPeers gives the hub every active node and every unexpired client
// device as a /32 peer.
func (s *Synthesizer) addHubPeers(proj *projection.Projection, hub *models.Node, p *models.Plan) {
	for _, peer := range proj.ActiveNodes() {
		if peer.ID == hub.ID {
			continue
		}
		pc := models.PeerConfig{
			PublicKey:  peer.PublicKey,
			AllowedIPs: []string{peer.OverlayIP + "/32"},
		}
		if peer.RealIP != "" {
			pc.Endpoint = net.JoinHostPort(peer.RealIP, strconv.Itoa(s.wgPort))
		}
		p.Peers = append(p.Peers, pc)
	}
	for _, device := range proj.ActiveDevices() {
		p.Peers = append(p.Peers, models.PeerConfig{
			PublicKey:  device.PublicKey,
			AllowedIPs: []string{device.OverlayIP + "/32"},
		})
	}
}

// addSpokePeers gives a spoke the hub (full overlay route) plus a direct /32
// peer for every active node whose role is reachable from this node's role or
// can reach it. A restricted node keeps only the hub.
func (s *Synthesizer) addSpokePeers(proj *projection.Projection, node *models.Node, table []policy.CompiledRule, p *models.Plan) {
	for _, hub := range proj.NodesByRole(models.RoleHub) {
		p.Peers = append(p.Peers, models.PeerConfig{
			PublicKey:  hub.PublicKey,
			Endpoint:   s.hubEndpoint,
			AllowedIPs: []string{s.overlayCIDR},
			Keepalive:  DefaultKeepalive,
		})
		break
	}

	if policy.RestrictedRisk(node.RiskLevel) {
		return
	}

	for _, peer := range proj.ActiveNodes() {
		if peer.ID == node.ID || peer.Role == models.RoleHub {
			continue
		}
		if !policy.Reachable(table, node.Role, peer.Role) && !policy.Reachable(table, peer.Role, node.Role) {
			continue
		}
		pc := models.PeerConfig{
			PublicKey:  peer.PublicKey,
			AllowedIPs: []string{peer.OverlayIP + "/32"},
		}
		if peer.RealIP != "" {
			pc.Endpoint = net.JoinHostPort(peer.RealIP, strconv.Itoa(s.wgPort))
		}
		p.Peers = append(p.Peers, pc)
	}
}

// firewallRules expands role-level rules towards this node into concrete
// source-address rows, closed by the explicit default-deny row. The agent
// adds the single ESTABLISHED,RELATED acceptor when it builds the chain.
func (s *Synthesizer) firewallRules(proj *projection.Projection, node *models.Node, table []policy.CompiledRule) []models.FirewallRule {
	var rules []models.FirewallRule

	if !policy.RestrictedRisk(node.RiskLevel) {
		for _, rule := range policy.RulesTowards(table, node.Role) {
			if rule.Action != models.RuleAccept {
				continue
			}
			for _, src := range proj.NodesByRole(rule.SrcRole) {
				if src.ID == node.ID {
					continue
				}
				rules = append(rules, models.FirewallRule{
					Src:      src.OverlayIP + "/32",
					Dst:      node.OverlayIP + "/32",
					Proto:    rule.Protocol,
					Port:     rule.Port,
					Action:   models.RuleAccept,
					Priority: rule.Priority,
				})
			}
		}
	}

	rules = append(rules, models.FirewallRule{
		Src:    "0.0.0.0/0",
		Proto:  models.ProtoAny,
		Action: models.RuleDrop,
	})

	return rules
}

func directivesFor(node *models.Node) []models.Directive {
	switch node.Status {
	case models.NodeStatusSuspended:
		return []models.Directive{models.DirectiveIsolate}
	case models.NodeStatusRevoked:
		return []models.Directive{models.DirectiveIsolate, models.DirectiveReenroll}
	}
	return nil
}

// Hash returns the stable content hash of a plan: SHA-256 over its canonical
// JSON encoding. Struct field order makes the encoding deterministic.
func Hash(p *models.Plan) string {
	data, err := json.Marshal(p)
	if err != nil {
		// Plans are plain data; marshalling cannot fail at runtime.
		panic(fmt.Sprintf("marshal plan: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
