package wg

import (
	"strconv"
	"strings"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// RenderConfig produces wg-quick configuration text for a compiled plan.
// Output is deterministic: sections and keys appear in a fixed order.
func RenderConfig(iface models.InterfaceConfig, peers []models.PeerConfig) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	if iface.PrivateKey != "" {
		b.WriteString("PrivateKey = " + iface.PrivateKey + "\n")
	}
	b.WriteString("Address = " + iface.Address + "\n")
	if iface.ListenPort > 0 {
		b.WriteString("ListenPort = " + strconv.Itoa(iface.ListenPort) + "\n")
	}
	if len(iface.DNS) > 0 {
		b.WriteString("DNS = " + strings.Join(iface.DNS, ", ") + "\n")
	}

	for _, peer := range peers {
		b.WriteString("\n[Peer]\n")
		b.WriteString("PublicKey = " + peer.PublicKey + "\n")
		b.WriteString("AllowedIPs = " + strings.Join(peer.AllowedIPs, ", ") + "\n")
		if peer.Endpoint != "" {
			b.WriteString("Endpoint = " + peer.Endpoint + "\n")
		}
		if peer.Keepalive > 0 {
			b.WriteString("PersistentKeepalive = " + strconv.Itoa(peer.Keepalive) + "\n")
		}
	}

	return b.String()
}
