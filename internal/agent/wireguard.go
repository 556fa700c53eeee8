package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Runner executes host commands. Tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

// Run executes one command and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// WGManager owns the local WireGuard interface. It is the single writer for
// that kernel resource; no lock is needed because nothing else touches it.
type WGManager struct {
	iface  string
	runner Runner
}

// NewWGManager creates a manager for one interface.
func NewWGManager(iface string, runner Runner) *WGManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &WGManager{iface: iface, runner: runner}
}

// IsInstalled reports whether wireguard-tools are available.
func (m *WGManager) IsInstalled(ctx context.Context) bool {
	_, err := m.runner.Run(ctx, "wg", "--version")
	return err == nil
}

// InterfaceExists reports whether the interface is present.
func (m *WGManager) InterfaceExists(ctx context.Context) bool {
	_, err := m.runner.Run(ctx, "ip", "link", "show", m.iface)
	return err == nil
}

// EnsureInterface brings the interface up with the given parameters,
// creating it when absent. Interface-level changes (address, port) do not
// require tearing peers down.
func (m *WGManager) EnsureInterface(ctx context.Context, iface models.InterfaceConfig, privateKeyPath string) error {
	if !m.InterfaceExists(ctx) {
		if _, err := m.runner.Run(ctx, "ip", "link", "add", m.iface, "type", "wireguard"); err != nil {
			return fmt.Errorf("create interface: %w", err)
		}
	}

	args := []string{"set", m.iface, "private-key", privateKeyPath}
	if iface.ListenPort > 0 {
		args = append(args, "listen-port", strconv.Itoa(iface.ListenPort))
	}
	if _, err := m.runner.Run(ctx, "wg", args...); err != nil {
		return fmt.Errorf("configure interface: %w", err)
	}

	// Replace the address idempotently.
	if _, err := m.runner.Run(ctx, "ip", "address", "replace", iface.Address, "dev", m.iface); err != nil {
		return fmt.Errorf("assign address: %w", err)
	}
	if _, err := m.runner.Run(ctx, "ip", "link", "set", "up", "dev", m.iface); err != nil {
		return fmt.Errorf("bring up interface: %w", err)
	}
	return nil
}

// CurrentPeers reads the kernel peer set from `wg show <iface> dump`.
func (m *WGManager) CurrentPeers(ctx context.Context) (map[string]models.PeerConfig, error) {
	out, err := m.runner.Run(ctx, "wg", "show", m.iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("read peers: %w", err)
	}
	return parsePeerDump(out), nil
}

// parsePeerDump parses the tab-separated dump format. The first line is the
// interface; peer lines are:
// pubkey psk endpoint allowed-ips latest-handshake rx tx keepalive
func parsePeerDump(out string) map[string]models.PeerConfig {
	peers := make(map[string]models.PeerConfig)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			continue
		}
		peer := models.PeerConfig{PublicKey: fields[0]}
		if fields[2] != "(none)" {
			peer.Endpoint = fields[2]
		}
		if fields[3] != "(none)" && fields[3] != "" {
			peer.AllowedIPs = strings.Split(fields[3], ",")
		}
		if fields[7] != "off" {
			if ka, err := strconv.Atoi(fields[7]); err == nil {
				peer.Keepalive = ka
			}
		}
		peers[peer.PublicKey] = peer
	}
	return peers
}

// ReconcilePeers converges the kernel peer set on the desired set in place:
// individual adds, updates, and removes without touching the interface.
func (m *WGManager) ReconcilePeers(ctx context.Context, desired []models.PeerConfig) error {
	current, err := m.CurrentPeers(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]models.PeerConfig, len(desired))
	for _, p := range desired {
		want[p.PublicKey] = p
	}

	for key := range current {
		if _, keep := want[key]; !keep {
			if _, err := m.runner.Run(ctx, "wg", "set", m.iface, "peer", key, "remove"); err != nil {
				return fmt.Errorf("remove peer: %w", err)
			}
		}
	}

	for key, p := range want {
		if cur, ok := current[key]; ok && peerEqual(cur, p) {
			continue
		}
		args := []string{"set", m.iface, "peer", key,
			"allowed-ips", strings.Join(p.AllowedIPs, ",")}
		if p.Endpoint != "" {
			args = append(args, "endpoint", p.Endpoint)
		}
		if p.Keepalive > 0 {
			args = append(args, "persistent-keepalive", strconv.Itoa(p.Keepalive))
		}
		if _, err := m.runner.Run(ctx, "wg", args...); err != nil {
			return fmt.Errorf("set peer: %w", err)
		}
	}
	return nil
}

func peerEqual(a, b models.PeerConfig) bool {
	if a.PublicKey != b.PublicKey || a.Keepalive != b.Keepalive {
		return false
	}
	// The kernel rewrites endpoints on roaming; only enforce configured ones.
	if b.Endpoint != "" && a.Endpoint != b.Endpoint {
		return false
	}
	if len(a.AllowedIPs) != len(b.AllowedIPs) {
		return false
	}
	have := make(map[string]struct{}, len(a.AllowedIPs))
	for _, ip := range a.AllowedIPs {
		have[strings.TrimSpace(ip)] = struct{}{}
	}
	for _, ip := range b.AllowedIPs {
		if _, ok := have[strings.TrimSpace(ip)]; !ok {
			return false
		}
	}
	return true
}

// Teardown removes the interface entirely.
func (m *WGManager) Teardown(ctx context.Context) error {
	if !m.InterfaceExists(ctx) {
		return nil
	}
	if _, err := m.runner.Run(ctx, "ip", "link", "del", m.iface); err != nil {
		return fmt.Errorf("delete interface: %w", err)
	}
	return nil
}
