package agent_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/agent"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// fakeRunner records commands and serves canned outputs.
type fakeRunner struct {
	commands []string
	outputs  map[string]string
	failures map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs:  make(map[string]string),
		failures: make(map[string]error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	r.commands = append(r.commands, cmd)
	if err, ok := r.failures[cmd]; ok {
		return "", err
	}
	return r.outputs[cmd], nil
}

func (r *fakeRunner) ran(prefix string) bool {
	for _, c := range r.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

const peerDump = "private\tpublic-self\t51820\toff\n" +
	"pk-hub\t(none)\thub.example.com:51820\t10.10.0.0/24\t0\t0\t0\t25\n" +
	"pk-stale\t(none)\t(none)\t10.10.0.9/32\t0\t0\t0\toff\n"

func TestCurrentPeersParsesDump(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["wg show wg0 dump"] = peerDump

	m := agent.NewWGManager("wg0", runner)
	peers, err := m.CurrentPeers(context.Background())
	require.NoError(t, err)

	require.Len(t, peers, 2)
	hub := peers["pk-hub"]
	assert.Equal(t, "hub.example.com:51820", hub.Endpoint)
	assert.Equal(t, []string{"10.10.0.0/24"}, hub.AllowedIPs)
	assert.Equal(t, 25, hub.Keepalive)

	stale := peers["pk-stale"]
	assert.Empty(t, stale.Endpoint)
	assert.Zero(t, stale.Keepalive)
}

func TestReconcilePeersInPlace(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["wg show wg0 dump"] = peerDump

	m := agent.NewWGManager("wg0", runner)
	desired := []models.PeerConfig{
		{PublicKey: "pk-hub", Endpoint: "hub.example.com:51820", AllowedIPs: []string{"10.10.0.0/24"}, Keepalive: 25},
		{PublicKey: "pk-new", AllowedIPs: []string{"10.10.0.5/32"}},
	}

	require.NoError(t, m.ReconcilePeers(context.Background(), desired))

	// Stale peer removed, new peer added, unchanged hub untouched.
	assert.True(t, runner.ran("wg set wg0 peer pk-stale remove"))
	assert.True(t, runner.ran("wg set wg0 peer pk-new allowed-ips 10.10.0.5/32"))
	for _, c := range runner.commands {
		assert.NotContains(t, c, "pk-hub allowed-ips", "unchanged peer must not be rewritten")
	}
	// The interface itself is never torn down during peer reconciliation.
	assert.False(t, runner.ran("ip link del"))
}

func TestFirewallApplyBuildsAtomicSwap(t *testing.T) {
	runner := newFakeRunner()
	// The staging chain does not exist yet.
	runner.failures["iptables -L ZT_ACL_NEW -n"] = fmt.Errorf("no chain")

	fw := agent.NewFirewallManager("wg0", runner)
	rules := []models.FirewallRule{
		{Src: "10.10.0.3/32", Proto: models.ProtoTCP, Port: "5432", Action: models.RuleAccept, Priority: 100},
		{Src: "0.0.0.0/0", Proto: models.ProtoAny, Action: models.RuleDrop},
	}

	require.NoError(t, fw.Apply(context.Background(), rules))

	var relevant []string
	for _, c := range runner.commands {
		if strings.HasPrefix(c, "iptables -N") || strings.HasPrefix(c, "iptables -A") ||
			strings.HasPrefix(c, "iptables -R") || strings.HasPrefix(c, "iptables -F") ||
			strings.HasPrefix(c, "iptables -X") || strings.HasPrefix(c, "iptables -E") {
			relevant = append(relevant, c)
		}
	}

	assert.Equal(t, []string{
		"iptables -N ZT_ACL_NEW",
		"iptables -A ZT_ACL_NEW -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"iptables -A ZT_ACL_NEW -s 10.10.0.3/32 -p tcp --dport 5432 -j ACCEPT",
		"iptables -A ZT_ACL_NEW -j DROP",
		"iptables -R INPUT 1 -i wg0 -j ZT_ACL_NEW",
		"iptables -F ZT_ACL",
		"iptables -X ZT_ACL",
		"iptables -E ZT_ACL_NEW ZT_ACL",
	}, relevant)
}

func TestFirewallPortRangeTranslation(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["iptables -L ZT_ACL_NEW -n"] = fmt.Errorf("no chain")

	fw := agent.NewFirewallManager("wg0", runner)
	rules := []models.FirewallRule{
		{Src: "10.10.0.3/32", Proto: models.ProtoTCP, Port: "5000-6000", Action: models.RuleAccept},
	}
	require.NoError(t, fw.Apply(context.Background(), rules))

	assert.True(t, runner.ran("iptables -A ZT_ACL_NEW -s 10.10.0.3/32 -p tcp --dport 5000:6000 -j ACCEPT"))
}

func TestFirewallEnsureChainSeedsDeny(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["iptables -L ZT_ACL -n"] = fmt.Errorf("no chain")
	runner.failures["iptables -C INPUT -i wg0 -j ZT_ACL"] = fmt.Errorf("no rule")

	fw := agent.NewFirewallManager("wg0", runner)
	require.NoError(t, fw.EnsureChain(context.Background()))

	// A fresh chain denies everything before the first plan arrives.
	assert.True(t, runner.ran("iptables -N ZT_ACL"))
	assert.True(t, runner.ran("iptables -A ZT_ACL -j DROP"))
	assert.True(t, runner.ran("iptables -I INPUT 1 -i wg0 -j ZT_ACL"))
}
