package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Chain names. The staging chain exists only during an atomic swap.
const (
	ChainName    = "ZT_ACL"
	stagingChain = "ZT_ACL_NEW"
)

// FirewallManager owns the dedicated packet filter chain hooked from INPUT
// on the overlay interface. The chain always ends in DROP; rebuilds swap the
// whole chain so there is never an observable default-allow moment.
type FirewallManager struct {
	iface  string
	runner Runner
}

// NewFirewallManager creates a manager for the overlay interface chain.
func NewFirewallManager(iface string, runner Runner) *FirewallManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FirewallManager{iface: iface, runner: runner}
}

// Available reports whether the host provides the chain facility. The agent
// refuses to start without it.
func (f *FirewallManager) Available(ctx context.Context) bool {
	_, err := f.runner.Run(ctx, "iptables", "--version")
	return err == nil
}

// EnsureChain creates the chain and its jump from INPUT if missing.
func (f *FirewallManager) EnsureChain(ctx context.Context) error {
	if _, err := f.runner.Run(ctx, "iptables", "-L", ChainName, "-n"); err != nil {
		if _, err := f.runner.Run(ctx, "iptables", "-N", ChainName); err != nil {
			return fmt.Errorf("create chain: %w", err)
		}
		// A fresh chain denies everything until the first plan applies.
		if _, err := f.runner.Run(ctx, "iptables", "-A", ChainName, "-j", "DROP"); err != nil {
			return fmt.Errorf("seed default deny: %w", err)
		}
	}

	if _, err := f.runner.Run(ctx, "iptables", "-C", "INPUT", "-i", f.iface, "-j", ChainName); err != nil {
		if _, err := f.runner.Run(ctx, "iptables", "-I", "INPUT", "1", "-i", f.iface, "-j", ChainName); err != nil {
			return fmt.Errorf("hook chain: %w", err)
		}
	}
	return nil
}

// Apply rebuilds the chain from the compiled rules atomically: build the
// staging chain, repoint the INPUT jump, then drop the old chain and take
// over its name.
func (f *FirewallManager) Apply(ctx context.Context, rules []models.FirewallRule) error {
	// Discard any staging leftovers from a crashed previous apply.
	if _, err := f.runner.Run(ctx, "iptables", "-L", stagingChain, "-n"); err == nil {
		_, _ = f.runner.Run(ctx, "iptables", "-F", stagingChain)
		_, _ = f.runner.Run(ctx, "iptables", "-X", stagingChain)
	}

	if _, err := f.runner.Run(ctx, "iptables", "-N", stagingChain); err != nil {
		return fmt.Errorf("create staging chain: %w", err)
	}

	// Exactly one ESTABLISHED,RELATED acceptor heads the chain.
	if _, err := f.runner.Run(ctx, "iptables", "-A", stagingChain,
		"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add state rule: %w", err)
	}

	for _, rule := range rules {
		args, ok := ruleArgs(rule)
		if !ok {
			continue
		}
		if _, err := f.runner.Run(ctx, "iptables", args...); err != nil {
			return fmt.Errorf("add rule: %w", err)
		}
	}

	// All unmatched traffic falls through to DROP.
	if _, err := f.runner.Run(ctx, "iptables", "-A", stagingChain, "-j", "DROP"); err != nil {
		return fmt.Errorf("add default deny: %w", err)
	}

	// The swap: repoint the jump, retire the old chain, take over the name.
	if _, err := f.runner.Run(ctx, "iptables", "-R", "INPUT", "1", "-i", f.iface, "-j", stagingChain); err != nil {
		return fmt.Errorf("swap jump: %w", err)
	}
	if _, err := f.runner.Run(ctx, "iptables", "-F", ChainName); err != nil {
		return fmt.Errorf("flush old chain: %w", err)
	}
	if _, err := f.runner.Run(ctx, "iptables", "-X", ChainName); err != nil {
		return fmt.Errorf("delete old chain: %w", err)
	}
	if _, err := f.runner.Run(ctx, "iptables", "-E", stagingChain, ChainName); err != nil {
		return fmt.Errorf("rename staging chain: %w", err)
	}
	return nil
}

// ruleArgs translates one compiled rule into iptables arguments. The final
// plan row (the explicit deny) is skipped because the chain appends its own
// terminal DROP.
func ruleArgs(rule models.FirewallRule) ([]string, bool) {
	if rule.Action == models.RuleDrop && rule.Src == "0.0.0.0/0" {
		return nil, false
	}

	args := []string{"-A", stagingChain}
	if rule.Src != "" && rule.Src != "0.0.0.0/0" {
		args = append(args, "-s", rule.Src)
	}
	if rule.Proto != "" && rule.Proto != models.ProtoAny {
		args = append(args, "-p", string(rule.Proto))
		if rule.Port != "" && rule.Proto != models.ProtoICMP {
			args = append(args, "--dport", strings.ReplaceAll(rule.Port, "-", ":"))
		}
	}
	args = append(args, "-j", string(rule.Action))
	return args, true
}

// Teardown removes the jump and the chain on shutdown.
func (f *FirewallManager) Teardown(ctx context.Context) error {
	_, _ = f.runner.Run(ctx, "iptables", "-D", "INPUT", "-i", f.iface, "-j", ChainName)
	if _, err := f.runner.Run(ctx, "iptables", "-F", ChainName); err != nil {
		return nil // chain already gone
	}
	_, _ = f.runner.Run(ctx, "iptables", "-X", ChainName)
	return nil
}
