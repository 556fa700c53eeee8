package agent

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/api"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/metrics"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/wg"
)

// isolateDeadline bounds tunnel teardown after an isolate directive.
const isolateDeadline = 5 * time.Second

// Options configures the enforcement loop.
type Options struct {
	Hostname     string
	Role         models.NodeRole
	Interface    string
	DataDir      string
	SyncInterval time.Duration
	Logger       *slog.Logger
}

// state is the persisted agent state between restarts.
type state struct {
	NodeID    string `json:"node_id"`
	NodeToken string `json:"node_token,omitempty"`
	LastHash  string `json:"last_hash,omitempty"`
}

// Loop is the single-writer enforcement loop: it owns the local tunnel and
// the dedicated firewall chain and converges them on the served plan.
type Loop struct {
	opts      Options
	client    *Client
	wgm       *WGManager
	fw        *FirewallManager
	collector *Collector
	metrics   *metrics.AgentMetrics
	logger    *slog.Logger

	state     state
	publicKey string
	isolated  bool
	wake      chan struct{}
}

// NewLoop creates the enforcement loop.
func NewLoop(client *Client, opts Options, runner Runner) *Loop {
	if opts.Interface == "" {
		opts.Interface = "wg0"
	}
	if opts.DataDir == "" {
		opts.DataDir = "/var/lib/zt-agent"
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		opts:      opts,
		client:    client,
		wgm:       NewWGManager(opts.Interface, runner),
		fw:        NewFirewallManager(opts.Interface, runner),
		collector: NewCollector(),
		metrics:   metrics.NewAgentMetrics(),
		logger:    opts.Logger,
		wake:      make(chan struct{}, 1),
	}
}

// Init verifies host capabilities, loads or generates the keypair, and
// registers with the control plane. It blocks until the node is approved.
func (l *Loop) Init(ctx context.Context) error {
	if !l.wgm.IsInstalled(ctx) {
		return fmt.Errorf("wireguard-tools not installed: %w", errors.ErrInvalidInput)
	}
	if !l.fw.Available(ctx) {
		return fmt.Errorf("packet filter chain facility unavailable: %w", errors.ErrInvalidInput)
	}

	if err := os.MkdirAll(l.opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := l.ensureKeypair(); err != nil {
		return err
	}
	l.loadState()

	return l.register(ctx)
}

func (l *Loop) keyPath() string   { return filepath.Join(l.opts.DataDir, "private.key") }
func (l *Loop) statePath() string { return filepath.Join(l.opts.DataDir, "state.json") }

func (l *Loop) ensureKeypair() error {
	raw, err := os.ReadFile(l.keyPath())
	if err == nil {
		public, derr := wg.PublicFromPrivate(string(raw))
		if derr == nil {
			l.publicKey = public
			return nil
		}
	}

	keys, err := wg.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.keyPath(), []byte(keys.PrivateKey), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	l.publicKey = keys.PublicKey
	l.logger.Info("generated keypair", "public_key", keys.PublicKey)
	return nil
}

func (l *Loop) loadState() {
	raw, err := os.ReadFile(l.statePath())
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, &l.state)
	l.client.SetToken(l.state.NodeToken)
}

func (l *Loop) saveState() {
	raw, err := json.Marshal(l.state)
	if err != nil {
		return
	}
	if err := os.WriteFile(l.statePath(), raw, 0o600); err != nil {
		l.logger.Warn("persist state failed", "error", err)
	}
}

// register polls the idempotent register endpoint until approved.
func (l *Loop) register(ctx context.Context) error {
	req := api.RegisterRequest{
		Hostname:     l.opts.Hostname,
		Role:         l.opts.Role,
		PublicKey:    l.publicKey,
		AgentVersion: Version,
		OSInfo:       HostInfo(),
	}

	for {
		resp, err := l.client.Register(ctx, req)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		l.state.NodeID = resp.NodeID
		if resp.NodeToken != "" {
			l.state.NodeToken = resp.NodeToken
			l.client.SetToken(resp.NodeToken)
		}
		l.saveState()

		if resp.Status == models.NodeStatusActive && l.state.NodeToken != "" {
			l.logger.InfoContext(ctx, "registered and approved",
				"node_id", resp.NodeID, "overlay_ip", resp.OverlayIP)
			return nil
		}

		l.logger.InfoContext(ctx, "awaiting approval", "node_id", resp.NodeID, "status", resp.Status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(15 * time.Second):
		}
	}
}

// Run drives the loop: tick every SyncInterval, wake early on stream
// events, tear down on context cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.fw.EnsureChain(ctx); err != nil {
		return err
	}

	go l.watchStream(ctx)

	ticker := time.NewTicker(l.opts.SyncInterval)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case <-ticker.C:
			l.cycle(ctx)
		case <-l.wake:
			l.cycle(ctx)
		}
	}
}

// cycle performs one sync-and-converge pass followed by a heartbeat. All
// transient errors are absorbed: the service stays up and retries next tick.
func (l *Loop) cycle(ctx context.Context) {
	resp, err := l.client.Sync(ctx, l.state.LastHash)
	switch {
	case err == nil && resp == nil:
		l.metrics.SyncAttempts.WithLabelValues("unchanged").Inc()
	case err == nil:
		l.metrics.SyncAttempts.WithLabelValues("changed").Inc()
		if err := l.apply(ctx, resp); err != nil {
			l.logger.ErrorContext(ctx, "apply plan failed", "error", err)
		}
	case stderrors.Is(err, errors.ErrForbidden):
		// Revoked or pending again: tear down and idle until re-enrolled.
		l.metrics.SyncAttempts.WithLabelValues("forbidden").Inc()
		l.isolate(ctx)
		return
	default:
		l.metrics.SyncAttempts.WithLabelValues("error").Inc()
		l.logger.WarnContext(ctx, "sync failed", "error", err)
	}

	l.heartbeat(ctx)
}

// apply converges kernel state on the plan. Directives run first; an
// isolate wins over everything else.
func (l *Loop) apply(ctx context.Context, resp *api.SyncResponse) error {
	for _, d := range resp.Directives {
		switch d {
		case models.DirectiveIsolate, models.DirectiveShutdown:
			l.isolate(ctx)
			return nil
		case models.DirectiveReenroll:
			l.state.NodeToken = ""
			l.state.LastHash = ""
			l.saveState()
			l.isolate(ctx)
			return nil
		}
	}
	l.isolated = false

	started := time.Now()
	defer func() {
		l.metrics.ApplyDuration.Observe(time.Since(started).Seconds())
	}()

	if err := l.wgm.EnsureInterface(ctx, resp.Interface, l.keyPath()); err != nil {
		return err
	}
	if err := l.wgm.ReconcilePeers(ctx, resp.Peers); err != nil {
		return err
	}
	if err := l.fw.Apply(ctx, resp.FirewallRules); err != nil {
		return err
	}

	l.metrics.PeersManaged.Set(float64(len(resp.Peers)))
	l.metrics.RulesManaged.Set(float64(len(resp.FirewallRules)))

	l.state.LastHash = resp.PlanHash
	l.saveState()
	l.logger.InfoContext(ctx, "plan applied",
		"hash", resp.PlanHash, "peers", len(resp.Peers), "rules", len(resp.FirewallRules))
	return nil
}

// isolate tears the tunnel and the chain down within the deadline, then
// idles. Heartbeats continue so trust can recover.
func (l *Loop) isolate(ctx context.Context) {
	if l.isolated {
		return
	}
	l.logger.WarnContext(ctx, "isolating: tearing down tunnel and chain")

	tctx, cancel := context.WithTimeout(context.Background(), isolateDeadline)
	defer cancel()

	if err := l.wgm.Teardown(tctx); err != nil {
		l.logger.ErrorContext(ctx, "tunnel teardown failed", "error", err)
	}
	if err := l.fw.Teardown(tctx); err != nil {
		l.logger.ErrorContext(ctx, "chain teardown failed", "error", err)
	}

	l.state.LastHash = ""
	l.saveState()
	l.isolated = true
	l.metrics.PeersManaged.Set(0)
	l.metrics.RulesManaged.Set(0)
}

func (l *Loop) heartbeat(ctx context.Context) {
	if _, err := l.client.Heartbeat(ctx, api.HeartbeatRequest{
		Metrics: l.collector.Collect(),
	}); err != nil {
		l.logger.WarnContext(ctx, "heartbeat failed", "error", err)
	}
}

// watchStream follows the control plane event stream and wakes the loop
// whenever a plan-relevant event arrives. Stream failures fall back to the
// polling tick.
func (l *Loop) watchStream(ctx context.Context) {
	var cursor int64
	for {
		if ctx.Err() != nil {
			return
		}

		body, err := l.client.StreamEvents(ctx, cursor)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
				continue
			}
		}

		l.followStream(ctx, body, &cursor)
		_ = body.Close()
	}
}

func (l *Loop) followStream(ctx context.Context, body io.ReadCloser, cursor *int64) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var frame struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			Keepalive bool   `json:"keepalive"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil || frame.Keepalive {
			continue
		}
		if frame.ID > *cursor {
			*cursor = frame.ID
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// shutdown removes the chain together with its INPUT hook but leaves the
// tunnel for ordinary restarts; traffic on the overlay interface then meets
// the INPUT chain's own policy.
func (l *Loop) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), isolateDeadline)
	defer cancel()
	return l.fw.Teardown(ctx)
}

// Version is the agent build version reported at registration.
var Version = "1.0.0"
