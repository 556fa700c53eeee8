// Package main implements the node agent daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/agent"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Exit codes.
const (
	exitOK      = 0
	exitGeneric = 1
	exitConfig  = 2
	exitAuth    = 3
	exitNetwork = 5
)

var version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		hubURL       string
		hostname     string
		role         string
		iface        string
		dataDir      string
		syncInterval time.Duration
		debug        bool
	)

	exitCode := exitOK

	rootCmd := &cobra.Command{
		Use:     "zt-agent",
		Short:   "Zero trust node agent",
		Long:    "Registers this host with the control plane and keeps the WireGuard tunnel and firewall chain converged on the served plan.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel := slog.LevelInfo
			if debug {
				logLevel = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
			slog.SetDefault(logger)

			if hubURL == "" {
				hubURL = os.Getenv("HUB_URL")
			}
			if hubURL == "" {
				exitCode = exitConfig
				return fmt.Errorf("hub URL is required (--hub-url or HUB_URL)")
			}
			if hostname == "" {
				hostname, _ = os.Hostname()
			}
			if !models.IsValidRole(models.NodeRole(role)) {
				exitCode = exitConfig
				return fmt.Errorf("unknown role %q", role)
			}

			agent.Version = version
			client := agent.NewClient(hubURL, logger)
			loop := agent.NewLoop(client, agent.Options{
				Hostname:     hostname,
				Role:         models.NodeRole(role),
				Interface:    iface,
				DataDir:      dataDir,
				SyncInterval: syncInterval,
				Logger:       logger,
			}, nil)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := loop.Init(ctx); err != nil {
				exitCode = classifyExit(err)
				return err
			}
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				exitCode = exitGeneric
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&hubURL, "hub-url", "", "control plane base URL (default $HUB_URL)")
	rootCmd.Flags().StringVar(&hostname, "hostname", "", "node hostname (default OS hostname)")
	rootCmd.Flags().StringVar(&role, "role", "app", "node role: hub, app, db, ops, monitor, gateway")
	rootCmd.Flags().StringVar(&iface, "interface", "wg0", "WireGuard interface name")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/zt-agent", "state directory")
	rootCmd.Flags().DurationVar(&syncInterval, "sync-interval", 60*time.Second, "plan sync interval")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitGeneric
		}
		return exitCode
	}
	return exitCode
}

func classifyExit(err error) int {
	switch {
	case isAuthError(err):
		return exitAuth
	case isNetworkError(err):
		return exitNetwork
	default:
		return exitGeneric
	}
}
