// Package main implements the zero trust control plane server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/api"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/bus"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/config"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/device"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/postgres"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/telemetry"
)

// Exit codes.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitConfig    = 2
	exitInvariant = 10
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting control plane", "version", version)

	cfg, err := config.Load(os.Getenv("ZT_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Warn("failed to initialize telemetry", "error", err)
	} else if tp != nil {
		defer func() { _ = tp.Shutdown(ctx) }()
	}

	tokens, err := token.NewManager(cfg.AdminSecret, cfg.SecretKey)
	if err != nil {
		logger.Error("token manager setup failed", "error", err)
		return exitConfig
	}

	allocator, err := ipam.New(ipam.Config{
		Network:     cfg.OverlayNetwork,
		ClientStart: cfg.ClientIPPoolStart,
		ClientEnd:   cfg.ClientIPPoolEnd,
	})
	if err != nil {
		logger.Error("ipam setup failed", "error", err)
		return exitConfig
	}

	hubEndpoint := cfg.HubEndpoint
	if hubEndpoint == "" {
		hubEndpoint = net.JoinHostPort(allocator.HubAddress().String(), strconv.Itoa(cfg.WGPort))
	}

	synth, err := plan.NewSynthesizer(plan.Config{
		OverlayCIDR: cfg.OverlayNetwork,
		HubEndpoint: hubEndpoint,
		WGPort:      cfg.WGPort,
		DNS:         cfg.DNSServers,
	})
	if err != nil {
		logger.Error("synthesizer setup failed", "error", err)
		return exitConfig
	}

	var store eventstore.Store = eventstore.NewMemoryStore()
	var snapshots *postgres.SnapshotWriter
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			return exitGeneric
		}
		defer func() { _ = db.Close() }()

		if err := postgres.RunMigrations(ctx, db.DB); err != nil {
			logger.Error("migrations failed", "error", err)
			return exitGeneric
		}
		store = postgres.NewEventStore(db)
		snapshots = postgres.NewSnapshotWriter(db, logger)
	}

	proj := projection.New()
	eventBus := bus.New(0, logger)

	var roles []models.NodeRole
	for _, r := range cfg.AutoApproveRoles {
		roles = append(roles, models.NodeRole(r))
	}

	coreService := core.NewService(store, proj, allocator, eventBus, synth, tokens, core.Options{
		AutoApproveAll:   cfg.AutoApproveAll,
		AutoApproveRoles: roles,
		Logger:           logger,
		OnInvariant: func(err error) {
			dumpPath := dumpEventLog(ctx, store, logger)
			logger.Error("invariant violated, refusing write and exiting",
				"error", err, "event_log_dump", dumpPath)
			os.Exit(exitInvariant)
		},
	})

	if err := coreService.Start(ctx); err != nil {
		logger.Error("core start failed", "error", err)
		return exitGeneric
	}
	defer func() { _ = coreService.Stop(ctx) }()

	if snapshots != nil {
		go mirrorSnapshots(ctx, eventBus, snapshots)
	}

	devices := device.NewService(coreService, device.Config{
		HubEndpoint: hubEndpoint,
		HubPublicKey: func() string {
			for _, hub := range proj.NodesByRole(models.RoleHub) {
				return hub.PublicKey
			}
			return ""
		},
		OverlayCIDR:   cfg.OverlayNetwork,
		DNS:           cfg.DNSServers,
		DefaultExpiry: cfg.ClientDefaultExpiry(),
		MaxPerUser:    cfg.ClientMaxDevicesPerUser,
		SingleUse:     cfg.ClientSingleUseTokens,
	})

	router := api.NewRouter(&api.RouterConfig{
		Logger:      logger,
		HubEndpoint: hubEndpoint,
	}, coreService, devices)

	server := api.NewServer(router, &api.ServerConfig{
		Addr:            fmt.Sprintf(":%d", cfg.HubAPIPort),
		ReadTimeout:     cfg.ReadTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return exitGeneric
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return exitGeneric
	}
	return exitOK
}

// mirrorSnapshots mirrors committed events into the snapshot tables.
func mirrorSnapshots(ctx context.Context, eventBus *bus.Bus, snapshots *postgres.SnapshotWriter) {
	sub := eventBus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub.Events():
			if !open {
				return
			}
			snapshots.Apply(ctx, e)
		}
	}
}

// dumpEventLog writes the full log to a file in the system temp directory for
// operator replay.
func dumpEventLog(ctx context.Context, store eventstore.Store, logger *slog.Logger) string {
	path := fmt.Sprintf("%s/zt-eventlog-%d.json", os.TempDir(), time.Now().Unix())

	f, err := os.Create(path)
	if err != nil {
		logger.Error("event log dump failed", "error", err)
		return ""
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	var cursor int64
	for {
		events, err := store.ReadRange(ctx, cursor, 1000)
		if err != nil || len(events) == 0 {
			break
		}
		for _, e := range events {
			_ = enc.Encode(e)
			cursor = e.ID
		}
	}
	return path
}
