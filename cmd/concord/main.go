package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/concord-lab/concord-ledger/internal/command"
	"github.com/concord-lab/concord-ledger/internal/config"
	"github.com/concord-lab/concord-ledger/internal/core/storage/postgres"
	"github.com/concord-lab/concord-ledger/internal/inspect"
	"github.com/concord-lab/concord-ledger/internal/migrations"
	"github.com/concord-lab/concord-ledger/internal/registry/replayer"
	"github.com/concord-lab/concord-ledger/internal/server"
	"github.com/concord-lab/concord-ledger/internal/signing"
)

func main() {
	configPath := flag.String("config", "concord.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration (includes the permission policy file)
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"address", fmtAddr(cfg.Server.Host, cfg.Server.Port),
		"mode", cfg.Server.Mode,
		"root_admins", len(cfg.ResolvedPolicy.RootAdmins),
		"scopes", len(cfg.ResolvedPolicy.Scopes),
	)

	// 2. Initialize Storage (PostgreSQL)
	inProgressTTL, successTTL, failureTTL := cfg.Command.TTLs()
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		postgres.TTLConfig{
			InProgress: inProgressTTL,
			Success:    successTTL,
			Failure:    failureTTL,
		},
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Signing (key material and per-account identity directory)
	signer := signing.NewLocalSigner()
	directory := signing.NewDirectory(dbAdapter, signer, cfg.Signing.FallbackKeyRef, func() string {
		return "sid_" + uuid.NewString()
	})

	// 4. Initialize Command Service (idempotency gate + receipt writer)
	writer := command.NewWriter(dbAdapter, signer)
	commandSvc := command.NewService(dbAdapter, writer, directory, logger, cfg.Command.RetryAfterSeconds)

	// 5. Initialize Inspection Service (registry replay + ledger verification)
	rep := replayer.New(replayer.Config{
		Permissions: cfg.ResolvedPolicy.PermissionConfig(),
	})
	inspectSvc := inspect.NewService(rep, cfg.ResolvedPolicy, logger)

	// 6. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode)
	commandSvc.RegisterRoutes(srv.Engine)
	inspectSvc.RegisterRoutes(srv.Engine)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
