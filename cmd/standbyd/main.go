// cmd/standbyd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FairForge/standby/internal/api"
	"github.com/FairForge/standby/internal/config"
	"github.com/FairForge/standby/internal/controller"
	"github.com/FairForge/standby/internal/probe"
	"github.com/FairForge/standby/internal/rebuild"
	"github.com/FairForge/standby/internal/registry"
	"github.com/FairForge/standby/internal/slot"
)

func main() {
	configPath := flag.String("config", "standby.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		panic(err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	store, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		logger.Fatal("open registry", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	primaryDB, err := sql.Open("postgres", cfg.Primary.Endpoint)
	if err != nil {
		logger.Fatal("open primary connection", zap.Error(err))
	}
	primaryDB.SetMaxOpenConns(4)
	primaryDB.SetMaxIdleConns(2)
	primaryDB.SetConnMaxLifetime(5 * time.Minute)
	defer func() { _ = primaryDB.Close() }()

	prober := probe.NewProber(probe.Config{
		Primary: probe.Node{ID: cfg.Primary.ID, Endpoint: cfg.Primary.Endpoint},
		Timeout: cfg.Supervision.ProbeTimeout,
	}, logger)
	defer func() { _ = prober.Close() }()

	slots := slot.NewManager(primaryDB, cfg.Supervision.ProbeTimeout, logger)

	orch := rebuild.NewOrchestrator(rebuild.Config{
		PrimaryEndpoint: cfg.Primary.Endpoint,
		ReadyTimeout:    cfg.Rebuild.ReadyTimeout,
		ReadyInterval:   cfg.Rebuild.ReadyInterval,
	},
		slots,
		&rebuild.PgBaseBackup{Binary: cfg.Rebuild.BaseBackupBinary, Logger: logger},
		&rebuild.CommandRunner{
			StopCommand:  cfg.Rebuild.StopCommand,
			StartCommand: cfg.Rebuild.StartCommand,
			Logger:       logger,
		},
		prober,
		logger,
	)

	ctrl := controller.New(controller.Config{
		ProbeInterval:    cfg.Supervision.ProbeInterval,
		LagThreshold:     cfg.Supervision.LagThreshold,
		DisconnectProbes: cfg.Supervision.DisconnectProbes,
		HealthyProbes:    cfg.Supervision.HealthyProbes,
		WindowSize:       cfg.Supervision.WindowSize,
		SlotPrefix:       cfg.Supervision.SlotPrefix,
	}, prober, orch, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("start controller", zap.Error(err))
	}

	// Pre-register replicas from config; already-known IDs were
	// restored from the registry.
	for _, rc := range cfg.Replicas {
		err := ctrl.Register(ctx, registry.Record{
			ID:        rc.ID,
			Endpoint:  rc.Endpoint,
			DataDir:   rc.DataDir,
			ServiceID: rc.ServiceID,
		})
		if errors.Is(err, controller.ErrAlreadyRegistered) {
			continue
		}
		if err != nil {
			logger.Fatal("register replica from config",
				zap.String("replica", rc.ID), zap.Error(err))
		}
	}

	if cfg.Primary.AccessControlFile != "" {
		stopWatch, err := config.WatchAccessControl(cfg.Primary.AccessControlFile, logger)
		if err != nil {
			logger.Warn("access control watch unavailable", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	server := api.NewServer(cfg.Server.Port, ctrl, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		ctrl.Stop()
		cancel()
	}()

	logger.Info("standbyd started",
		zap.String("primary", cfg.Primary.ID),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("probe_interval", cfg.Supervision.ProbeInterval))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
