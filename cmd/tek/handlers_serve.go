package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/HiTek-Dev/tek/internal/config"
	"github.com/HiTek-Dev/tek/internal/gateway"
	"github.com/HiTek-Dev/tek/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// loadConfig reads path, falling back to defaults when the file does not
// exist yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}

// runServe implements the serve command.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)

	logger.Info("starting tek",
		"version", version,
		"commit", commit,
		"config", configPath,
		"workspace", cfg.Workspace.Dir,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		rt.Close(closeCtx)
	}()

	if n, err := rt.engine.FailInterrupted(ctx); err != nil {
		logger.Warn("failed to mark interrupted executions", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted executions as failed", "count", n)
	}

	server, err := gateway.NewServer(rt.gatewayConfig(), rt.gatewayDependencies(),
		gateway.WithLogger(logger),
		gateway.WithMetrics(rt.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	rt.alert = server.HeartbeatAlert

	if cfg.Workflows.Watch {
		if err := rt.workflows.StartWatching(ctx); err != nil {
			logger.Warn("workflow watch disabled", "dir", cfg.Workflows.Dir, "error", err)
		}
	}
	if err := rt.syncHeartbeats(ctx); err != nil {
		logger.Warn("some heartbeat schedules were not stored", "error", err)
	}
	if err := rt.scheduler.Reload(ctx); err != nil {
		logger.Warn("some schedules failed to load", "error", err)
	}
	rt.scheduler.Start()

	if err := server.Start(ctx); err != nil {
		_ = rt.scheduler.Close(context.Background())
		return err
	}
	logger.Info("tek started",
		"addr", server.Addr(),
		"providers", rt.providers.Names(),
		"workflows", len(rt.workflows.List()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := rt.scheduler.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("tek stopped gracefully")
	return nil
}
