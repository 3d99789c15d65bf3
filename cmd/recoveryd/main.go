// recoveryd runs the behavioral account recovery service.
//
// It owns the recovery database, the commitment keys and the anchoring
// batcher, and hot-reloads the recovery policy when its config file changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recoveryd/internal/app"
	"recoveryd/internal/config"
	"recoveryd/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("recoveryd %s\n", Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recoveryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		} else {
			path = config.ConfigPath()
		}
	}

	cfg, created, err := config.LoadOrCreate(path, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	if created {
		logger.Info("wrote default configuration", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	_ = a.Audit.LogStartup(ctx, Version, map[string]any{
		"config":          path,
		"algorithm":       cfg.Commitment.Algorithm,
		"replay_backend":  cfg.Adversarial.CacheBackend,
		"anchors_enabled": cfg.Anchors.Enabled,
	})

	loader := config.NewLoader(path, logger.Logger)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(func(old, next *config.Config) {
		a.ApplyConfig(ctx, old, next)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()

	batcherDone := make(chan error, 1)
	if cfg.Anchors.Enabled {
		go func() { batcherDone <- a.Batcher.Run(ctx) }()
	} else {
		close(batcherDone)
	}

	var healthSrv *http.Server
	if addr := cfg.Health.Listen; addr != "" {
		healthSrv = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server", "addr", addr, "error", err)
			}
		}()
	}
	a.Health.SetReady(true)

	logger.Info("recoveryd started",
		"version", Version,
		"database", cfg.Storage.Path,
		"timeline_days", cfg.Recovery.TimelineDays,
		"threshold", cfg.Recovery.SimilarityThreshold,
		"health", cfg.Health.Listen,
	)

	<-ctx.Done()
	a.Health.SetReady(false)
	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := <-batcherDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("anchoring batcher", "error", err)
	}

	// The signal context is done; record shutdown on a fresh one.
	_ = a.Audit.LogShutdown(context.Background(), "signal")
	logger.Info("recoveryd stopped")
	return nil
}
