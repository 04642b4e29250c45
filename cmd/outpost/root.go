package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/messmate/outpost/internal/api"
	"github.com/messmate/outpost/internal/boot"
	"github.com/messmate/outpost/internal/config"
	"github.com/messmate/outpost/internal/connectivity"
	"github.com/messmate/outpost/internal/health"
	"github.com/messmate/outpost/internal/offline"
	"github.com/messmate/outpost/internal/remote"
	"github.com/messmate/outpost/internal/store"
	"github.com/messmate/outpost/internal/syncq"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Outpost - offline-first persistence and sync daemon",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&diagAddr, "addr", "",
		"Diagnostics server address (overrides OUTPOST_ADDR, default 127.0.0.1:7077)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "db_path", cfg.Database.Path)

	engine := store.NewEngine(cfg.Database.Path,
		store.WithBusyTimeout(time.Duration(cfg.Database.BusyTimeout)),
		store.WithLockTimeout(time.Duration(cfg.Database.LockTimeout)),
	)

	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.APIKey, time.Duration(cfg.Remote.Timeout))

	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL + "/health"
	}
	observer := connectivity.New(probeURL,
		time.Duration(cfg.Connectivity.Interval),
		time.Duration(cfg.Connectivity.Timeout))

	queue := syncq.NewQueue(engine, cfg.Sync.MaxRetries)
	drainer := syncq.NewDrainer(queue, engine, client, observer,
		time.Duration(cfg.Sync.PerItemTimeout), cfg.Sync.ReadOnlyEndpoints)

	monitor := health.New(engine,
		time.Duration(cfg.Health.Interval),
		time.Duration(cfg.Health.ProbeTimeout),
		cfg.Health.MaxConsecutiveFailures,
		cfg.Health.AutoRecover)

	booter := boot.New(engine, monitor,
		cfg.Boot.MaxAttempts,
		time.Duration(cfg.Boot.AttemptTimeout),
		time.Duration(cfg.Boot.Cooldown),
		time.Duration(cfg.Boot.BackoffBase))

	manager := offline.New(engine, queue, drainer, monitor, observer, client, booter, offline.Options{
		CacheTTL:      time.Duration(cfg.Cache.DefaultTTL),
		SweepInterval: time.Duration(cfg.Cache.SweepInterval),
		DrainInterval: time.Duration(cfg.Sync.DrainInterval),
	})
	if err := manager.Start(ctx); err != nil {
		return err
	}
	slog.Info("offline manager started", "degraded", manager.Degraded())

	handler := api.NewHandler(manager, Version)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("diagnostics server starting", "address", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("diagnostics server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("diagnostics server shutdown error", "error", err)
	}

	manager.Destroy()

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
