package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/daymon/internal/config"
	"github.com/nextlevelbuilder/daymon/internal/executor"
	"github.com/nextlevelbuilder/daymon/internal/logging"
	"github.com/nextlevelbuilder/daymon/internal/notify"
	"github.com/nextlevelbuilder/daymon/internal/runner"
	"github.com/nextlevelbuilder/daymon/internal/scheduler"
	"github.com/nextlevelbuilder/daymon/internal/server"
	"github.com/nextlevelbuilder/daymon/internal/store"
	"github.com/nextlevelbuilder/daymon/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sidecar daemon",
	Long: `Starts the scheduler, file watcher, and loopback control surface,
then blocks until SIGINT, SIGTERM, or POST /shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(logging.Options{File: cfg.LogFile, Verbose: verbose})

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	seedSettings(st, cfg)

	exec := executor.New()
	run := runner.New(st, cfg.ResultsDir, exec)
	notifier := notify.New(st, nil)
	sched := scheduler.New(st, run, notifier, nil)
	fw := watcher.New(st, exec)
	srv := server.New(cfg, sched, fw, Version)
	notifier.SetBroadcaster(srv.Hub())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}
	sched.Start(ctx)
	fw.Start(ctx)
	slog.Info("daymon sidecar running",
		"pid", os.Getpid(), "port", srv.Port(), "db", cfg.DBPath, "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			slog.Info("signal received, shutting down")
		case <-srv.ShutdownRequested():
			slog.Info("shutdown requested over HTTP")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fw.Stop()
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("daymon sidecar stopped")
	return nil
}

// seedSettings pushes config-derived values into the settings table so every
// component reads one source of truth at runtime.
func seedSettings(st *store.Store, cfg *config.Config) {
	set := func(key, value string) {
		if err := st.SetSetting(key, value); err != nil {
			slog.Warn("seed setting failed", "key", key, "error", err)
		}
	}
	set(store.SettingRetentionDays, strconv.Itoa(cfg.RetentionDays))
	set(store.SettingNotificationsEnabled, strconv.FormatBool(cfg.NotificationsEnabled))
	set(store.SettingDefaultNudgeMode, cfg.DefaultNudgeMode)
	set(store.SettingQuietHoursFrom, cfg.QuietHoursFrom)
	set(store.SettingQuietHoursUntil, cfg.QuietHoursUntil)
}
