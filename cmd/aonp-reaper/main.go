// Command aonp-reaper runs the lease reaper standalone, for deployments
// that keep reclamation out of the worker process (e.g. one reaper per
// store shared by many workers).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antigravity-dev/aonp/internal/config"
	"github.com/antigravity-dev/aonp/internal/scheduler"
	"github.com/antigravity-dev/aonp/internal/store"
	"github.com/antigravity-dev/aonp/internal/store/mongostore"
	"github.com/antigravity-dev/aonp/internal/store/sqlitestore"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return mongostore.Open(context.Background(), cfg.Store.MongoURI, cfg.Store.DBName)
	default:
		return sqlitestore.Open(cfg.Store.SQLitePath)
	}
}

func main() {
	configPath := flag.String("config", "aonp.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aonp-reaper: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	claimer := scheduler.New(st, logger.With("component", "scheduler"), cfg.Scheduler.LeaseTTL.Duration,
		cfg.Scheduler.ReaperInterval.Duration, cfg.Scheduler.ClaimBackoffMin.Duration, cfg.Scheduler.ClaimBackoffMax.Duration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimer.Start(ctx)
	logger.Info("aonp-reaper running", "interval", cfg.Scheduler.ReaperInterval.Duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	cancel()
	claimer.Stop()
	logger.Info("aonp-reaper stopped")
}
