// Command aonp-worker claims queued runs and drives them through the
// bundle/execute/extract pipeline until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"github.com/antigravity-dev/aonp/internal/bundle"
	"github.com/antigravity-dev/aonp/internal/config"
	"github.com/antigravity-dev/aonp/internal/eventbus"
	"github.com/antigravity-dev/aonp/internal/executor"
	"github.com/antigravity-dev/aonp/internal/executor/dockerexec"
	"github.com/antigravity-dev/aonp/internal/executor/nativeexec"
	"github.com/antigravity-dev/aonp/internal/extractor"
	"github.com/antigravity-dev/aonp/internal/otelsetup"
	"github.com/antigravity-dev/aonp/internal/scheduler"
	"github.com/antigravity-dev/aonp/internal/store"
	"github.com/antigravity-dev/aonp/internal/store/mongostore"
	"github.com/antigravity-dev/aonp/internal/store/sqlitestore"
	"github.com/antigravity-dev/aonp/internal/supervisor"
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

func buildExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Execution.Backend {
	case config.BackendDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		return dockerexec.New(cli, cfg.Execution.DockerImage), nil
	default:
		return nativeexec.New(cfg.Execution.SolverBin), nil
	}
}

func main() {
	configPath := flag.String("config", "aonp.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	once := flag.Bool("once", false, "claim and run a single run, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aonp-worker: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	workerID := cfg.WorkerID()
	logger.Info("aonp-worker starting", "worker_id", workerID, "config", *configPath, "store_backend", cfg.Store.Backend, "execution_backend", cfg.Execution.Backend)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	exec, err := buildExecutor(cfg)
	if err != nil {
		logger.Error("failed to build executor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := otelsetup.New(ctx, cfg.Otel.Endpoint, workerID)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer tracerProvider.Shutdown(context.Background())

	bus := eventbus.New(st)
	bundler := bundle.New(cfg.General.RunsRoot)
	x := extractor.New()
	claimer := scheduler.New(st, logger.With("component", "scheduler"), cfg.Scheduler.LeaseTTL.Duration,
		cfg.Scheduler.ReaperInterval.Duration, cfg.Scheduler.ClaimBackoffMin.Duration, cfg.Scheduler.ClaimBackoffMax.Duration)

	sv := supervisor.New(st, claimer, bus, bundler, x, exec, supervisor.Options{
		LeaseTTL:         cfg.Scheduler.LeaseTTL.Duration,
		KillGrace:        10 * time.Second,
		MaxRuntime:       cfg.Execution.MaxRuntime.Duration,
		OMPThreads:       cfg.OMPThreads(runtime.NumCPU()),
		NuclearDataIndex: cfg.General.NuclearDataIndex,
		Logger:           logger.With("component", "supervisor"),
		Tracer:           tracerProvider.Tracer(),
	})

	go claimer.Start(ctx)
	defer claimer.Stop()

	if *once {
		run, err := claimer.ClaimNextWithBackoff(ctx, workerID)
		if err != nil {
			logger.Error("claim failed", "error", err)
			os.Exit(1)
		}
		sv.Run(ctx, run, workerID)
		logger.Info("single run complete, exiting", "run_id", run.RunID)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workLoop := make(chan struct{}, 1)
	go runClaimLoop(ctx, claimer, sv, workerID, logger, workLoop)

	logger.Info("aonp-worker running", "worker_id", workerID, "runs_root", cfg.General.RunsRoot)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	<-workLoop
	logger.Info("aonp-worker stopped")
}

// runClaimLoop repeatedly claims and drives one run at a time until ctx is
// cancelled, then closes done.
func runClaimLoop(ctx context.Context, claimer *scheduler.Claimer, sv *supervisor.Supervisor, workerID string, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		run, err := claimer.ClaimNextWithBackoff(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			continue
		}
		sv.Run(ctx, run, workerID)
	}
}
