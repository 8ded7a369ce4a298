package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disttest/internal/config"
	"disttest/internal/db"
	"disttest/internal/dispatch"
	"disttest/internal/executor"
	"disttest/internal/logging"
	"disttest/internal/metrics"
	"disttest/internal/queue"
	"disttest/internal/results"
	"disttest/internal/web"
	"disttest/internal/worker"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("disttest version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: disttest <server|worker|sweep|version> [args]")
}

func loadConfig(name string, args []string) *config.Config {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatal(err)
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to disttest config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	return cfg
}

// backends wires the configured storage mode for both the queue and the
// results store. pool is nil in memory mode.
type backends struct {
	queue queue.Queue
	store results.Store
	pool  *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	if cfg.StoreMode == "memory" {
		logger.Warn("Using in-memory storage; tasks will not survive a restart")
		return &backends{
			queue: queue.NewMemory(cfg.LeaseDuration),
			store: results.NewMemory(cfg.MaxAbbrevBytes),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &backends{
		queue: queue.NewPG(pool, cfg.LeaseDuration, cfg.PollInterval),
		store: results.NewPG(pool, cfg.MaxAbbrevBytes),
		pool:  pool,
	}, nil
}

func (b *backends) close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func runServer(args []string) {
	cfg := loadConfig("server", args)
	logger := logging.Init("server", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMemoryLogger(ctx, logger)

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer be.close()

	coord := dispatch.NewCoordinator(be.store, be.queue, logger)

	sweeper, err := dispatch.NewSweeper(coord, cfg.SweepCron, cfg.SweepMinAge, logger)
	if err != nil {
		logger.Error("Invalid sweep schedule", "error", err)
		os.Exit(1)
	}
	go sweeper.Run(ctx)

	metrics.StartCollector(ctx, be.queue, 0, logger)

	var pinger web.Pinger
	if be.pool != nil {
		pinger = be.pool
	}
	server := web.NewServer(coord, be.store, be.queue, pinger,
		cfg.HTTPAddr, cfg.ResultsBaseURL, cfg.MetricsToken, logger)
	if err := server.Start(ctx); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func runWorker(args []string) {
	cfg := loadConfig("worker", args)
	logger := logging.Init("worker", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMemoryLogger(ctx, logger)

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer be.close()

	var exec executor.IExecutor
	switch cfg.ExecMode {
	case "mock":
		exec = executor.NewMockExecutor(cfg.ExecSleep)
	default:
		exec = executor.NewShellExecutor(cfg.RunnerCommand)
	}

	runner := worker.New(worker.Options{
		WorkerID:       cfg.WorkerID,
		ReserveTimeout: cfg.ReserveTimeout,
		LeaseDuration:  cfg.LeaseDuration,
		ExecTimeout:    cfg.ExecTimeout,
		Concurrency:    cfg.Concurrency,
	}, be.queue, be.store, exec, logger)

	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Worker failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Give in-flight tasks a bounded window to finish.
		select {
		case <-done:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Error("Shutdown timeout exceeded, abandoning in-flight tasks")
			os.Exit(1)
		}
	}
}

// runSweep performs one dispatch-recovery pass and exits. The server
// runs the same sweep on a schedule; this is for operators.
func runSweep(args []string) {
	cfg := loadConfig("sweep", args)
	logger := logging.Init("sweep", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer be.close()

	coord := dispatch.NewCoordinator(be.store, be.queue, logger)
	recovered, err := coord.SweepUndispatched(ctx, cfg.SweepMinAge)
	if err != nil {
		logger.Error("Sweep failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Sweep complete", "recovered", recovered)
}
