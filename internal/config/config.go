package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	StoreMode       string // "postgres" or "memory"
	HTTPAddr        string // HTTP address for the submission API
	WorkerID        string
	Concurrency     int
	ReserveTimeout  time.Duration // How long a reserve call blocks when the queue is empty
	LeaseDuration   time.Duration // How long a worker holds a reserved task
	PollInterval    time.Duration // Interval to poll for claimable tasks
	ExecMode        string        // "shell" or "mock"
	ExecSleep       time.Duration // Sleep duration for mock executor
	ExecTimeout     time.Duration // Wall-clock limit per bundle execution
	RunnerCommand   []string      // Command that runs an isolated test bundle
	MaxAbbrevBytes  int           // Bytes of stdout/stderr tail kept in task rows
	ResultsBaseURL  string        // Base URL output archive links are built from
	SweepCron       string        // Cron schedule for the dispatch recovery sweep
	SweepMinAge     time.Duration // Minimum task age before the sweep re-enqueues it
	ShutdownTimeout time.Duration
	MetricsToken    string // Bearer token guarding /metrics; empty disables the check
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.StoreMode, "store", c.StoreMode, "Storage backend (postgres|memory)")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP address for the submission API")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Tasks executed in parallel per worker")
	fs.DurationVar(&c.ReserveTimeout, "reserve-timeout", c.ReserveTimeout, "How long a reserve blocks on an empty queue")
	fs.DurationVar(&c.LeaseDuration, "lease-duration", c.LeaseDuration, "Initial task lease duration")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval to poll for claimable tasks")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (shell|mock)")
	fs.DurationVar(&c.ExecSleep, "exec-sleep", c.ExecSleep, "Sleep duration for mock mode")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Wall-clock limit per bundle execution")
	fs.IntVar(&c.MaxAbbrevBytes, "max-abbrev-bytes", c.MaxAbbrevBytes, "Bytes of output tail kept per stream")
	fs.StringVar(&c.ResultsBaseURL, "results-base-url", c.ResultsBaseURL, "Base URL for output archive links")
	fs.StringVar(&c.SweepCron, "sweep-cron", c.SweepCron, "Cron schedule for the dispatch recovery sweep")
	fs.DurationVar(&c.SweepMinAge, "sweep-min-age", c.SweepMinAge, "Minimum task age before the sweep re-enqueues it")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.StringVar(&c.MetricsToken, "metrics-token", c.MetricsToken, "Bearer token for /metrics (empty disables auth)")
}

func Load() (*Config, error) {
	// A .env in the working directory is a convenience for development;
	// real deployments set the environment directly.
	_ = godotenv.Load()

	storeMode := os.Getenv("STORE_MODE")
	if storeMode == "" {
		storeMode = "postgres"
	}

	// The database URL requirement is enforced by Validate, after file
	// and flag layers have had their chance to switch the store mode.
	dbURL := os.Getenv("DATABASE_URL")

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}

	httpAddr := ":8081"
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		httpAddr = addr
	}

	runnerBin := os.Getenv("RUNNER_BIN")
	if runnerBin == "" {
		runnerBin = "./run_isolated.sh"
	}

	execMode := os.Getenv("EXEC_MODE")
	if execMode == "" {
		execMode = "shell"
	}

	cfg := &Config{
		DatabaseURL:     dbURL,
		StoreMode:       storeMode,
		HTTPAddr:        httpAddr,
		WorkerID:        workerID,
		Concurrency:     1,
		ReserveTimeout:  5 * time.Second,
		LeaseDuration:   5 * time.Minute,
		PollInterval:    envDuration("POLL_INTERVAL", 250*time.Millisecond),
		ExecMode:        execMode,
		ExecSleep:       envDuration("EXEC_SLEEP", 100*time.Millisecond),
		ExecTimeout:     envDuration("EXEC_TIMEOUT", time.Hour),
		RunnerCommand:   []string{runnerBin},
		MaxAbbrevBytes:  4096,
		ResultsBaseURL:  os.Getenv("RESULTS_BASE_URL"),
		SweepCron:       "*/5 * * * *",
		SweepMinAge:     time.Minute,
		ShutdownTimeout: 30 * time.Second,
		MetricsToken:    os.Getenv("METRICS_AUTH_TOKEN"),
	}
	if cron := os.Getenv("SWEEP_CRON"); cron != "" {
		cfg.SweepCron = cron
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreMode {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres store requires a database URL")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store mode %q", c.StoreMode)
	}
	switch c.ExecMode {
	case "shell", "mock":
	default:
		return fmt.Errorf("unknown exec mode %q", c.ExecMode)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	return nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
