package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"disttest.yaml",
	"disttest.yml",
	"disttest.toml",
	".disttest.yaml",
	".disttest.yml",
	".disttest.toml",
}

type FileConfig struct {
	DSN     string            `yaml:"dsn" toml:"dsn"`
	Store   string            `yaml:"store" toml:"store"`
	Server  ServerFileConfig  `yaml:"server" toml:"server"`
	Worker  WorkerFileConfig  `yaml:"worker" toml:"worker"`
	Sweep   SweepFileConfig   `yaml:"sweep" toml:"sweep"`
	Metrics MetricsFileConfig `yaml:"metrics" toml:"metrics"`
}

type ServerFileConfig struct {
	Addr           string `yaml:"addr" toml:"addr"`
	ResultsBaseURL string `yaml:"results_base_url" toml:"results_base_url"`
}

type WorkerFileConfig struct {
	WorkerID        string   `yaml:"worker_id" toml:"worker_id"`
	Concurrency     *int     `yaml:"concurrency" toml:"concurrency"`
	ReserveTimeout  string   `yaml:"reserve_timeout" toml:"reserve_timeout"`
	LeaseDuration   string   `yaml:"lease_duration" toml:"lease_duration"`
	PollInterval    string   `yaml:"poll_interval" toml:"poll_interval"`
	ExecMode        string   `yaml:"exec_mode" toml:"exec_mode"`
	ExecSleep       string   `yaml:"exec_sleep" toml:"exec_sleep"`
	ExecTimeout     string   `yaml:"exec_timeout" toml:"exec_timeout"`
	RunnerCommand   []string `yaml:"runner_command" toml:"runner_command"`
	MaxAbbrevBytes  *int     `yaml:"max_abbrev_bytes" toml:"max_abbrev_bytes"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type SweepFileConfig struct {
	Cron   string `yaml:"cron" toml:"cron"`
	MinAge string `yaml:"min_age" toml:"min_age"`
}

type MetricsFileConfig struct {
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("DISTTEST_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Store != "" {
		cfg.StoreMode = fileCfg.Store
	}

	if fileCfg.Server.Addr != "" {
		cfg.HTTPAddr = fileCfg.Server.Addr
	}
	if fileCfg.Server.ResultsBaseURL != "" {
		cfg.ResultsBaseURL = fileCfg.Server.ResultsBaseURL
	}

	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Concurrency != nil {
		cfg.Concurrency = *fileCfg.Worker.Concurrency
	}
	if fileCfg.Worker.ReserveTimeout != "" {
		parsed, err := parseDurationField("worker.reserve_timeout", fileCfg.Worker.ReserveTimeout)
		if err != nil {
			return err
		}
		cfg.ReserveTimeout = parsed
	}
	if fileCfg.Worker.LeaseDuration != "" {
		parsed, err := parseDurationField("worker.lease_duration", fileCfg.Worker.LeaseDuration)
		if err != nil {
			return err
		}
		cfg.LeaseDuration = parsed
	}
	if fileCfg.Worker.PollInterval != "" {
		parsed, err := parseDurationField("worker.poll_interval", fileCfg.Worker.PollInterval)
		if err != nil {
			return err
		}
		cfg.PollInterval = parsed
	}
	if fileCfg.Worker.ExecMode != "" {
		cfg.ExecMode = fileCfg.Worker.ExecMode
	}
	if fileCfg.Worker.ExecSleep != "" {
		parsed, err := parseDurationField("worker.exec_sleep", fileCfg.Worker.ExecSleep)
		if err != nil {
			return err
		}
		cfg.ExecSleep = parsed
	}
	if fileCfg.Worker.ExecTimeout != "" {
		parsed, err := parseDurationField("worker.exec_timeout", fileCfg.Worker.ExecTimeout)
		if err != nil {
			return err
		}
		cfg.ExecTimeout = parsed
	}
	if len(fileCfg.Worker.RunnerCommand) > 0 {
		cfg.RunnerCommand = append([]string{}, fileCfg.Worker.RunnerCommand...)
	}
	if fileCfg.Worker.MaxAbbrevBytes != nil {
		cfg.MaxAbbrevBytes = *fileCfg.Worker.MaxAbbrevBytes
	}
	if fileCfg.Worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}

	if fileCfg.Sweep.Cron != "" {
		cfg.SweepCron = fileCfg.Sweep.Cron
	}
	if fileCfg.Sweep.MinAge != "" {
		parsed, err := parseDurationField("sweep.min_age", fileCfg.Sweep.MinAge)
		if err != nil {
			return err
		}
		cfg.SweepMinAge = parsed
	}

	if fileCfg.Metrics.AuthToken != "" {
		cfg.MetricsToken = fileCfg.Metrics.AuthToken
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
