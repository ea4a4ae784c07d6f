// Package config loads and validates the AONP TOML configuration, with
// environment variable overrides applied on top per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Backend selects the execution supervisor's solver executor.
type Backend string

const (
	BackendNative Backend = "native"
	BackendDocker Backend = "docker"
)

// Config is the fully resolved AONP worker configuration.
type Config struct {
	General   General   `toml:"general"`
	Store     Store     `toml:"store"`
	Execution Execution `toml:"execution"`
	Scheduler Scheduler `toml:"scheduler"`
	Otel      Otel      `toml:"otel"`
}

type General struct {
	RunsRoot         string `toml:"runs_root"`
	NuclearDataIndex string `toml:"nuclear_data_index"`
	WorkerID         string `toml:"worker_id"`
	LogLevel         string `toml:"log_level"`
}

// Store selects and configures the Run Store backend.
type Store struct {
	Backend  string `toml:"backend"` // "mongo" or "sqlite"
	MongoURI string `toml:"mongo_uri"`
	DBName   string `toml:"db_name"`
	SQLitePath string `toml:"sqlite_path"`
}

// Execution configures the supervisor's solver executor.
type Execution struct {
	Backend        Backend  `toml:"backend"`
	OMPNumThreads  int      `toml:"omp_num_threads"` // 0 => max(1, cores-2)
	MaxRuntime     Duration `toml:"max_runtime"`
	DockerImage    string   `toml:"docker_image"`
	SolverBin      string   `toml:"solver_bin"`
}

// Scheduler configures claim leasing and the reaper.
type Scheduler struct {
	LeaseTTL         Duration `toml:"lease_ttl"`
	ClaimBackoffMin  Duration `toml:"claim_backoff_min"`
	ClaimBackoffMax  Duration `toml:"claim_backoff_max"`
	ReaperInterval   Duration `toml:"reaper_interval"`
}

// Otel configures the optional tracing exporter.
type Otel struct {
	Endpoint string `toml:"endpoint"` // empty => no-op tracer provider
}

// Clone returns a deep-enough copy for safe concurrent hand-off; Config
// holds no maps or slices that mutate after Load, so a value copy suffices.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	c := *cfg
	return &c
}

// Load reads and validates an AONP TOML configuration file, then applies
// environment variable overrides (spec.md §6) on top.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.RunsRoot == "" {
		cfg.General.RunsRoot = "./runs"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "./aonp.db"
	}
	if cfg.Store.DBName == "" {
		cfg.Store.DBName = "aonp"
	}
	if cfg.Execution.Backend == "" {
		cfg.Execution.Backend = BackendNative
	}
	if cfg.Execution.MaxRuntime.Duration == 0 {
		cfg.Execution.MaxRuntime.Duration = 300 * time.Second
	}
	if cfg.Execution.SolverBin == "" {
		cfg.Execution.SolverBin = "openmc"
	}
	if cfg.Scheduler.LeaseTTL.Duration == 0 {
		cfg.Scheduler.LeaseTTL.Duration = 300 * time.Second
	}
	if cfg.Scheduler.ClaimBackoffMin.Duration == 0 {
		cfg.Scheduler.ClaimBackoffMin.Duration = 1 * time.Second
	}
	if cfg.Scheduler.ClaimBackoffMax.Duration == 0 {
		cfg.Scheduler.ClaimBackoffMax.Duration = 10 * time.Second
	}
	if cfg.Scheduler.ReaperInterval.Duration == 0 {
		cfg.Scheduler.ReaperInterval.Duration = cfg.Scheduler.LeaseTTL.Duration / 3
	}
}

// applyEnvOverrides mirrors spec.md §6's environment variables consumed by
// the core; any value present in the environment wins over the TOML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AONP_RUNS_ROOT"); v != "" {
		cfg.General.RunsRoot = v
	}
	if v := os.Getenv("AONP_NUCLEAR_DATA_INDEX"); v != "" {
		cfg.General.NuclearDataIndex = v
	}
	if v := os.Getenv("AONP_WORKER_ID"); v != "" {
		cfg.General.WorkerID = v
	}
	if v := os.Getenv("AONP_MONGO_URI"); v != "" {
		cfg.Store.MongoURI = v
		cfg.Store.Backend = "mongo"
	}
	if v := os.Getenv("AONP_DB_NAME"); v != "" {
		cfg.Store.DBName = v
	}
	if v := os.Getenv("AONP_LEASE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.LeaseTTL.Duration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("AONP_MAX_RUNTIME_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Execution.MaxRuntime.Duration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("OMP_NUM_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.OMPNumThreads = n
		}
	}
	if v := os.Getenv("AONP_OTLP_ENDPOINT"); v != "" {
		cfg.Otel.Endpoint = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "mongo":
		if strings.TrimSpace(cfg.Store.MongoURI) == "" {
			return fmt.Errorf("store.backend = mongo requires AONP_MONGO_URI or store.mongo_uri")
		}
	case "sqlite":
		// sqlite_path has a default, nothing further required.
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}

	switch cfg.Execution.Backend {
	case BackendNative, BackendDocker:
	default:
		return fmt.Errorf("unknown execution.backend %q", cfg.Execution.Backend)
	}

	if cfg.Scheduler.LeaseTTL.Duration <= 0 {
		return fmt.Errorf("scheduler.lease_ttl must be positive")
	}
	if cfg.Scheduler.ClaimBackoffMin.Duration <= 0 || cfg.Scheduler.ClaimBackoffMax.Duration < cfg.Scheduler.ClaimBackoffMin.Duration {
		return fmt.Errorf("scheduler.claim_backoff_min/max are invalid")
	}
	return nil
}

// WorkerID returns the configured worker identifier, generating one if the
// operator did not set AONP_WORKER_ID.
func (cfg *Config) WorkerID() string {
	if cfg.General.WorkerID != "" {
		return cfg.General.WorkerID
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

// OMPThreads resolves the OpenMP thread count: the configured override, or
// max(1, host cores - 2) per spec.md §4.5.
func (cfg *Config) OMPThreads(hostCores int) int {
	if cfg.Execution.OMPNumThreads > 0 {
		return cfg.Execution.OMPNumThreads
	}
	if hostCores-2 > 0 {
		return hostCores - 2
	}
	return 1
}
