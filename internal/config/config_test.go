package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aonp.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
runs_root = "/tmp/aonp-runs"
nuclear_data_index = "/data/endfb80/cross_sections.xml"
log_level = "info"

[store]
backend = "sqlite"
sqlite_path = "/tmp/aonp-test.db"

[execution]
backend = "native"
max_runtime = "300s"

[scheduler]
lease_ttl = "300s"
claim_backoff_min = "1s"
claim_backoff_max = "10s"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Scheduler.LeaseTTL.Duration != 300*time.Second {
		t.Errorf("LeaseTTL = %v, want 300s", cfg.Scheduler.LeaseTTL.Duration)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.RunsRoot != "./runs" {
		t.Errorf("RunsRoot default = %q, want ./runs", cfg.General.RunsRoot)
	}
	if cfg.Execution.MaxRuntime.Duration != 300*time.Second {
		t.Errorf("MaxRuntime default = %v, want 300s", cfg.Execution.MaxRuntime.Duration)
	}
	if cfg.Execution.Backend != BackendNative {
		t.Errorf("Execution.Backend default = %q, want native", cfg.Execution.Backend)
	}
}

func TestLoadRejectsMongoBackendWithoutURI(t *testing.T) {
	path := writeTestConfig(t, "[store]\nbackend = \"mongo\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for mongo backend without URI")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("AONP_RUNS_ROOT", "/override/runs")
	t.Setenv("AONP_LEASE_TTL_SECONDS", "45")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.RunsRoot != "/override/runs" {
		t.Errorf("RunsRoot = %q, want override", cfg.General.RunsRoot)
	}
	if cfg.Scheduler.LeaseTTL.Duration != 45*time.Second {
		t.Errorf("LeaseTTL = %v, want 45s", cfg.Scheduler.LeaseTTL.Duration)
	}
}

func TestOMPThreadsDefaultsToCoresMinusTwo(t *testing.T) {
	cfg := &Config{}
	if got := cfg.OMPThreads(8); got != 6 {
		t.Errorf("OMPThreads(8) = %d, want 6", got)
	}
	if got := cfg.OMPThreads(2); got != 1 {
		t.Errorf("OMPThreads(2) = %d, want 1 (floor)", got)
	}
}
