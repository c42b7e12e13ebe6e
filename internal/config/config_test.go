package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/types"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Orchestrator.WorkerPoolSize != 10 {
		t.Fatalf("worker pool default = %d", cfg.Orchestrator.WorkerPoolSize)
	}
	if cfg.Debate.ValidatorCount != 5 {
		t.Fatalf("validator count default = %d", cfg.Debate.ValidatorCount)
	}
	if cfg.Saga.LockTTL != time.Hour {
		t.Fatalf("lock ttl default = %v", cfg.Saga.LockTTL)
	}
	if !cfg.Debate.SafetyGateEnabled() {
		t.Fatal("safety gate not on by default")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	body := `
state_dir: /tmp/conductor-test
orchestrator:
  worker_pool_size: 4
debate:
  validator_count: 7
  safety_gate: false
saga:
  ci_timeout: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/tmp/conductor-test" {
		t.Fatalf("state_dir = %s", cfg.StateDir)
	}
	if cfg.Orchestrator.WorkerPoolSize != 4 {
		t.Fatalf("worker_pool_size = %d", cfg.Orchestrator.WorkerPoolSize)
	}
	if cfg.Debate.ValidatorCount != 7 {
		t.Fatalf("validator_count = %d", cfg.Debate.ValidatorCount)
	}
	if cfg.Debate.SafetyGateEnabled() {
		t.Fatal("safety_gate override lost")
	}
	if cfg.Saga.CITimeout != 5*time.Minute {
		t.Fatalf("ci_timeout = %v", cfg.Saga.CITimeout)
	}
	// Untouched fields keep defaults.
	if cfg.Orchestrator.MaxRetries != 3 {
		t.Fatalf("max_retries = %d", cfg.Orchestrator.MaxRetries)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_STATE_DIR", "/tmp/env-dir")
	t.Setenv("CONDUCTOR_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/tmp/env-dir" {
		t.Fatalf("state_dir = %s", cfg.StateDir)
	}
	if cfg.Orchestrator.WorkerPoolSize != 2 {
		t.Fatalf("workers = %d", cfg.Orchestrator.WorkerPoolSize)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty_state_dir", func(c *Config) { c.StateDir = "" }},
		{"zero_workers", func(c *Config) { c.Orchestrator.WorkerPoolSize = 0 }},
		{"zero_validators", func(c *Config) { c.Debate.ValidatorCount = 0 }},
		{"bad_decay", func(c *Config) { c.Router.DecayRate = 1.5 }},
		{"model_missing_id", func(c *Config) {
			c.Router.Models = append(c.Router.Models, types.ModelConfig{})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
