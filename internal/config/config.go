// Package config loads conductor configuration from YAML with environment
// overrides. DefaultConfig returns a complete working configuration; Load
// layers a config file and CONDUCTOR_* environment variables on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/types"
)

// Config holds all conductor configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// StateDir roots all persisted state: runs/, provenance.db (artifacts
	// and results), hitl/, logs/, audit.log.
	StateDir string `yaml:"state_dir"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Debate       DebateConfig       `yaml:"debate"`
	Router       RouterConfig       `yaml:"router"`
	Saga         SagaConfig         `yaml:"saga"`
	HITL         HITLConfig         `yaml:"hitl"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig bounds the DAG engine.
type OrchestratorConfig struct {
	WorkerPoolSize    int           `yaml:"worker_pool_size"`    // default 10
	MaxRetries        int           `yaml:"max_retries"`         // default 3
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base"`  // default 5s
	RetryBackoffMax   time.Duration `yaml:"retry_backoff_max"`   // default 5m
	DiverseGenerators int           `yaml:"diverse_generators"`  // default 3
	GeneratorTemps    []float64     `yaml:"generator_temps"`     // default 0.7/0.8/0.9
	HITLWaitTimeout   time.Duration `yaml:"hitl_wait_timeout"`   // default 1h
	DebateRiskFloor   float64       `yaml:"debate_risk_floor"`   // default 0.7
}

// DebateConfig bounds the debate controller.
type DebateConfig struct {
	ValidatorCount     int           `yaml:"validator_count"`     // K, default 5
	DiversityThreshold float64       `yaml:"diversity_threshold"` // min L2, default 0.3
	SafetyGate         *bool         `yaml:"safety_gate"`         // default true
	PoolSize           int           `yaml:"pool_size"`           // default 2*K
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`     // default 2m
	ScoreTimeout       time.Duration `yaml:"score_timeout"`       // per validator call, default 5m
}

// SafetyGateEnabled resolves the tri-state flag with its default.
func (c DebateConfig) SafetyGateEnabled() bool {
	if c.SafetyGate == nil {
		return true
	}
	return *c.SafetyGate
}

// RouterConfig carries the model catalog and prior tuning.
type RouterConfig struct {
	Models           []types.ModelConfig `yaml:"models"`
	ObsNoiseVariance float64             `yaml:"obs_noise_variance"` // default 0.1
	DecayRate        float64             `yaml:"decay_rate"`         // default 0.95
	DecayAfter       int                 `yaml:"decay_after"`        // samples, default 100
	PriorMean        float64             `yaml:"prior_mean"`         // default 0.5
	PriorStd         float64             `yaml:"prior_std"`          // default 0.25
	BreakerFailures  int                 `yaml:"breaker_failures"`   // consecutive, default 5
	BreakerWindow    time.Duration       `yaml:"breaker_window"`     // default 1m
	BreakerCooldown  time.Duration       `yaml:"breaker_cooldown"`   // default 30s
	LookupRetries    int                 `yaml:"lookup_retries"`     // default 3
}

// SagaConfig bounds the multi-repo saga.
type SagaConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl"`          // default 1h
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"` // default 5m
	CITimeout       time.Duration `yaml:"ci_timeout"`        // default 30m
	CIPollInterval  time.Duration `yaml:"ci_poll_interval"`  // default 10s
	RevertCITimeout time.Duration `yaml:"revert_ci_timeout"` // default 5m
	CanaryWindow    time.Duration `yaml:"canary_window"`     // default 10m
	EmergencySLA    time.Duration `yaml:"emergency_sla"`     // default 5m
	CredentialTTL   time.Duration `yaml:"credential_ttl"`    // default 15m
}

// HITLConfig tunes the approval workflow.
type HITLConfig struct {
	ExpirySweep time.Duration `yaml:"expiry_sweep"` // default 15s
}

// LoggingConfig mirrors logging.Settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	MaxSizeMB  int             `yaml:"max_size_mb"`
	MaxBackups int             `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "conductor",
		Version:  "0.4.0",
		StateDir: ".conductor",
		Orchestrator: OrchestratorConfig{
			WorkerPoolSize:    10,
			MaxRetries:        3,
			RetryBackoffBase:  5 * time.Second,
			RetryBackoffMax:   5 * time.Minute,
			DiverseGenerators: 3,
			GeneratorTemps:    []float64{0.7, 0.8, 0.9},
			HITLWaitTimeout:   time.Hour,
			DebateRiskFloor:   0.7,
		},
		Debate: DebateConfig{
			ValidatorCount:     5,
			DiversityThreshold: 0.3,
			AcquireTimeout:     2 * time.Minute,
			ScoreTimeout:       5 * time.Minute,
		},
		Router: RouterConfig{
			ObsNoiseVariance: 0.1,
			DecayRate:        0.95,
			DecayAfter:       100,
			PriorMean:        0.5,
			PriorStd:         0.25,
			BreakerFailures:  5,
			BreakerWindow:    time.Minute,
			BreakerCooldown:  30 * time.Second,
			LookupRetries:    3,
		},
		Saga: SagaConfig{
			LockTTL:         time.Hour,
			LockWaitTimeout: 5 * time.Minute,
			CITimeout:       30 * time.Minute,
			CIPollInterval:  10 * time.Second,
			RevertCITimeout: 5 * time.Minute,
			CanaryWindow:    10 * time.Minute,
			EmergencySLA:    5 * time.Minute,
			CredentialTTL:   15 * time.Minute,
		},
		HITL: HITLConfig{
			ExpirySweep: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies env
// overrides. A missing path yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers CONDUCTOR_* variables on the loaded config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CONDUCTOR_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("CONDUCTOR_VALIDATORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Debate.ValidatorCount = n
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir required")
	}
	if c.Orchestrator.WorkerPoolSize <= 0 {
		return fmt.Errorf("orchestrator.worker_pool_size must be positive")
	}
	if c.Debate.ValidatorCount <= 0 {
		return fmt.Errorf("debate.validator_count must be positive")
	}
	if c.Debate.DiversityThreshold < 0 {
		return fmt.Errorf("debate.diversity_threshold must be non-negative")
	}
	if c.Router.ObsNoiseVariance <= 0 {
		return fmt.Errorf("router.obs_noise_variance must be positive")
	}
	if c.Router.DecayRate <= 0 || c.Router.DecayRate > 1 {
		return fmt.Errorf("router.decay_rate must be in (0,1]")
	}
	for i, m := range c.Router.Models {
		if m.ModelID == "" {
			return fmt.Errorf("router.models[%d]: model_id required", i)
		}
		if m.CostPer1KTokens < 0 || m.AvgLatency < 0 {
			return fmt.Errorf("router.models[%d]: negative cost or latency", i)
		}
	}
	return nil
}
