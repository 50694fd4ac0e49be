// Package config holds the recovery core configuration.
//
// Values come from, in increasing precedence:
//   - Default()
//   - a YAML file
//   - ARTEMIS_* environment variables, "__" separating sections
//     (ARTEMIS_SUPERVISOR__BREAKER_THRESHOLD -> supervisor.breaker_threshold)
//
// The serve command loads it once and injects the pieces each component
// needs; components never read configuration themselves.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/twopass"
)

// Config is the root configuration.
type Config struct {
	Logging    logging.Config      `koanf:"logging"`
	State      StateConfig         `koanf:"state"`
	Retry      twopass.RetryConfig `koanf:"retry"`
	TwoPass    TwoPassConfig       `koanf:"two_pass"`
	Pipeline   PipelineConfig      `koanf:"pipeline"`
	Workflows  WorkflowsConfig     `koanf:"workflows"`
	Supervisor SupervisorConfig    `koanf:"supervisor"`
	NATS       NATSConfig          `koanf:"nats"`
	GRPC       GRPCConfig          `koanf:"grpc"`
	Metrics    MetricsConfig       `koanf:"metrics"`
	Tracing    TracingConfig       `koanf:"tracing"`
}

// StateConfig locates persisted snapshots.
type StateConfig struct {
	// Dir holds one pipeline_state_{card_id}.json per pipeline run.
	Dir string `koanf:"dir"`
	// Retention is how long snapshots of finished runs are kept. Zero keeps them forever.
	Retention       time.Duration `koanf:"retention"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// TwoPassConfig selects pass strategies and comparison thresholds.
type TwoPassConfig struct {
	FirstStrategy     string  `koanf:"first_strategy"`
	SecondStrategy    string  `koanf:"second_strategy"`
	RollbackThreshold float64 `koanf:"rollback_threshold"`
	NoiseThreshold    float64 `koanf:"noise_threshold"`
}

// WorkflowsConfig tunes recovery workflows and their handlers.
type WorkflowsConfig struct {
	// DefinitionsPath optionally points to YAML workflow overrides.
	DefinitionsPath string `koanf:"definitions_path"`
	// WorkDir is where remediation commands run.
	WorkDir string `koanf:"work_dir"`
	// Commands overrides the argv of logical commands (lint_fix, run_tests...).
	Commands map[string][]string `koanf:"commands"`

	TerminateGrace      time.Duration `koanf:"terminate_grace"`
	TimeoutMultiplier   float64       `koanf:"timeout_multiplier"`
	DefaultStageTimeout time.Duration `koanf:"default_stage_timeout"`
	NetworkBackoff      time.Duration `koanf:"network_backoff"`
	RateLimitWait       time.Duration `koanf:"rate_limit_wait"`
}

// SupervisorConfig tunes circuit breaking and recovery throttling.
type SupervisorConfig struct {
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerReset     time.Duration `koanf:"breaker_reset"`
	// RecoveryInterval is the sustained per-agent recovery rate. Zero disables throttling.
	RecoveryInterval time.Duration `koanf:"recovery_interval"`
	RecoveryBurst    int           `koanf:"recovery_burst"`
}

// NATSConfig configures event publishing and health ingestion.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	EventSubject  string `koanf:"event_subject"`
	HealthSubject string `koanf:"health_subject"`
}

// GRPCConfig configures the health service listener.
type GRPCConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		State: StateConfig{
			Dir:             ".artemis/state",
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Retry:   twopass.DefaultRetryConfig(),
		TwoPass: TwoPassConfig{
			FirstStrategy:     twopass.FirstPassName,
			SecondStrategy:    twopass.SecondPassName,
			RollbackThreshold: twopass.DefaultRollbackThreshold,
			NoiseThreshold:    twopass.DefaultNoiseThreshold,
		},
		Pipeline: PipelineConfig{
			Name:          "artemis",
			Mode:          "sequential",
			ParallelLimit: 4,
			Complexity:    "moderate",
		},
		Workflows: WorkflowsConfig{
			WorkDir:             ".",
			TerminateGrace:      5 * time.Second,
			TimeoutMultiplier:   1.5,
			DefaultStageTimeout: 300 * time.Second,
			NetworkBackoff:      2 * time.Second,
			RateLimitWait:       30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			BreakerThreshold: 5,
			BreakerReset:     60 * time.Second,
			RecoveryInterval: 10 * time.Second,
			RecoveryBurst:    3,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			EventSubject:  "artemis.events",
			HealthSubject: "artemis.health",
		},
		GRPC:    GRPCConfig{Enabled: true, Address: ":50051"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
		Tracing: TracingConfig{Endpoint: "localhost:4317", ServiceName: "artemis", SampleRatio: 1},
	}
}

// Validate reports every impossible value.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.State.Dir == "" {
		add("state.dir is required")
	}
	if c.State.Retention < 0 || c.State.CleanupInterval < 0 {
		add("state.retention and state.cleanup_interval must not be negative")
	}

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		add("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Retry.ExponentialBase != 0 && c.Retry.ExponentialBase < 1 {
		add("retry.exponential_base must be at least 1, got %g", c.Retry.ExponentialBase)
	}

	if c.TwoPass.RollbackThreshold > 0 {
		add("two_pass.rollback_threshold must not be positive, got %g", c.TwoPass.RollbackThreshold)
	}
	if c.TwoPass.NoiseThreshold < 0 {
		add("two_pass.noise_threshold must not be negative, got %g", c.TwoPass.NoiseThreshold)
	}

	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	if c.Workflows.TimeoutMultiplier < 1 {
		add("workflows.timeout_multiplier must be at least 1, got %g", c.Workflows.TimeoutMultiplier)
	}
	if c.Workflows.DefaultStageTimeout <= 0 {
		add("workflows.default_stage_timeout must be positive")
	}

	if c.Supervisor.BreakerThreshold < 0 {
		add("supervisor.breaker_threshold must not be negative")
	}
	if c.Supervisor.RecoveryInterval < 0 {
		add("supervisor.recovery_interval must not be negative")
	}
	if c.Supervisor.RecoveryInterval > 0 && c.Supervisor.RecoveryBurst < 1 {
		add("supervisor.recovery_burst must be at least 1 when throttling is enabled")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		add("nats.url is required when nats is enabled")
	}
	if c.GRPC.Enabled && c.GRPC.Address == "" {
		add("grpc.address is required when grpc is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add("metrics.address is required when metrics are enabled")
	}
	if c.Tracing.Enabled && (c.Tracing.Endpoint == "" || c.Tracing.ServiceName == "") {
		add("tracing.endpoint and tracing.service_name are required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}

	return errors.Join(errs...)
}

// =============================================================================
// GLOBAL CONFIG (set once by the serve command)
// =============================================================================

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Get returns the installed configuration, or defaults when none is set.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}

// Set installs cfg as the process configuration.
func Set(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = cfg
}

// Reset clears the installed configuration (useful for testing).
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = nil
}
