package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	applyDefaults(cfg)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Pipeline.Order(), len(DefaultStages()))
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.State.Dir = ""
	cfg.TwoPass.RollbackThreshold = 0.5
	cfg.Workflows.TimeoutMultiplier = 0.5
	cfg.Supervisor.RecoveryBurst = 0
	cfg.State.Retention = -time.Hour

	err := cfg.Validate()

	require.Error(t, err)
	for _, want := range []string{"state.dir", "rollback_threshold", "timeout_multiplier", "recovery_burst", "state.retention"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoadBytes_YAMLOverridesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
logging:
  level: debug
supervisor:
  breaker_threshold: 2
  breaker_reset: 90s
workflows:
  commands:
    run_tests: [go, test, ./...]
pipeline:
  mode: parallel
  stages:
    - name: development
      critical: true
      estimated_duration: 10m
    - name: unit_tests
      depends_on: [development]
`))

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Supervisor.BreakerThreshold)
	assert.Equal(t, 90*time.Second, cfg.Supervisor.BreakerReset)
	assert.Equal(t, 3, cfg.Supervisor.RecoveryBurst, "unset keys keep defaults")
	assert.Equal(t, []string{"go", "test", "./..."}, cfg.Workflows.Commands["run_tests"])
	require.Len(t, cfg.Pipeline.Stages, 2, "configured stages replace the defaults")
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.Stages[0].EstimatedDuration)
	assert.Equal(t, []string{"unit_tests"}, cfg.Pipeline.Dependents("development"))
}

func TestLoadBytes_EnvOverridesYAML(t *testing.T) {
	t.Setenv("ARTEMIS_LOGGING__LEVEL", "warn")
	t.Setenv("ARTEMIS_SUPERVISOR__RECOVERY_INTERVAL", "0s")
	t.Setenv("ARTEMIS_NATS__ENABLED", "true")

	cfg, err := LoadBytes([]byte("logging:\n  level: debug\n"))

	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Zero(t, cfg.Supervisor.RecoveryInterval)
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoadBytes_Invalid(t *testing.T) {
	_, err := LoadBytes([]byte("pipeline:\n  mode: sideways\n"))
	assert.ErrorContains(t, err, "sideways")

	_, err = LoadBytes([]byte("logging: [unterminated"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ".artemis/state", cfg.State.Dir)

	path := filepath.Join(t.TempDir(), "artemis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  dir: /var/lib/artemis\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/artemis", cfg.State.Dir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGlobalConfig(t *testing.T) {
	t.Cleanup(Reset)

	assert.Equal(t, Default().State.Dir, Get().State.Dir)

	custom := Default()
	custom.State.Dir = "/tmp/state"
	Set(custom)
	assert.Same(t, custom, Get())

	Reset()
	assert.NotSame(t, custom, Get())
}
