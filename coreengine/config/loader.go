package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment overrides.
	EnvPrefix = "ARTEMIS_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads the YAML file at path (skipped when path is empty), applies
// ARTEMIS_* environment overrides and validates the result.
//
//	ARTEMIS_LOGGING__LEVEL=debug          -> logging.level
//	ARTEMIS_SUPERVISOR__BREAKER_RESET=2m  -> supervisor.breaker_reset
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := LoadBytes(content)
	if err != nil && path != "" {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, err
}

// LoadBytes is Load for an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps ARTEMIS_SECTION__FIELD_NAME to section.field_name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// applyDefaults fills collection fields left empty. They stay nil in
// Default() so a configured list replaces rather than merges.
func applyDefaults(cfg *Config) {
	if len(cfg.Pipeline.Stages) == 0 {
		cfg.Pipeline.Stages = DefaultStages()
	}
	if cfg.Workflows.Commands == nil {
		cfg.Workflows.Commands = map[string][]string{}
	}
}
