package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig mirrors agentcore.yaml's on-disk shape. All fields are
// optional; anything unset is left at DefaultConfig's value by the
// mergo overlay in load().
type YAMLConfig struct {
	Database *DatabaseConfig   `yaml:"database"`
	LogBus   *LogBusConfig     `yaml:"log_bus"`
	Pipeline *PipelineDefaults `yaml:"pipeline"`
	Executor *ExecutorConfig   `yaml:"executor"`
	Migrator *MigratorConfig   `yaml:"migrator"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Start from DefaultConfig()
//  2. Load agentcore.yaml from configDir, expanding ${VAR}/$VAR first
//  3. Merge user-provided values on top of the defaults (user wins)
//  4. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"log_stream", cfg.LogBus.StreamName,
		"db_host", cfg.Database.Host,
		"db_name", cfg.Database.Database)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "agentcore.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No user file: defaults stand on their own, a valid
			// configuration for local/dev use.
			return cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var user YAMLConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if user.Database != nil {
		if err := mergo.Merge(&cfg.Database, user.Database, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging database config: %w", err)
		}
	}
	if user.LogBus != nil {
		if err := mergo.Merge(&cfg.LogBus, user.LogBus, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging log_bus config: %w", err)
		}
	}
	if user.Pipeline != nil {
		if err := mergo.Merge(&cfg.Pipeline, user.Pipeline, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging pipeline config: %w", err)
		}
	}
	if user.Executor != nil {
		if err := mergo.Merge(&cfg.Executor, user.Executor, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging executor config: %w", err)
		}
	}
	if user.Migrator != nil {
		if err := mergo.Merge(&cfg.Migrator, user.Migrator, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging migrator config: %w", err)
		}
	}
	if user.Retention != nil {
		if err := mergo.Merge(cfg.Retention, user.Retention, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("merging retention config: %w", err)
		}
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
