package config

import "time"

// Config is the fully resolved, validated configuration for the
// running node: database connectivity, Log Bus defaults, pipeline
// execution defaults, and the Dynamic Table Migrator's destructive-
// change policy.
type Config struct {
	configDir string

	Database  DatabaseConfig
	LogBus    LogBusConfig
	Pipeline  PipelineDefaults
	Executor  ExecutorConfig
	Migrator  MigratorConfig
	Retention *RetentionConfig
}

// DatabaseConfig is the YAML-facing mirror of database.Config; the
// loader translates it after env-expansion so pkg/database stays free
// of YAML tags.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LogBusConfig controls the Log Bus's durable stream (spec.md §4.H).
// MaxLen is passed to the bus; StreamName is validated and logged at
// startup, while the bus always writes to the log_events table.
type LogBusConfig struct {
	StreamName string `yaml:"log_stream_name"`
	MaxLen     int    `yaml:"log_stream_max_len"`
}

// PipelineDefaults holds pipeline execution defaults (spec.md §4.G).
// MaxExecutionTimeSecs is the Agent Runner's default task deadline.
// DefaultRetries and DefaultTimeoutSecs are loaded and validated only;
// they are not passed to the Pipeline Executor, so a step that omits
// its retries or timeout does not pick them up.
type PipelineDefaults struct {
	DefaultRetries      int `yaml:"pipeline_default_retries"`
	DefaultTimeoutSecs  int `yaml:"pipeline_default_timeout_s"`
	MaxExecutionTimeSecs int `yaml:"max_execution_time_s"`
}

// ExecutorConfig controls the Pipeline Executor's cancellation grace
// window (spec.md §4.G, cancellation edge case).
type ExecutorConfig struct {
	CancelGraceSecs int `yaml:"executor_cancel_grace_s"`
}

// MigratorConfig controls the Dynamic Table Migrator's default stance
// on destructive operations (spec.md §4.D).
type MigratorConfig struct {
	ConfirmDestructiveDefault bool `yaml:"migrator_confirm_destructive_default"`
}

// ConfigDir returns the configuration directory this Config was loaded
// from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
