package config

import "time"

// DefaultConfig returns the built-in defaults applied before a user's
// agentcore.yaml is merged on top.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "agentcore",
			Database:        "agentcore",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		LogBus: LogBusConfig{
			StreamName: "agentcore_events",
			MaxLen:     1_000_000,
		},
		Pipeline: PipelineDefaults{
			DefaultRetries:       0,
			DefaultTimeoutSecs:   30,
			MaxExecutionTimeSecs: 300,
		},
		Executor: ExecutorConfig{
			CancelGraceSecs: 5,
		},
		Migrator: MigratorConfig{
			ConfirmDestructiveDefault: false,
		},
		Retention: DefaultRetentionConfig(),
	}
}
