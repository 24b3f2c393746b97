package config

import "time"

// RetentionConfig controls the background pruning of the Log Bus's
// durable stream (pkg/logbus.Bus.Prune), independent of the stream's
// approximate length-based trim (LogBusConfig.MaxLen).
type RetentionConfig struct {
	// EventTTL is the maximum age of a log_events row before the
	// cleanup loop prunes it.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the prune loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:        7 * 24 * time.Hour,
		CleanupInterval: 12 * time.Hour,
	}
}
