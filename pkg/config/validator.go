package config

import "fmt"

// Validator validates a resolved Config comprehensively with clear
// error messages, one section at a time, fail-fast.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates in order: database → log bus → pipeline →
// executor → retention.
func (v *Validator) ValidateAll() error {
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := v.validateLogBus(); err != nil {
		return fmt.Errorf("log_bus validation failed: %w", err)
	}
	if err := v.validatePipeline(); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}
	if err := v.validateExecutor(); err != nil {
		return fmt.Errorf("executor validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return fmt.Errorf("%w: database.host", ErrMissingRequiredField)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: database.port must be 1-65535, got %d", ErrInvalidValue, d.Port)
	}
	if d.Database == "" {
		return fmt.Errorf("%w: database.database", ErrMissingRequiredField)
	}
	if d.MaxOpenConns < 1 {
		return fmt.Errorf("%w: database.max_open_conns must be at least 1, got %d", ErrInvalidValue, d.MaxOpenConns)
	}
	if d.MaxIdleConns < 0 || d.MaxIdleConns > d.MaxOpenConns {
		return fmt.Errorf("%w: database.max_idle_conns must be between 0 and max_open_conns, got %d", ErrInvalidValue, d.MaxIdleConns)
	}
	return nil
}

func (v *Validator) validateLogBus() error {
	l := v.cfg.LogBus
	if l.StreamName == "" {
		return fmt.Errorf("%w: log_bus.log_stream_name", ErrMissingRequiredField)
	}
	if l.MaxLen < 0 {
		return fmt.Errorf("%w: log_bus.log_stream_max_len must be non-negative, got %d", ErrInvalidValue, l.MaxLen)
	}
	return nil
}

func (v *Validator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p.DefaultRetries < 0 {
		return fmt.Errorf("%w: pipeline.pipeline_default_retries must be non-negative, got %d", ErrInvalidValue, p.DefaultRetries)
	}
	if p.DefaultTimeoutSecs < 1 {
		return fmt.Errorf("%w: pipeline.pipeline_default_timeout_s must be at least 1, got %d", ErrInvalidValue, p.DefaultTimeoutSecs)
	}
	if p.MaxExecutionTimeSecs < p.DefaultTimeoutSecs {
		return fmt.Errorf("%w: pipeline.max_execution_time_s must be >= pipeline_default_timeout_s", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateExecutor() error {
	e := v.cfg.Executor
	if e.CancelGraceSecs < 0 {
		return fmt.Errorf("%w: executor.executor_cancel_grace_s must be non-negative, got %d", ErrInvalidValue, e.CancelGraceSecs)
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return fmt.Errorf("%w: retention", ErrMissingRequiredField)
	}
	if r.EventTTL <= 0 {
		return fmt.Errorf("%w: retention.event_ttl must be positive, got %v", ErrInvalidValue, r.EventTTL)
	}
	if r.CleanupInterval <= 0 {
		return fmt.Errorf("%w: retention.cleanup_interval must be positive, got %v", ErrInvalidValue, r.CleanupInterval)
	}
	return nil
}
