package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.configDir = "/tmp"
	return cfg
}

func TestValidateAllAcceptsDefaults(t *testing.T) {
	require.NoError(t, NewValidator(validConfig()).ValidateAll())
}

func TestValidateDatabaseRejectsMissingHost(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestValidateDatabaseRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Port = 0
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateLogBusRejectsEmptyStreamName(t *testing.T) {
	cfg := validConfig()
	cfg.LogBus.StreamName = ""
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
}

func TestValidatePipelineRejectsNegativeRetries(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.DefaultRetries = -1
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
}

func TestValidatePipelineRejectsMaxBelowDefault(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.DefaultTimeoutSecs = 60
	cfg.Pipeline.MaxExecutionTimeSecs = 30
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
}

func TestValidateRetentionRejectsZeroTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.EventTTL = 0
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
}
