package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWithNoUserFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "agentcore_events", cfg.LogBus.StreamName)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitializeMergesUserOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
database:
  host: db.internal
  port: 5433
log_bus:
  log_stream_name: prod_events
pipeline:
  pipeline_default_retries: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentcore.yaml"), []byte(yamlContent), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "agentcore", cfg.Database.Database) // unset, stays default
	assert.Equal(t, "prod_events", cfg.LogBus.StreamName)
	assert.Equal(t, 3, cfg.Pipeline.DefaultRetries)
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	yamlContent := `
database:
  password: ${TEST_DB_PASSWORD}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentcore.yaml"), []byte(yamlContent), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestInitializeRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
database:
  port: 99999
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentcore.yaml"), []byte(yamlContent), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "not: [valid: yaml"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentcore.yaml"), []byte(yamlContent), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
}
