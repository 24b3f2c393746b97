package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentcore/pkg/config"
	"github.com/codeready-toolchain/agentcore/pkg/logbus"
	"github.com/codeready-toolchain/agentcore/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServicePrunesExpiredEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("requires database")
	}
	_, db := util.SetupTestDatabase(t)
	bus := logbus.New(db, 1_000_000)
	ctx := context.Background()

	old := logbus.LogEvent{
		Level:     logbus.LevelInfo,
		TaskID:    "task-old",
		Scope:     logbus.ScopeSystem,
		Component: "test",
		Message:   "old event",
	}
	_, err := bus.Publish(ctx, old)
	require.NoError(t, err)

	recent := logbus.LogEvent{
		Level:     logbus.LevelInfo,
		TaskID:    "task-recent",
		Scope:     logbus.ScopeSystem,
		Component: "test",
		Message:   "recent event",
	}
	_, err = bus.Publish(ctx, recent)
	require.NoError(t, err)

	cfg := &config.RetentionConfig{
		EventTTL:        1 * time.Nanosecond,
		CleanupInterval: time.Hour,
	}
	svc := NewService(cfg, bus)
	svc.runOnce(ctx)

	events, err := bus.Range(ctx, 0, 0, 100)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, "task-old", e.TaskID)
	}
}

func TestServiceStartStopIsIdempotent(t *testing.T) {
	cfg := &config.RetentionConfig{EventTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx) // no-op, already started
	svc.Stop()
	svc.Stop() // no-op, already stopped
}
