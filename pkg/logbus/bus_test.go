package logbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentcore/pkg/logbus"
	util "github.com/codeready-toolchain/agentcore/test/util"
)

func newBus(t *testing.T) *logbus.Bus {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker; skipped with -short")
	}
	_, db := util.SetupTestDatabase(t)
	return logbus.New(db, 0)
}

func TestPublishAssignsMonotoneStreamID(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	id1, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelInfo, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "first"})
	require.NoError(t, err)
	id2, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelInfo, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "second"})
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestSubscribePollAck(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelInfo, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "a"})
	require.NoError(t, err)
	id2, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelWarning, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "b"})
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "observers", "c1", nil)
	require.NoError(t, err)

	events, missed, err := b.Poll(ctx, sub, 10)
	require.NoError(t, err)
	assert.Zero(t, missed)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Message)

	require.NoError(t, b.Ack(ctx, sub, events[0].StreamID))

	events2, _, err := b.Poll(ctx, sub, 10)
	require.NoError(t, err)
	require.Len(t, events2, 1)
	assert.Equal(t, "b", events2[0].Message)
	assert.Equal(t, id2, events2[0].StreamID)
}

func TestPollFilterSkipsAndAutoAdvances(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelDebug, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "noise", Message: "skip-me"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelError, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "keep-me"})
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "errors-only", "c1", logbus.Filter{"component": "runner"})
	require.NoError(t, err)

	events, _, err := b.Poll(ctx, sub, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "keep-me", events[0].Message)
}

func TestRangeReplay(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := b.Publish(ctx, logbus.LogEvent{Level: logbus.LevelInfo, TraceID: "t1", Scope: logbus.ScopeSystem, Component: "runner", Message: "msg"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	events, err := b.Range(ctx, ids[0], ids[1], 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFilterMinLevel(t *testing.T) {
	f := logbus.Filter{"min_level": "warning"}
	assert.True(t, f.Matches(logbus.LogEvent{Level: logbus.LevelError}))
	assert.True(t, f.Matches(logbus.LogEvent{Level: logbus.LevelWarning}))
	assert.False(t, f.Matches(logbus.LogEvent{Level: logbus.LevelInfo}))
}

func TestFilterAnyOfMatch(t *testing.T) {
	f := logbus.Filter{"component": []string{"runner", "migrator"}}
	assert.True(t, f.Matches(logbus.LogEvent{Component: "migrator"}))
	assert.False(t, f.Matches(logbus.LogEvent{Component: "registry"}))
}
