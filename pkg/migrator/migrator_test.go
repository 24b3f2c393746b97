package migrator_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentcore/pkg/migrator"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	util "github.com/codeready-toolchain/agentcore/test/util"
)

func newMigrator(t *testing.T) (*migrator.Migrator, uuid.UUID) {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker; skipped with -short")
	}
	_, db := util.SetupTestDatabase(t)
	agentTypeID := uuid.New()
	_, err := db.Exec(
		`INSERT INTO agent_types (id, type_name, version, schema_hash, status, schema_json) VALUES ($1, 'm_type', '1.0.0', 'deadbeef', 'active', '{}')`,
		agentTypeID,
	)
	require.NoError(t, err)
	return migrator.New(db), agentTypeID
}

func modelWithFields(tableName string, fields map[string]schema.FieldDef) map[string]schema.DataModelDef {
	return map[string]schema.DataModelDef{
		"m": {TableName: tableName, Fields: fields},
	}
}

func TestS5MigrationDryRunAddsColumnOnly(t *testing.T) {
	m, agentTypeID := newMigrator(t)
	ctx := context.Background()

	v1 := modelWithFields("m_table", map[string]schema.FieldDef{
		"a": {Type: schema.FieldInteger, Required: true},
	})
	plan1, err := m.Plan(ctx, agentTypeID, v1)
	require.NoError(t, err)
	require.Len(t, plan1.Operations, 1)
	assert.Equal(t, migrator.OpCreateTable, plan1.Operations[0].Kind)

	_, err = m.Apply(ctx, plan1, false)
	require.NoError(t, err)

	v2 := modelWithFields("m_table", map[string]schema.FieldDef{
		"a": {Type: schema.FieldInteger, Required: true},
		"b": {Type: schema.FieldString},
	})
	plan2, err := m.Plan(ctx, agentTypeID, v2)
	require.NoError(t, err)
	require.Len(t, plan2.Operations, 1)
	assert.Equal(t, migrator.OpAddColumn, plan2.Operations[0].Kind)
	assert.False(t, plan2.HasDestructive())

	_, err = m.Apply(ctx, plan2, false)
	require.NoError(t, err, "non-destructive plan must apply without confirm")
}

func TestS6DestructiveMigrationGuard(t *testing.T) {
	m, agentTypeID := newMigrator(t)
	ctx := context.Background()

	v1 := modelWithFields("m_table", map[string]schema.FieldDef{
		"a": {Type: schema.FieldInteger, Required: true},
		"b": {Type: schema.FieldString},
	})
	plan1, err := m.Plan(ctx, agentTypeID, v1)
	require.NoError(t, err)
	_, err = m.Apply(ctx, plan1, false)
	require.NoError(t, err)

	v3 := modelWithFields("m_table", map[string]schema.FieldDef{
		"b": {Type: schema.FieldString},
	})
	plan3, err := m.Plan(ctx, agentTypeID, v3)
	require.NoError(t, err)
	require.Len(t, plan3.Operations, 1)
	assert.Equal(t, migrator.OpDropColumn, plan3.Operations[0].Kind)
	assert.True(t, plan3.Operations[0].Destructive)
	assert.True(t, plan3.HasDestructive())

	_, err = m.Apply(ctx, plan3, false)
	assert.ErrorIs(t, err, migrator.ErrDestructiveNotConfirmed)

	result, err := m.Apply(ctx, plan3, true)
	require.NoError(t, err)
	assert.Len(t, result.Applied, 1)
}

func TestDropForAgentRemovesManagedTables(t *testing.T) {
	m, agentTypeID := newMigrator(t)
	ctx := context.Background()

	v1 := modelWithFields("m_table", map[string]schema.FieldDef{
		"a": {Type: schema.FieldInteger, Required: true},
	})
	plan, err := m.Plan(ctx, agentTypeID, v1)
	require.NoError(t, err)
	_, err = m.Apply(ctx, plan, false)
	require.NoError(t, err)

	dropped, err := m.DropForAgent(ctx, agentTypeID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"m_table"}, dropped)

	stats, err := m.Stats(ctx, agentTypeID)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestApplyRollsBackPriorOperationsOnLaterFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker; skipped with -short")
	}
	_, db := util.SetupTestDatabase(t)
	agentTypeID := uuid.New()
	_, err := db.Exec(
		`INSERT INTO agent_types (id, type_name, version, schema_hash, status, schema_json) VALUES ($1, 'm_type', '1.0.0', 'deadbeef', 'active', '{}')`,
		agentTypeID,
	)
	require.NoError(t, err)
	m := migrator.New(db)
	ctx := context.Background()

	plan := &migrator.MigrationPlan{
		AgentTypeID: agentTypeID,
		Operations: []migrator.Operation{
			{
				Kind: migrator.OpCreateTable, ModelName: "m1", TableName: "m1_mid_table",
				SQL: "CREATE TABLE m1_mid_table (id uuid primary key)",
			},
			{
				Kind: migrator.OpAddColumn, ModelName: "m1", TableName: "does_not_exist",
				ColumnName: "bogus", SQL: "ALTER TABLE does_not_exist ADD COLUMN bogus text",
			},
		},
	}

	result, err := m.Apply(ctx, plan, false)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.Applied, 1, "only the first operation should have applied before the failure")
	assert.True(t, result.RollbackPerformed, "tx.Rollback reverting the whole transaction counts as a performed rollback")

	var exists bool
	err = db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'm1_mid_table')`,
	).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists, "the first operation's table must not survive the rollback")
}

func TestPlanIsCachedForUnchangedModels(t *testing.T) {
	m, agentTypeID := newMigrator(t)
	ctx := context.Background()

	v1 := modelWithFields("m_cache_table", map[string]schema.FieldDef{
		"a": {Type: schema.FieldInteger, Required: true},
	})

	first, err := m.Plan(ctx, agentTypeID, v1)
	require.NoError(t, err)

	second, err := m.Plan(ctx, agentTypeID, v1)
	require.NoError(t, err)

	assert.Same(t, first, second, "identical models should be served from the plan cache")
}
