// Package e2e exercises the full schema-driven agent execution stack
// end to end: register a schema, migrate its data models, and run it
// through the Agent Runner, Pipeline Executor, Planner, and Log Bus
// together over one database. These cover seed scenarios S1 and S5;
// S2-S4 and S6 are covered by the pkg/executor and pkg/migrator tests.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentcore/pkg/executor"
	"github.com/codeready-toolchain/agentcore/pkg/logbus"
	"github.com/codeready-toolchain/agentcore/pkg/migrator"
	"github.com/codeready-toolchain/agentcore/pkg/registry"
	"github.com/codeready-toolchain/agentcore/pkg/runner"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	"github.com/codeready-toolchain/agentcore/pkg/tools"
	"github.com/codeready-toolchain/agentcore/test/util"
)

type echoTool struct {
	tools.BaseTool
	result map[string]any
}

func (t *echoTool) Execute(_ context.Context, _ map[string]any, _ tools.ExecutionContext) (any, error) {
	return t.result, nil
}
func (t *echoTool) Describe() tools.ToolSchema { return tools.ToolSchema{} }

func registerEcho(reg *tools.Registry, typeTag string, result map[string]any) {
	reg.Register(typeTag, func(schema.ToolDef, map[string]any) (tools.Tool, error) {
		return &echoTool{result: result}, nil
	}, tools.ToolSchema{})
}

type stack struct {
	registry *registry.Registry
	migrator *migrator.Migrator
	tools    *tools.Registry
	runner   *runner.Runner
	bus      *logbus.Bus
}

func newStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker; skipped with -short")
	}
	_, db := util.SetupTestDatabase(t)

	reg := registry.New(db)
	mig := migrator.New(db)
	toolRegistry := tools.NewRegistry()
	bus := logbus.New(db, 0)
	exec := executor.New(toolRegistry, 2*time.Second)
	r := runner.New(reg, toolRegistry, exec, bus, nil, 300)

	return &stack{registry: reg, migrator: mig, tools: toolRegistry, runner: r, bus: bus}
}

// S1 — happy path, sequential: extract -> analyze, final_data superset,
// exactly one task_completed event.
func TestS1HappyPathSequential(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	registerEcho(st.tools, "extract_tool", map[string]any{"content": "hello"})
	registerEcho(st.tools, "analyze_tool", map[string]any{"label": "greeting"})

	s := schema.Schema{
		Metadata: schema.Metadata{Name: "s1_agent", Version: "1.0.0", Category: "test"},
		InputFields: map[string]schema.FieldDef{
			"src": {Type: schema.FieldString, Required: true},
		},
		OutputFields: map[string]schema.FieldDef{
			"content": {Type: schema.FieldString, Required: true},
			"label":   {Type: schema.FieldString, Required: true},
		},
		Tools: map[string]schema.ToolDef{
			"extract": {Type: "extract_tool"},
			"analyze": {Type: "analyze_tool"},
		},
		Pipeline: schema.PipelineDef{
			Steps: []schema.StepDef{
				{Name: "extract", Tool: "extract"},
				{Name: "analyze", Tool: "analyze", DependsOn: []string{"extract"}},
			},
		},
	}
	_, err := st.registry.Register(ctx, s, "tester")
	require.NoError(t, err)

	result, err := st.runner.Run(ctx, runner.RunInput{
		TypeName: "s1_agent",
		Version:  "1.0.0",
		TaskID:   uuid.NewString(),
		AgentID:  uuid.NewString(),
		Input:    map[string]any{"src": "x"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", result.FinalData["content"])
	assert.Equal(t, "greeting", result.FinalData["label"])
	assert.True(t, result.StepResults["extract"].Success)
	assert.Equal(t, 1, result.StepResults["analyze"].Attempts)

	events, err := st.bus.Range(ctx, 0, 0, 100)
	require.NoError(t, err)
	completed := 0
	for _, e := range events {
		if e.Message == "task_completed" {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

// S5 — migration dry-run: register v1 with model m{a:int}, plan v2 with
// m{a:int,b:string}; expect one add_column, zero destructive ops.
func TestS5MigrationDryRunAcrossRegistryAndMigrator(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	v1 := schema.Schema{
		Metadata: schema.Metadata{Name: "s5_agent", Version: "1.0.0", Category: "test"},
		DataModels: map[string]schema.DataModelDef{
			"m": {TableName: "s5_m", Fields: map[string]schema.FieldDef{
				"a": {Type: schema.FieldInteger, Required: true},
			}},
		},
		Pipeline: schema.PipelineDef{Steps: []schema.StepDef{}},
	}
	at1, err := st.registry.Register(ctx, v1, "tester")
	require.NoError(t, err)

	plan1, err := st.migrator.Plan(ctx, at1.ID, v1.DataModels)
	require.NoError(t, err)
	_, err = st.migrator.Apply(ctx, plan1, false)
	require.NoError(t, err)

	v2Models := map[string]schema.DataModelDef{
		"m": {TableName: "s5_m", Fields: map[string]schema.FieldDef{
			"a": {Type: schema.FieldInteger, Required: true},
			"b": {Type: schema.FieldString},
		}},
	}
	plan2, err := st.migrator.Plan(ctx, at1.ID, v2Models)
	require.NoError(t, err)
	assert.False(t, plan2.HasDestructive())

	addColumns := 0
	for _, op := range plan2.Operations {
		if op.Kind == migrator.OpAddColumn {
			addColumns++
		}
	}
	assert.Equal(t, 1, addColumns)

	_, err = st.migrator.Apply(ctx, plan2, false)
	require.NoError(t, err)
}
