package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

type echoTool struct {
	BaseTool
	config map[string]any
}

func (t *echoTool) Execute(ctx context.Context, input map[string]any, execCtx ExecutionContext) (any, error) {
	out := map[string]any{}
	for k, v := range input {
		out[k] = v
	}
	for k, v := range t.config {
		out[k] = v
	}
	return out, nil
}

func (t *echoTool) Describe() ToolSchema {
	return ToolSchema{Name: "echo"}
}

func echoFactory(def schema.ToolDef, merged map[string]any) (Tool, error) {
	return &echoTool{config: merged}, nil
}

func TestRegistryBuildMergesCallerOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", echoFactory, ToolSchema{Name: "echo"})

	def := schema.ToolDef{Type: "echo", Config: map[string]any{"a": 1, "b": 2}}
	tool, err := r.Build(def, map[string]any{"b": 99})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{}, ExecutionContext{})
	require.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, 99, m["b"])
}

func TestRegistryBuildUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(schema.ToolDef{Type: "missing"}, nil)
	assert.Error(t, err)
}

func TestRegistryOverrideWarnsNotErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", echoFactory, ToolSchema{Name: "echo-v1"})
	r.Register("echo", echoFactory, ToolSchema{Name: "echo-v2"})

	desc, ok := r.Describe("echo")
	require.True(t, ok)
	assert.Equal(t, "echo-v2", desc.Name)
}

func TestRegistryHas(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("echo"))
	r.Register("echo", echoFactory, ToolSchema{})
	assert.True(t, r.Has("echo"))
}
