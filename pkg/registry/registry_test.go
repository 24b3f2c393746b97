package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentcore/pkg/registry"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	util "github.com/codeready-toolchain/agentcore/test/util"
)

func sampleSchema(name, version string) schema.Schema {
	maxLen := 120
	return schema.Schema{
		Metadata: schema.Metadata{Name: name, Version: version, Category: "diagnostics"},
		InputFields: map[string]schema.FieldDef{
			"query": {Type: schema.FieldString, Required: true, MaxLength: &maxLen},
		},
		OutputFields: map[string]schema.FieldDef{
			"summary": {Type: schema.FieldText, Required: true},
		},
		DataModels: map[string]schema.DataModelDef{
			"findings": {
				TableName: "findings",
				Fields: map[string]schema.FieldDef{
					"summary": {Type: schema.FieldText, Required: true},
				},
			},
		},
		Tools: map[string]schema.ToolDef{
			"fetch": {Type: "http_fetch"},
		},
		Pipeline: schema.PipelineDef{
			Steps: []schema.StepDef{
				{Name: "fetch_data", Tool: "fetch"},
			},
		},
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker; skipped with -short")
	}
	_, db := util.SetupTestDatabase(t)
	return registry.New(db)
}

func TestRegisterAndGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s := sampleSchema("diagnose_pod", "1.0.0")
	at, err := r.Register(ctx, s, "alice")
	require.NoError(t, err)
	assert.Equal(t, "diagnose_pod", at.TypeName)
	assert.Equal(t, schema.StatusActive, at.Status)
	assert.NotEmpty(t, at.SchemaHash)

	got, err := r.Get(ctx, "diagnose_pod", "")
	require.NoError(t, err)
	assert.Equal(t, at.ID, got.ID)
}

func TestRegisterRejectsDuplicateVersion(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s := sampleSchema("diagnose_pod", "1.0.0")
	_, err := r.Register(ctx, s, "alice")
	require.NoError(t, err)

	_, err = r.Register(ctx, s, "alice")
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestRegisterRejectsBreakingChange(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s1 := sampleSchema("diagnose_pod", "1.0.0")
	_, err := r.Register(ctx, s1, "alice")
	require.NoError(t, err)

	s2 := sampleSchema("diagnose_pod", "2.0.0")
	delete(s2.OutputFields, "summary")

	_, err = r.Register(ctx, s2, "alice")
	assert.ErrorIs(t, err, registry.ErrBreakingChange)
}

func TestRegisterAcceptsNonBreakingChange(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s1 := sampleSchema("diagnose_pod", "1.0.0")
	_, err := r.Register(ctx, s1, "alice")
	require.NoError(t, err)

	s2 := sampleSchema("diagnose_pod", "1.1.0")
	s2.OutputFields["extra"] = schema.FieldDef{Type: schema.FieldString}

	at2, err := r.Register(ctx, s2, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", at2.Version)
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s := sampleSchema("bad schema name!", "1.0.0")
	_, err := r.Register(ctx, s, "alice")
	require.Error(t, err)
	var ve *registry.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Issues)
}

func TestDeprecateThenGetReturnsNotFound(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	s := sampleSchema("diagnose_pod", "1.0.0")
	_, err := r.Register(ctx, s, "alice")
	require.NoError(t, err)

	require.NoError(t, r.Deprecate(ctx, "diagnose_pod", "1.0.0"))

	_, err = r.Get(ctx, "diagnose_pod", "")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	got, err := r.Get(ctx, "diagnose_pod", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusDeprecated, got.Status)
}

func TestListFiltersByStatusAndName(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, sampleSchema("diagnose_pod", "1.0.0"), "alice")
	require.NoError(t, err)
	_, err = r.Register(ctx, sampleSchema("scale_deployment", "1.0.0"), "alice")
	require.NoError(t, err)

	results, err := r.List(ctx, registry.ListFilter{NameSubstring: "diagnose"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "diagnose_pod", results[0].TypeName)
}

func TestCheckCompatibilityDetectsBreakingAndNonBreaking(t *testing.T) {
	old := sampleSchema("diagnose_pod", "1.0.0")
	updated := sampleSchema("diagnose_pod", "1.1.0")
	updated.InputFields["extra"] = schema.FieldDef{Type: schema.FieldString}

	report := registry.CheckCompatibility(old, updated)
	assert.Empty(t, report.Breaking)
	assert.NotEmpty(t, report.NonBreaking)
	assert.False(t, report.MigrationRequired)

	broken := sampleSchema("diagnose_pod", "2.0.0")
	delete(broken.DataModels, "findings")
	report2 := registry.CheckCompatibility(old, broken)
	assert.NotEmpty(t, report2.Breaking)
	assert.True(t, report2.MigrationRequired)
}
